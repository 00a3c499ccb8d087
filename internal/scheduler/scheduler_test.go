package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/omni-pipeline/internal/coordinator"
	"github.com/yourorg/omni-pipeline/internal/model"
)

type recordingStarter struct {
	mu       sync.Mutex
	err      error
	triggers []model.Trigger
}

func (r *recordingStarter) StartRun(trigger model.Trigger) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = append(r.triggers, trigger)
	return "run-1", r.err
}

func TestNewRejectsBadSpec(t *testing.T) {
	for _, spec := range []string{"", "3pm", "25:00", "12:61", "12:30:15", "-5m", "0s"} {
		_, err := New(spec, &recordingStarter{})
		assert.Error(t, err, "spec %q", spec)
	}
}

func TestIntervalSchedule(t *testing.T) {
	s, err := New("30m", &recordingStarter{})
	require.NoError(t, err)

	now := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(30*time.Minute), s.NextFiring(now))
}

func TestNextFiring(t *testing.T) {
	s, err := New("03:00", &recordingStarter{})
	require.NoError(t, err)

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "before today's slot",
			now:  time.Date(2026, 8, 30, 1, 0, 0, 0, time.UTC),
			want: time.Date(2026, 8, 30, 3, 0, 0, 0, time.UTC),
		},
		{
			name: "after today's slot rolls to tomorrow",
			now:  time.Date(2026, 8, 30, 9, 30, 0, 0, time.UTC),
			want: time.Date(2026, 8, 31, 3, 0, 0, 0, time.UTC),
		},
		{
			name: "exactly at the slot rolls to tomorrow",
			now:  time.Date(2026, 8, 30, 3, 0, 0, 0, time.UTC),
			want: time.Date(2026, 8, 31, 3, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.NextFiring(tt.now))
		})
	}
}

func TestFireStartsScheduledRun(t *testing.T) {
	starter := &recordingStarter{}
	s, err := New("03:00", starter)
	require.NoError(t, err)

	s.fire()

	require.Len(t, starter.triggers, 1)
	assert.Equal(t, model.TriggerScheduled, starter.triggers[0])
}

func TestFireSkipsWhenAlreadyRunning(t *testing.T) {
	starter := &recordingStarter{err: coordinator.ErrAlreadyRunning}
	s, err := New("03:00", starter)
	require.NoError(t, err)

	// Must not panic or retry; the firing is simply dropped.
	s.fire()
	s.fire()
	assert.Len(t, starter.triggers, 2)
}
