package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/omni-pipeline/internal/eval"
	"github.com/yourorg/omni-pipeline/internal/governor"
	"github.com/yourorg/omni-pipeline/internal/model"
	"github.com/yourorg/omni-pipeline/internal/source"
	"github.com/yourorg/omni-pipeline/internal/store"
)

// validAddr is a base58 address that decodes to 32 bytes.
const validAddr = "11111111111111111111111111111111"

const holdersPayload = `{"data":{"holders":[{"address":"w1","totalBoughtUSD":100,"totalSoldUSD":200}]}}`

type fakeClient struct {
	name    string
	payload string
	errText string

	mu       sync.Mutex
	active   int
	maxSeen  int
	block    chan struct{}
	requests int
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) Fetch(ctx context.Context, tokenAddr string) model.SourceResult {
	f.mu.Lock()
	f.requests++
	f.active++
	if f.active > f.maxSeen {
		f.maxSeen = f.active
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return model.SourceResult{
				TokenAddress: tokenAddr, Source: f.name,
				Outcome: model.OutcomeError, ErrorReason: ctx.Err().Error(),
			}
		}
	}

	if f.errText != "" {
		return model.SourceResult{
			TokenAddress: tokenAddr, Source: f.name,
			Outcome: model.OutcomeError, ErrorReason: f.errText,
		}
	}
	return model.SourceResult{
		TokenAddress: tokenAddr, Source: f.name,
		Payload: json.RawMessage(f.payload), Outcome: model.OutcomeOk,
	}
}

func newTestCoordinator(t *testing.T, limit int, clients ...source.Client) (*Coordinator, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	ev, err := eval.New([]eval.Rule{{
		Name:  "baseline",
		Score: func(model.Trader) float64 { return 25 },
	}}, 0, 20)
	require.NoError(t, err)

	agg := source.NewAggregator(clients, nil)
	return New(mem, agg, ev, governor.New(limit)), mem
}

func seedTokens(t *testing.T, mem *store.Memory, addrs ...string) {
	t.Helper()
	for i, addr := range addrs {
		require.NoError(t, mem.UpsertToken(context.Background(), model.Token{
			Address:      addr,
			DiscoveredAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Minute),
		}))
	}
}

func awaitRunEnd(t *testing.T, c *Coordinator) model.ProcessingRun {
	t.Helper()
	require.Eventually(t, func() bool {
		run, ok := c.Status()
		return ok && run.Status != model.RunRunning
	}, 5*time.Second, 5*time.Millisecond)
	run, _ := c.Status()
	return run
}

func TestStartRunNoPendingTokens(t *testing.T) {
	c, _ := newTestCoordinator(t, 2, &fakeClient{name: source.SourceBullx, payload: holdersPayload})
	_, err := c.StartRun(model.TriggerManual)
	assert.ErrorIs(t, err, ErrNoPendingTokens)
}

func TestRunProcessesAllPendingTokens(t *testing.T) {
	client := &fakeClient{name: source.SourceBullx, payload: holdersPayload}
	c, mem := newTestCoordinator(t, 2, client)
	seedTokens(t, mem, "tokenA", "tokenB", "tokenC")

	runID, err := c.StartRun(model.TriggerScheduled)
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	run := awaitRunEnd(t, c)
	assert.Equal(t, model.RunCompleted, run.Status)
	assert.Equal(t, model.TriggerScheduled, run.Trigger)
	assert.Equal(t, 3, run.Succeeded)
	assert.Equal(t, 0, run.Failed)

	for _, addr := range []string{"tokenA", "tokenB", "tokenC"} {
		tok, err := mem.Token(context.Background(), addr)
		require.NoError(t, err)
		assert.Equal(t, model.StateCompleted, tok.State)

		evals, err := mem.EvaluationsForToken(context.Background(), addr)
		require.NoError(t, err)
		require.Len(t, evals, 1)
		assert.Equal(t, model.VerdictPass, evals[0].Verdict)
	}

	saved, err := mem.Run(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, saved.Status)
}

func TestRunIsolatesPerTokenFailures(t *testing.T) {
	// Every source fails, so each token fails, but the run completes.
	client := &fakeClient{name: source.SourceBullx, errText: "connection refused"}
	c, mem := newTestCoordinator(t, 2, client)
	seedTokens(t, mem, "tokenA", "tokenB")

	_, err := c.StartRun(model.TriggerManual)
	require.NoError(t, err)

	run := awaitRunEnd(t, c)
	assert.Equal(t, model.RunCompleted, run.Status)
	assert.Equal(t, 0, run.Succeeded)
	assert.Equal(t, 2, run.Failed)

	tok, err := mem.Token(context.Background(), "tokenA")
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, tok.State)
	assert.NotEmpty(t, tok.LastError)
}

func TestSecondStartRunRejected(t *testing.T) {
	block := make(chan struct{})
	client := &fakeClient{name: source.SourceBullx, payload: holdersPayload, block: block}
	c, mem := newTestCoordinator(t, 1, client)
	seedTokens(t, mem, "tokenA")

	_, err := c.StartRun(model.TriggerManual)
	require.NoError(t, err)

	_, err = c.StartRun(model.TriggerManual)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(block)
	awaitRunEnd(t, c)

	// A finished run frees the slot for the next one.
	seedTokens(t, mem, "tokenB")
	_, err = c.StartRun(model.TriggerManual)
	assert.NoError(t, err)
	awaitRunEnd(t, c)
}

func TestStopRevertsInFlightTokens(t *testing.T) {
	block := make(chan struct{})
	client := &fakeClient{name: source.SourceBullx, payload: holdersPayload, block: block}
	c, mem := newTestCoordinator(t, 2, client)
	seedTokens(t, mem, "tokenA", "tokenB", "tokenC")

	_, err := c.StartRun(model.TriggerManual)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.InFlight() > 0 }, 5*time.Second, time.Millisecond)
	require.NoError(t, c.Stop())
	close(block)

	run := awaitRunEnd(t, c)
	assert.Equal(t, model.RunStopped, run.Status)

	tokens, err := mem.TokensByState(context.Background())
	require.NoError(t, err)
	for _, tok := range tokens {
		assert.NotEqual(t, model.StateInProgress, tok.State,
			"no token may be left in progress after a stop: %s", tok.Address)
	}

	assert.ErrorIs(t, c.Stop(), ErrNoActiveRun)
}

func TestStopLetsInFlightFetchesFinish(t *testing.T) {
	block := make(chan struct{})
	client := &fakeClient{name: source.SourceBullx, payload: holdersPayload, block: block}
	c, mem := newTestCoordinator(t, 1, client)
	seedTokens(t, mem, "tokenA")

	_, err := c.StartRun(model.TriggerManual)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.InFlight() > 0 }, 5*time.Second, time.Millisecond)
	require.NoError(t, c.Stop())

	// The run must wait for the in-flight fetch instead of aborting it.
	time.Sleep(50 * time.Millisecond)
	run, ok := c.Status()
	require.True(t, ok)
	assert.Equal(t, model.RunRunning, run.Status)
	client.mu.Lock()
	assert.Equal(t, 1, client.active)
	client.mu.Unlock()

	close(block)
	run = awaitRunEnd(t, c)
	assert.Equal(t, model.RunStopped, run.Status)

	tok, err := mem.Token(context.Background(), "tokenA")
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, tok.State)
}

func TestRunRespectsConcurrencyLimit(t *testing.T) {
	const limit = 2
	block := make(chan struct{})
	client := &fakeClient{name: source.SourceBullx, payload: holdersPayload, block: block}
	c, mem := newTestCoordinator(t, limit, client)
	seedTokens(t, mem, "t1", "t2", "t3", "t4", "t5", "t6")

	_, err := c.StartRun(model.TriggerManual)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.maxSeen == limit
	}, 5*time.Second, time.Millisecond)
	close(block)

	run := awaitRunEnd(t, c)
	assert.Equal(t, 6, run.Succeeded)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.LessOrEqual(t, client.maxSeen, limit)
}

func TestLockoutAbortsRun(t *testing.T) {
	client := &fakeClient{name: source.SourceBullx, errText: source.ErrProviderLockout.Error()}
	c, mem := newTestCoordinator(t, 1, client)
	seedTokens(t, mem, "tokenA", "tokenB")

	_, err := c.StartRun(model.TriggerManual)
	require.NoError(t, err)

	run := awaitRunEnd(t, c)
	assert.Equal(t, model.RunFailed, run.Status)
	assert.Contains(t, run.Error, "locked us out")

	// Lockout reverts tokens rather than marking them failed.
	tokens, err := mem.TokensByState(context.Background(), model.StatePending)
	require.NoError(t, err)
	assert.NotEmpty(t, tokens)
}

type failingEvalStore struct {
	*store.Memory
}

func (f *failingEvalStore) SaveEvaluations(context.Context, []model.Evaluation) error {
	return assert.AnError
}

func TestStoreFailureFailsRun(t *testing.T) {
	mem := store.NewMemory()
	ev, err := eval.New([]eval.Rule{{
		Name:  "baseline",
		Score: func(model.Trader) float64 { return 25 },
	}}, 0, 20)
	require.NoError(t, err)

	client := &fakeClient{name: source.SourceBullx, payload: holdersPayload}
	agg := source.NewAggregator([]source.Client{client}, nil)
	c := New(&failingEvalStore{Memory: mem}, agg, ev, governor.New(2))

	seedTokens(t, mem, "tokenA", "tokenB")
	_, err = c.StartRun(model.TriggerManual)
	require.NoError(t, err)

	run := awaitRunEnd(t, c)
	assert.Equal(t, model.RunFailed, run.Status)
	assert.Contains(t, run.Error, "persisting evaluations")
}

func TestProcessTokenOnDemand(t *testing.T) {
	client := &fakeClient{name: source.SourceBullx, payload: holdersPayload}
	c, mem := newTestCoordinator(t, 2, client)
	seedTokens(t, mem, validAddr)

	evals, err := c.ProcessToken(context.Background(), validAddr)
	require.NoError(t, err)
	require.Len(t, evals, 1)
	assert.Equal(t, "w1", evals[0].TraderAddress)

	tok, err := mem.Token(context.Background(), validAddr)
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, tok.State)
}

func TestProcessTokenRejectsInvalidAddress(t *testing.T) {
	c, _ := newTestCoordinator(t, 2, &fakeClient{name: source.SourceBullx, payload: holdersPayload})

	_, err := c.ProcessToken(context.Background(), "not-base58!")
	assert.Error(t, err)

	_, err = c.ProcessToken(context.Background(), "abc")
	assert.Error(t, err, "too short to decode to 32 bytes")
}

func TestProcessTokenUnknownAddress(t *testing.T) {
	c, _ := newTestCoordinator(t, 2, &fakeClient{name: source.SourceBullx, payload: holdersPayload})

	_, err := c.ProcessToken(context.Background(), validAddr)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestProcessTokenDeduplicatesInFlight(t *testing.T) {
	block := make(chan struct{})
	client := &fakeClient{name: source.SourceBullx, payload: holdersPayload, block: block}
	c, mem := newTestCoordinator(t, 2, client)
	seedTokens(t, mem, validAddr)

	done := make(chan error, 1)
	go func() {
		_, err := c.ProcessToken(context.Background(), validAddr)
		done <- err
	}()

	require.Eventually(t, func() bool { return c.InFlight() == 1 }, 5*time.Second, time.Millisecond)

	_, err := c.ProcessToken(context.Background(), validAddr)
	assert.ErrorIs(t, err, ErrTokenInFlight)

	close(block)
	require.NoError(t, <-done)
}

func TestStatusBeforeAnyRun(t *testing.T) {
	c, _ := newTestCoordinator(t, 1, &fakeClient{name: source.SourceBullx, payload: holdersPayload})
	_, ok := c.Status()
	assert.False(t, ok)
}
