package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/yourorg/omni-pipeline/internal/model"
	"github.com/yourorg/omni-pipeline/internal/store"
)

// ErrProviderLockout is returned by ProcessToken when a provider has
// locked us out. Callers should back off rather than resubmit.
var ErrProviderLockout = errors.New("processing aborted: provider lockout")

// ErrTokenNotFound is returned when a single-token request names an
// address the registry does not know.
var ErrTokenNotFound = store.ErrTokenNotFound

// ProcessToken runs the pipeline for one registered token on demand,
// independent of any scheduled run. The call blocks until processing
// finishes and returns the evaluations it produced.
func (c *Coordinator) ProcessToken(ctx context.Context, addr string) ([]model.Evaluation, error) {
	if err := model.ValidateAddress(addr); err != nil {
		return nil, err
	}

	if _, err := c.store.Token(ctx, addr); err != nil {
		return nil, err
	}

	if !c.claim(addr) {
		return nil, ErrTokenInFlight
	}
	defer c.unclaim(addr)

	release, err := c.gov.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := c.store.SetState(ctx, addr, model.StateInProgress, ""); err != nil {
		return nil, fmt.Errorf("marking token in progress: %w", err)
	}

	evals, outcome, reason := c.pipeline(ctx, addr)
	switch outcome {
	case tokenCompleted:
		c.mustSetState(addr, model.StateCompleted, "")
		return evals, nil
	case tokenAbandoned:
		c.mustSetState(addr, model.StatePending, "")
		return nil, ctx.Err()
	case tokenLockout:
		c.mustSetState(addr, model.StatePending, "")
		return nil, fmt.Errorf("%w: %s", ErrProviderLockout, reason)
	default:
		c.mustSetState(addr, model.StateFailed, reason)
		return nil, fmt.Errorf("processing %s: %s", addr, reason)
	}
}

func (c *Coordinator) mustSetState(addr string, state model.ProcessingState, reason string) {
	if err := c.store.SetState(context.Background(), addr, state, reason); err != nil {
		c.log.WithError(err).WithField("token", addr).Error("Failed to persist token state")
	}
}
