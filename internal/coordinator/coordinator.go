// Package coordinator orchestrates processing runs: it owns the single
// active run, the in-flight token set, and the per-token pipeline of
// collect, evaluate and persist.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/omni-pipeline/internal/eval"
	"github.com/yourorg/omni-pipeline/internal/governor"
	"github.com/yourorg/omni-pipeline/internal/metrics"
	"github.com/yourorg/omni-pipeline/internal/model"
	otelpipe "github.com/yourorg/omni-pipeline/internal/otel"
	"github.com/yourorg/omni-pipeline/internal/source"
	"github.com/yourorg/omni-pipeline/internal/store"
)

var (
	// ErrAlreadyRunning is returned when a run is requested while one is active.
	ErrAlreadyRunning = errors.New("a processing run is already active")

	// ErrNoActiveRun is returned by Stop when nothing is running.
	ErrNoActiveRun = errors.New("no active processing run")

	// ErrNoPendingTokens is returned when a run finds nothing to process.
	ErrNoPendingTokens = errors.New("no pending tokens")

	// ErrTokenInFlight is returned when a token is already being processed.
	ErrTokenInFlight = errors.New("token is already being processed")
)

// Coordinator wires the aggregator, evaluator, governor and store into
// the processing pipeline. All methods are safe for concurrent use.
type Coordinator struct {
	store store.Store
	agg   *source.Aggregator
	eval  *eval.Evaluator
	gov   *governor.Governor
	log   *logrus.Entry

	mu       sync.Mutex
	active   *activeRun
	lastRun  *model.ProcessingRun
	inflight map[string]struct{}
}

type activeRun struct {
	run    model.ProcessingRun
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
	fatal   string
}

func New(st store.Store, agg *source.Aggregator, ev *eval.Evaluator, gov *governor.Governor) *Coordinator {
	return &Coordinator{
		store:    st,
		agg:      agg,
		eval:     ev,
		gov:      gov,
		log:      logrus.WithField("component", "coordinator"),
		inflight: make(map[string]struct{}),
	}
}

// StartRun begins a new processing run over all pending tokens. It
// returns the run ID immediately; the run itself proceeds in the
// background. Only one run can be active at a time.
func (c *Coordinator) StartRun(trigger model.Trigger) (string, error) {
	ctx := context.Background()

	tokens, err := c.store.TokensByState(ctx, model.StatePending)
	if err != nil {
		return "", fmt.Errorf("listing pending tokens: %w", err)
	}

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return "", ErrAlreadyRunning
	}
	if len(tokens) == 0 {
		c.mu.Unlock()
		return "", ErrNoPendingTokens
	}

	run := model.ProcessingRun{
		ID:          uuid.NewString(),
		Trigger:     trigger,
		StartedAt:   time.Now().UTC(),
		Status:      model.RunRunning,
		TokenStates: make(map[string]model.ProcessingState, len(tokens)),
	}
	for _, t := range tokens {
		run.TokenStates[t.Address] = model.StatePending
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ar := &activeRun{run: run, cancel: cancel, done: make(chan struct{})}
	c.active = ar
	c.mu.Unlock()

	if err := c.store.SaveRun(ctx, run); err != nil {
		c.log.WithError(err).Error("Failed to persist run start")
	}

	c.log.WithFields(logrus.Fields{
		"run_id":  run.ID,
		"trigger": trigger,
		"tokens":  len(tokens),
	}).Info("Processing run started")

	go c.runLoop(runCtx, ar, tokens)
	return run.ID, nil
}

// Stop requests a graceful stop of the active run. In-flight tokens
// finish their current fetch, then are abandoned and reverted to
// pending; the run finishes with a stopped status once its workers
// drain.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	ar := c.active
	c.mu.Unlock()

	if ar == nil {
		return ErrNoActiveRun
	}

	ar.mu.Lock()
	ar.stopped = true
	ar.mu.Unlock()
	ar.cancel()

	c.log.WithField("run_id", ar.run.ID).Info("Stop requested")
	return nil
}

// Status returns a snapshot of the active run, or the most recently
// finished run when nothing is active.
func (c *Coordinator) Status() (model.ProcessingRun, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return c.active.snapshot(), true
	}
	if c.lastRun != nil {
		return *c.lastRun, true
	}
	return model.ProcessingRun{}, false
}

// InFlight returns the number of tokens currently being processed.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

func (c *Coordinator) runLoop(ctx context.Context, ar *activeRun, tokens []model.Token) {
	started := time.Now()
	var wg sync.WaitGroup

	for _, t := range tokens {
		wg.Add(1)
		go func(t model.Token) {
			defer wg.Done()

			release, err := c.gov.Acquire(ctx)
			if err != nil {
				// Never admitted; the token simply stays pending.
				return
			}
			defer release()

			if !c.claim(t.Address) {
				return
			}
			defer c.unclaim(t.Address)

			c.processOne(ctx, ar, t.Address)
		}(t)
	}
	wg.Wait()

	c.finishRun(ar, time.Since(started))
}

// claim adds a token to the in-flight set, refusing duplicates.
func (c *Coordinator) claim(addr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[addr]; busy {
		return false
	}
	c.inflight[addr] = struct{}{}
	return true
}

func (c *Coordinator) unclaim(addr string) {
	c.mu.Lock()
	delete(c.inflight, addr)
	c.mu.Unlock()
}

// processOne runs the collect-evaluate-persist pipeline for one token
// inside a run. Failures are recorded on the token and the run; they
// never propagate to other tokens.
func (c *Coordinator) processOne(ctx context.Context, ar *activeRun, addr string) {
	ctx, span := otelpipe.Tracer().Start(ctx, "token.process",
		trace.WithAttributes(attribute.String("token.address", addr)))
	defer span.End()

	markCtx := context.Background()
	c.setTokenState(markCtx, ar, addr, model.StateInProgress, "")

	_, outcome, reason := c.pipeline(ctx, addr)
	if reason != "" {
		span.SetStatus(codes.Error, reason)
		otelpipe.RecordError(ctx, errors.New(reason))
	}
	switch outcome {
	case tokenCompleted:
		c.setTokenState(markCtx, ar, addr, model.StateCompleted, "")
		ar.addResult(true)
		metrics.TokensProcessed.WithLabelValues("completed").Inc()
	case tokenFailed:
		c.setTokenState(markCtx, ar, addr, model.StateFailed, reason)
		ar.addResult(false)
		metrics.TokensProcessed.WithLabelValues("failed").Inc()
	case tokenAbandoned:
		// Stop was requested mid-flight; the token goes back to pending
		// so the next run picks it up.
		c.setTokenState(markCtx, ar, addr, model.StatePending, "")
		metrics.TokensProcessed.WithLabelValues("abandoned").Inc()
	case tokenLockout:
		c.setTokenState(markCtx, ar, addr, model.StatePending, "")
		ar.setFatal(reason)
		ar.cancel()
		metrics.TokensProcessed.WithLabelValues("lockout").Inc()
	case tokenStoreFailure:
		// Losing the store is fatal to the whole run; nothing written
		// after this point would survive anyway.
		c.setTokenState(markCtx, ar, addr, model.StateFailed, reason)
		ar.addResult(false)
		ar.setFatal(reason)
		ar.cancel()
		metrics.TokensProcessed.WithLabelValues("failed").Inc()
	}
}

type tokenOutcome int

const (
	tokenCompleted tokenOutcome = iota
	tokenFailed
	tokenAbandoned
	tokenLockout
	tokenStoreFailure
)

func (c *Coordinator) pipeline(ctx context.Context, addr string) ([]model.Evaluation, tokenOutcome, string) {
	// Fetches already started run to completion under their own per-source
	// timeouts; a stop takes effect at the stage boundaries below.
	agg, err := c.agg.Collect(context.WithoutCancel(ctx), addr)

	for _, res := range agg.Results {
		if source.IsLockout(res) {
			return nil, tokenLockout, fmt.Sprintf("provider %s locked us out", res.Source)
		}
	}
	if ctx.Err() != nil {
		return nil, tokenAbandoned, ""
	}
	if err != nil {
		return nil, tokenFailed, err.Error()
	}

	snap, err := source.BuildSnapshot(agg, time.Now())
	if err != nil {
		return nil, tokenFailed, fmt.Sprintf("building snapshot: %v", err)
	}
	if len(snap.Traders) == 0 {
		return nil, tokenFailed, "no traders observed"
	}

	evals := c.eval.EvaluateAll(addr, snap.Traders)
	if err := c.store.SaveEvaluations(context.Background(), evals); err != nil {
		return nil, tokenStoreFailure, fmt.Sprintf("persisting evaluations: %v", err)
	}

	c.log.WithFields(logrus.Fields{
		"token":    addr,
		"traders":  len(evals),
		"complete": snap.Complete,
	}).Info("Token processed")
	return evals, tokenCompleted, ""
}

// setTokenState updates both the registry and the run's own state map.
func (c *Coordinator) setTokenState(ctx context.Context, ar *activeRun, addr string, state model.ProcessingState, reason string) {
	if err := c.store.SetState(ctx, addr, state, reason); err != nil {
		c.log.WithError(err).WithField("token", addr).Error("Failed to persist token state")
	}
	ar.mu.Lock()
	ar.run.TokenStates[addr] = state
	ar.mu.Unlock()
}

func (c *Coordinator) finishRun(ar *activeRun, elapsed time.Duration) {
	ar.mu.Lock()
	ar.run.EndedAt = time.Now().UTC()
	switch {
	case ar.fatal != "":
		ar.run.Status = model.RunFailed
		ar.run.Error = ar.fatal
	case ar.stopped:
		ar.run.Status = model.RunStopped
	default:
		ar.run.Status = model.RunCompleted
	}
	final := ar.run
	ar.mu.Unlock()

	if err := c.store.SaveRun(context.Background(), final); err != nil {
		c.log.WithError(err).Error("Failed to persist run result")
	}
	metrics.RunDuration.Observe(elapsed.Seconds())

	c.mu.Lock()
	c.lastRun = &final
	c.active = nil
	c.mu.Unlock()
	close(ar.done)

	c.log.WithFields(logrus.Fields{
		"run_id":    final.ID,
		"status":    final.Status,
		"succeeded": final.Succeeded,
		"failed":    final.Failed,
		"elapsed":   elapsed.Round(time.Millisecond),
	}).Info("Processing run finished")
}

func (ar *activeRun) snapshot() model.ProcessingRun {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	snap := ar.run
	snap.TokenStates = make(map[string]model.ProcessingState, len(ar.run.TokenStates))
	for k, v := range ar.run.TokenStates {
		snap.TokenStates[k] = v
	}
	return snap
}

func (ar *activeRun) addResult(succeeded bool) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	if succeeded {
		ar.run.Succeeded++
	} else {
		ar.run.Failed++
	}
}

func (ar *activeRun) setFatal(reason string) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	if ar.fatal == "" {
		ar.fatal = reason
	}
}
