// Package store persists tokens, evaluations and run history.
package store

import (
	"context"
	"errors"

	"github.com/yourorg/omni-pipeline/internal/model"
)

var (
	// ErrTokenNotFound is returned when no token with the given address exists.
	ErrTokenNotFound = errors.New("token not found")

	// ErrRunNotFound is returned when no run with the given ID exists.
	ErrRunNotFound = errors.New("run not found")
)

// TokenStore is the token registry. Tokens are upserted on discovery or
// manual submission and transitioned through processing states; they are
// never deleted.
type TokenStore interface {
	// UpsertToken inserts the token or refreshes its name and symbol.
	// State and processing history of an existing token are preserved.
	UpsertToken(ctx context.Context, t model.Token) error

	// Token returns the token with the given address.
	Token(ctx context.Context, addr string) (model.Token, error)

	// TokensByState lists tokens in any of the given states, oldest
	// discovery first. No states means all tokens.
	TokensByState(ctx context.Context, states ...model.ProcessingState) ([]model.Token, error)

	// SetState transitions a token and records the attempt outcome.
	SetState(ctx context.Context, addr string, state model.ProcessingState, lastErr string) error
}

// EvaluationStore persists trader evaluations. Evaluations are immutable;
// a re-evaluation of the same pair appends a newer record.
type EvaluationStore interface {
	SaveEvaluations(ctx context.Context, evals []model.Evaluation) error

	// EvaluationsForToken returns the latest evaluation per trader for
	// the token, newest first.
	EvaluationsForToken(ctx context.Context, tokenAddr string) ([]model.Evaluation, error)
}

// RunStore keeps the run history.
type RunStore interface {
	SaveRun(ctx context.Context, run model.ProcessingRun) error
	Run(ctx context.Context, id string) (model.ProcessingRun, error)

	// Runs returns the most recent runs, newest first.
	Runs(ctx context.Context, limit int) ([]model.ProcessingRun, error)
}

// Store bundles the three persistence concerns behind one handle.
type Store interface {
	TokenStore
	EvaluationStore
	RunStore
}
