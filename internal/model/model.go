// Package model defines the core data structures for the token processing pipeline.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
)

// ProcessingState tracks where a token is in its processing lifecycle.
type ProcessingState string

// Token lifecycle states. A token is never deleted, only transitioned.
const (
	StatePending    ProcessingState = "pending"
	StateInProgress ProcessingState = "in_progress"
	StateCompleted  ProcessingState = "completed"
	StateFailed     ProcessingState = "failed"
)

// Token is a tracked token contract, identified by its chain address.
type Token struct {
	// Address is the base58-encoded mint address, unique per token
	Address string `json:"address"`

	// Name is the human-readable token name, "UNKNOWN" if lookup failed
	Name string `json:"name"`

	// Symbol is the ticker symbol extracted from the name or provider data
	Symbol string `json:"symbol,omitempty"`

	// DiscoveredAt is when the token was first seen or submitted
	DiscoveredAt time.Time `json:"discovered_at"`

	// State is the current processing state, mutated only by the coordinator
	State ProcessingState `json:"state"`

	// LastProcessedAt is the end of the most recent processing attempt
	LastProcessedAt time.Time `json:"last_processed_at,omitempty"`

	// LastError holds the most recent processing failure, empty when none
	LastError string `json:"last_error,omitempty"`
}

// ValidateAddress checks that an address is a base58-encoded 32-byte key.
func ValidateAddress(addr string) error {
	raw, err := base58.Decode(addr)
	if err != nil {
		return fmt.Errorf("invalid base58 address %q: %w", addr, err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("invalid address %q: decoded to %d bytes, want 32", addr, len(raw))
	}
	return nil
}

// SourceOutcome classifies the terminal result of a single source fetch.
type SourceOutcome string

const (
	OutcomeOk    SourceOutcome = "ok"
	OutcomeError SourceOutcome = "error"
)

// SourceResult is the terminal result of one fetch attempt cycle against one
// provider for one token. Immutable once created; a failed fetch is data here,
// not an error to the caller.
type SourceResult struct {
	// TokenAddress is the token this result belongs to
	TokenAddress string `json:"token_address"`

	// Source is the provider name (one of the configured source set)
	Source string `json:"source"`

	// Payload is the raw provider response, nil on error
	Payload json.RawMessage `json:"payload,omitempty"`

	// FetchedAt is when the terminal result was produced
	FetchedAt time.Time `json:"fetched_at"`

	// Outcome indicates whether the fetch cycle succeeded
	Outcome SourceOutcome `json:"outcome"`

	// ErrorReason describes the failure when Outcome is error
	ErrorReason string `json:"error_reason,omitempty"`
}

// Ok reports whether the result carries a usable payload.
func (r SourceResult) Ok() bool {
	return r.Outcome == OutcomeOk
}

// AggregatedData is the composite multi-source view of one token, recomputed
// per run and never persisted on its own.
type AggregatedData struct {
	// TokenAddress identifies the token
	TokenAddress string `json:"token_address"`

	// Results maps source name to its latest terminal result
	Results map[string]SourceResult `json:"results"`

	// Complete is true only when every required source returned Ok
	Complete bool `json:"complete"`
}

// Result returns the result for a source and whether it is present and usable.
func (a AggregatedData) Result(source string) (SourceResult, bool) {
	r, ok := a.Results[source]
	return r, ok && r.Ok()
}

// Trader is a wallet observed trading the token, with its merged metric set.
// Identity is the wallet address; metric values are overwritten on re-evaluation.
type Trader struct {
	// Address is the base58-encoded wallet address
	Address string `json:"address"`

	// Metrics maps metric name to observed value (win rate, volume, PnL...)
	Metrics map[string]float64 `json:"metrics"`

	// Tags are provider-assigned behavior labels (e.g. "sandwich_bot")
	Tags []string `json:"tags,omitempty"`
}

// HasTag reports whether the trader carries the given behavior tag.
func (t Trader) HasTag(tag string) bool {
	for _, v := range t.Tags {
		if v == tag {
			return true
		}
	}
	return false
}

// Verdict is the terminal classification of a trader for a token.
type Verdict string

const (
	VerdictPass   Verdict = "pass"
	VerdictFlag   Verdict = "flag"
	VerdictReject Verdict = "reject"
)

// RuleTraceEntry records one rule's contribution to an evaluation, in the
// order rules ran, for auditability.
type RuleTraceEntry struct {
	// Rule is the rule name
	Rule string `json:"rule"`

	// Delta is the signed score contribution, zero when skipped
	Delta float64 `json:"delta"`

	// Skipped is true when the rule could not run
	Skipped bool `json:"skipped,omitempty"`

	// Reason explains a skip or a hard override
	Reason string `json:"reason,omitempty"`

	// Override is the hard verdict forced by this rule, empty when none
	Override Verdict `json:"override,omitempty"`
}

// Evaluation is one scored assessment of a (trader, token) pair. Immutable;
// later evaluations of the same pair supersede rather than overwrite.
type Evaluation struct {
	// TraderAddress is the evaluated wallet
	TraderAddress string `json:"trader_address"`

	// TokenAddress is the token context for the evaluation
	TokenAddress string `json:"token_address"`

	// Score is the summed contribution of all rules that ran
	Score float64 `json:"score"`

	// Verdict is the final classification
	Verdict Verdict `json:"verdict"`

	// Trace is the ordered record of rule contributions
	Trace []RuleTraceEntry `json:"trace"`

	// Metrics is the merged metric snapshot the rules consumed
	Metrics map[string]float64 `json:"metrics,omitempty"`

	// EvaluatedAt is when the evaluation was produced
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Trigger identifies what started a processing run.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// RunStatus is the lifecycle state of a processing run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunStopped   RunStatus = "stopped"
	RunFailed    RunStatus = "failed"
)

// ProcessingRun is a snapshot of one pipeline run. The coordinator owns at
// most one active run at a time.
type ProcessingRun struct {
	// ID uniquely identifies the run
	ID string `json:"id"`

	// Trigger records whether the run was scheduled or manually started
	Trigger Trigger `json:"trigger"`

	// StartedAt and EndedAt bound the run; EndedAt is zero while running
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`

	// Status is the run lifecycle state
	Status RunStatus `json:"status"`

	// TokenStates maps attempted token addresses to their current state
	TokenStates map[string]ProcessingState `json:"token_states"`

	// Succeeded and Failed count terminal token outcomes
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`

	// Error holds the run-level failure reason when Status is failed
	Error string `json:"error,omitempty"`
}

// Attempted returns the number of tokens the run has picked up.
func (r ProcessingRun) Attempted() int {
	return len(r.TokenStates)
}
