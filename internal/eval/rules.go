// Package eval scores traders against an ordered set of risk rules and
// turns the final score into a verdict.
package eval

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/omni-pipeline/internal/metrics"
	"github.com/yourorg/omni-pipeline/internal/model"
)

// Rule is one step of the evaluation. Rules run in slice order. A rule
// that needs metrics the trader does not have is skipped and recorded as
// skipped in the trace. A rule may return a hard override verdict, which
// ends the evaluation immediately.
type Rule struct {
	Name string

	// Requires lists the metric keys the rule reads. If any is missing
	// from the trader, the rule is skipped.
	Requires []string

	// Score returns the score delta for the trader. Ignored when the
	// rule overrides.
	Score func(t model.Trader) float64

	// Override, when non-nil, may return a hard verdict that terminates
	// the evaluation. Returning (0, false) means no override.
	Override func(t model.Trader) (model.Verdict, bool)
}

// Evaluator applies a rule set with configured verdict thresholds.
type Evaluator struct {
	rules           []Rule
	flagThreshold   float64
	rejectThreshold float64
	log             *logrus.Entry
}

func New(rules []Rule, rejectThreshold, flagThreshold float64) (*Evaluator, error) {
	if rejectThreshold > flagThreshold {
		return nil, fmt.Errorf("reject threshold %.2f above flag threshold %.2f", rejectThreshold, flagThreshold)
	}
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("rule with empty name")
		}
		if _, dup := seen[r.Name]; dup {
			return nil, fmt.Errorf("duplicate rule name %q", r.Name)
		}
		seen[r.Name] = struct{}{}
		if r.Score == nil && r.Override == nil {
			return nil, fmt.Errorf("rule %q has neither score nor override", r.Name)
		}
	}
	return &Evaluator{
		rules:           rules,
		flagThreshold:   flagThreshold,
		rejectThreshold: rejectThreshold,
		log:             logrus.WithField("component", "evaluator"),
	}, nil
}

// Evaluate runs the rules over one trader. Deterministic: the same trader
// and rule set always produce the same score, verdict and trace.
func (e *Evaluator) Evaluate(tokenAddr string, t model.Trader) model.Evaluation {
	ev := model.Evaluation{
		TraderAddress: t.Address,
		TokenAddress:  tokenAddr,
		Metrics:       t.Metrics,
		EvaluatedAt:   time.Now().UTC(),
	}

	for _, r := range e.rules {
		if missing := missingMetric(t, r.Requires); missing != "" {
			ev.Trace = append(ev.Trace, model.RuleTraceEntry{
				Rule:    r.Name,
				Skipped: true,
				Reason:  "missing metric " + missing,
			})
			continue
		}

		if r.Override != nil {
			if verdict, hit := r.Override(t); hit {
				ev.Verdict = verdict
				ev.Trace = append(ev.Trace, model.RuleTraceEntry{
					Rule:     r.Name,
					Override: verdict,
					Reason:   "hard " + string(verdict),
				})
				metrics.Evaluations.WithLabelValues(string(verdict)).Inc()
				return ev
			}
		}

		if r.Score == nil {
			continue
		}
		delta := r.Score(t)
		ev.Score += delta
		ev.Trace = append(ev.Trace, model.RuleTraceEntry{Rule: r.Name, Delta: delta})
	}

	switch {
	case ev.Score < e.rejectThreshold:
		ev.Verdict = model.VerdictReject
	case ev.Score < e.flagThreshold:
		ev.Verdict = model.VerdictFlag
	default:
		ev.Verdict = model.VerdictPass
	}
	metrics.Evaluations.WithLabelValues(string(ev.Verdict)).Inc()
	return ev
}

// EvaluateAll scores every trader in a snapshot.
func (e *Evaluator) EvaluateAll(tokenAddr string, traders []model.Trader) []model.Evaluation {
	out := make([]model.Evaluation, 0, len(traders))
	for _, t := range traders {
		out = append(out, e.Evaluate(tokenAddr, t))
	}
	return out
}

// Rules returns the names of the configured rules in execution order.
func (e *Evaluator) Rules() []string {
	names := make([]string, 0, len(e.rules))
	for _, r := range e.rules {
		names = append(names, r.Name)
	}
	return names
}

func missingMetric(t model.Trader, required []string) string {
	for _, key := range required {
		if _, found := t.Metrics[key]; !found {
			return key
		}
	}
	return ""
}
