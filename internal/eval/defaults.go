package eval

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/yourorg/omni-pipeline/internal/model"
)

// Thresholds for the wallet-risk ratios beyond which a wallet is treated
// as a phishing or honeypot operator.
const (
	riskDidntBuyLimit     = 0.6
	riskFastTxLimit       = 0.4
	riskSoldGtBoughtLimit = 0.1
)

// Thin liquidity below this level makes every trade on the token suspect.
const thinLiquidityUSD = 10000

type ruleBuilder func(weight float64) Rule

// builders maps rule names to their constructors. The weight scales the
// score deltas; override rules ignore it.
var builders = map[string]struct {
	defaultWeight float64
	build         ruleBuilder
}{
	"sandwich_bot": {0, func(float64) Rule {
		return Rule{
			Name: "sandwich_bot",
			Override: func(t model.Trader) (model.Verdict, bool) {
				if t.HasTag("sandwich_bot") {
					return model.VerdictReject, true
				}
				return "", false
			},
		}
	}},
	"phishing_risk": {0, func(float64) Rule {
		return Rule{
			Name:     "phishing_risk",
			Requires: []string{"risk_didnt_buy_ratio", "risk_fast_tx_ratio", "risk_sold_gt_bought_ratio"},
			Override: func(t model.Trader) (model.Verdict, bool) {
				if t.Metrics["risk_didnt_buy_ratio"] >= riskDidntBuyLimit ||
					t.Metrics["risk_fast_tx_ratio"] >= riskFastTxLimit ||
					t.Metrics["risk_sold_gt_bought_ratio"] >= riskSoldGtBoughtLimit {
					return model.VerdictReject, true
				}
				return "", false
			},
		}
	}},
	"pnl_30d": {15, func(w float64) Rule {
		return Rule{
			Name:     "pnl_30d",
			Requires: []string{"pnl_pct_30d"},
			Score: func(t model.Trader) float64 {
				if t.Metrics["pnl_pct_30d"] > 0.75 {
					return w
				}
				if t.Metrics["pnl_pct_30d"] < 0 {
					return -w
				}
				return 0
			},
		}
	}},
	"winrate": {10, func(w float64) Rule {
		return Rule{
			Name:     "winrate",
			Requires: []string{"winrate"},
			Score: func(t model.Trader) float64 {
				if t.Metrics["winrate"] >= 0.6 {
					return w
				}
				if t.Metrics["winrate"] < 0.4 {
					return -w / 2
				}
				return 0
			},
		}
	}},
	"top_holding_roi": {10, func(w float64) Rule {
		return Rule{
			Name:     "top_holding_roi",
			Requires: []string{"top_holding_roi"},
			Score: func(t model.Trader) float64 {
				if t.Metrics["top_holding_roi"] >= 0.30 {
					return w
				}
				if t.Metrics["top_holding_roi"] < 0 {
					return -w
				}
				return 0
			},
		}
	}},
	"realized_profit": {10, func(w float64) Rule {
		return Rule{
			Name:     "realized_profit",
			Requires: []string{"realized_profit_ratio"},
			Score: func(t model.Trader) float64 {
				if t.Metrics["realized_profit_ratio"] > 0.5 {
					return w
				}
				if t.Metrics["realized_profit_ratio"] < -0.5 {
					return -w
				}
				return 0
			},
		}
	}},
	"activity": {5, func(w float64) Rule {
		return Rule{
			Name:     "activity",
			Requires: []string{"buy_tx", "sell_tx"},
			Score: func(t model.Trader) float64 {
				if t.Metrics["buy_tx"]+t.Metrics["sell_tx"] >= 5 {
					return w
				}
				return 0
			},
		}
	}},
	"thin_liquidity": {20, func(w float64) Rule {
		return Rule{
			Name:     "thin_liquidity",
			Requires: []string{"token_liquidity_usd"},
			Score: func(t model.Trader) float64 {
				if t.Metrics["token_liquidity_usd"] < thinLiquidityUSD {
					return -w
				}
				return 0
			},
		}
	}},
}

// defaultOrder is the execution order when no rules file is configured.
// Hard overrides run first so a poisoned wallet is rejected before any
// score accumulates.
var defaultOrder = []string{
	"sandwich_bot",
	"phishing_risk",
	"pnl_30d",
	"winrate",
	"top_holding_roi",
	"realized_profit",
	"activity",
	"thin_liquidity",
}

// DefaultRules returns the built-in rule set in its default order.
func DefaultRules() []Rule {
	rules := make([]Rule, 0, len(defaultOrder))
	for _, name := range defaultOrder {
		b := builders[name]
		rules = append(rules, b.build(b.defaultWeight))
	}
	return rules
}

type rulesFile struct {
	Rules []struct {
		Name   string   `yaml:"name"`
		Weight *float64 `yaml:"weight"`
	} `yaml:"rules"`
}

// LoadRules reads a rule configuration file. The file lists rule names in
// the order they should run, each with an optional weight override.
// An empty path returns the default rule set.
func LoadRules(path string) ([]Rule, error) {
	if path == "" {
		return DefaultRules(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}

	var rf rulesFile
	if err := yaml.Unmarshal(raw, &rf); err != nil {
		return nil, fmt.Errorf("parsing rules file: %w", err)
	}
	if len(rf.Rules) == 0 {
		return nil, fmt.Errorf("rules file %s defines no rules", path)
	}

	rules := make([]Rule, 0, len(rf.Rules))
	for _, entry := range rf.Rules {
		b, known := builders[entry.Name]
		if !known {
			return nil, fmt.Errorf("unknown rule %q", entry.Name)
		}
		weight := b.defaultWeight
		if entry.Weight != nil {
			weight = *entry.Weight
		}
		rules = append(rules, b.build(weight))
	}
	return rules, nil
}
