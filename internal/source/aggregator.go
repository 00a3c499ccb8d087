package source

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/omni-pipeline/internal/model"
)

// ErrNoUsableSources is returned when every configured source failed for
// a token, leaving nothing to evaluate.
var ErrNoUsableSources = errors.New("no usable source results")

// ResultCache stores raw source payloads between runs. A nil cache
// disables caching.
type ResultCache interface {
	Get(ctx context.Context, source, tokenAddr string) (model.SourceResult, bool)
	Set(ctx context.Context, r model.SourceResult)
}

// Aggregator fans a token out to all configured sources concurrently and
// collects their results into a single snapshot.
type Aggregator struct {
	clients []Client
	cache   ResultCache
	log     *logrus.Entry
}

func NewAggregator(clients []Client, cache ResultCache) *Aggregator {
	return &Aggregator{
		clients: clients,
		cache:   cache,
		log:     logrus.WithField("component", "aggregator"),
	}
}

// Collect queries every source for the token in parallel. It never fails
// because a single source failed: missing sources only clear the Complete
// flag. It returns ErrNoUsableSources when not one source produced data.
func (a *Aggregator) Collect(ctx context.Context, tokenAddr string) (model.AggregatedData, error) {
	agg := model.AggregatedData{
		TokenAddress: tokenAddr,
		Results:      make(map[string]model.SourceResult, len(a.clients)),
		Complete:     true,
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range a.clients {
		wg.Add(1)
		go func(c Client) {
			defer wg.Done()

			if a.cache != nil {
				if cached, hit := a.cache.Get(ctx, c.Name(), tokenAddr); hit {
					mu.Lock()
					agg.Results[c.Name()] = cached
					mu.Unlock()
					return
				}
			}

			res := c.Fetch(ctx, tokenAddr)
			if a.cache != nil && res.Ok() {
				a.cache.Set(ctx, res)
			}

			mu.Lock()
			agg.Results[c.Name()] = res
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	usable := 0
	for name, res := range agg.Results {
		if res.Ok() {
			usable++
			continue
		}
		agg.Complete = false
		a.log.WithFields(logrus.Fields{
			"token":  tokenAddr,
			"source": name,
			"reason": res.ErrorReason,
		}).Warn("source unavailable for token")
	}
	if len(agg.Results) < len(a.clients) {
		agg.Complete = false
	}

	if usable == 0 {
		return agg, ErrNoUsableSources
	}
	return agg, nil
}

// Snapshot is the merged view of a token used by trader evaluation:
// the per-trader metric maps plus token-level metrics attached to every
// trader so rules can reference them uniformly.
type Snapshot struct {
	TokenAddress string
	Traders      []model.Trader
	TokenMetrics map[string]float64
	Complete     bool
}

// BuildSnapshot merges the raw source payloads into trader records.
// Activity data seeds the trader set; wallet statistics are joined by
// address; market data becomes token-level metrics shared by all traders.
func BuildSnapshot(agg model.AggregatedData, now time.Time) (Snapshot, error) {
	snap := Snapshot{
		TokenAddress: agg.TokenAddress,
		TokenMetrics: make(map[string]float64),
		Complete:     agg.Complete,
	}

	byAddr := make(map[string]*model.Trader)
	order := make([]string, 0)

	if res, found := agg.Result(SourceBullx); found && res.Ok() {
		activity, err := DecodeTraderActivity(res)
		if err != nil {
			return Snapshot{}, err
		}
		for _, act := range activity {
			t := &model.Trader{
				Address: act.Address,
				Metrics: map[string]float64{
					"total_bought_usd":    act.TotalBoughtUSD,
					"total_sold_usd":      act.TotalSoldUSD,
					"realized_profit_usd": act.TotalSoldUSD - act.TotalBoughtUSD,
					"holding_amount":      act.HoldingAmount,
					"buy_tx":              float64(act.BuyTransactions),
					"sell_tx":             float64(act.SellTransactions),
				},
			}
			if act.TotalBoughtUSD > 0 {
				t.Metrics["realized_profit_ratio"] = (act.TotalSoldUSD - act.TotalBoughtUSD) / act.TotalBoughtUSD
			}
			byAddr[act.Address] = t
			order = append(order, act.Address)
		}
	}

	if res, found := agg.Result(SourceGmgn); found && res.Ok() {
		wallets, err := DecodeWalletStats(res)
		if err != nil {
			return Snapshot{}, err
		}
		for _, w := range wallets {
			t, known := byAddr[w.Address]
			if !known {
				t = &model.Trader{Address: w.Address, Metrics: make(map[string]float64)}
				byAddr[w.Address] = t
				order = append(order, w.Address)
			}
			t.Tags = append(t.Tags, w.Tags...)
			t.Metrics["winrate"] = w.Winrate
			t.Metrics["pnl_usd_7d"] = w.PnlUSD7d
			t.Metrics["pnl_usd_30d"] = w.PnlUSD30d
			t.Metrics["pnl_pct_7d"] = w.PnlPct7d
			t.Metrics["pnl_pct_30d"] = w.PnlPct30d
			t.Metrics["tx_7d"] = float64(w.Tx7d)
			t.Metrics["tx_30d"] = float64(w.Tx30d)
			t.Metrics["risk_didnt_buy_ratio"] = w.RiskDidntBuyRatio
			t.Metrics["risk_fast_tx_ratio"] = w.RiskFastTxRatio
			t.Metrics["risk_sold_gt_bought_ratio"] = w.RiskSoldGtBoughtRatio
			if roi, found := w.TopHoldingROI(); found {
				t.Metrics["top_holding_roi"] = roi
			}
		}
	}

	if res, found := agg.Result(SourceDexscreener); found && res.Ok() {
		md, err := DecodeMarketData(res)
		if err != nil {
			return Snapshot{}, err
		}
		snap.TokenMetrics["token_price_usd"] = md.PriceUSD
		snap.TokenMetrics["token_liquidity_usd"] = md.LiquidityUSD
		snap.TokenMetrics["token_volume_24h"] = md.Volume24hUSD
		snap.TokenMetrics["token_market_cap"] = md.MarketCapUSD
		snap.TokenMetrics["token_age_hours"] = md.AgeHours(now)
	}

	snap.Traders = make([]model.Trader, 0, len(order))
	for _, addr := range order {
		t := byAddr[addr]
		for k, v := range snap.TokenMetrics {
			t.Metrics[k] = v
		}
		snap.Traders = append(snap.Traders, *t)
	}
	return snap, nil
}
