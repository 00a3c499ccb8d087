package source

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/omni-pipeline/internal/model"
)

type stubClient struct {
	name   string
	result model.SourceResult
}

func (s stubClient) Name() string { return s.name }

func (s stubClient) Fetch(_ context.Context, tokenAddr string) model.SourceResult {
	r := s.result
	r.TokenAddress = tokenAddr
	r.Source = s.name
	return r
}

func okResult(payload string) model.SourceResult {
	return model.SourceResult{
		Payload:   json.RawMessage(payload),
		FetchedAt: time.Now().UTC(),
		Outcome:   model.OutcomeOk,
	}
}

func errResult(reason string) model.SourceResult {
	return model.SourceResult{
		FetchedAt:   time.Now().UTC(),
		Outcome:     model.OutcomeError,
		ErrorReason: reason,
	}
}

func TestCollectAllSourcesOk(t *testing.T) {
	agg := NewAggregator([]Client{
		stubClient{SourceBullx, okResult(`{"data":{"holders":[{"address":"w1"}]}}`)},
		stubClient{SourceGmgn, okResult(`{"code":0,"data":{"wallets":[]}}`)},
		stubClient{SourceDexscreener, okResult(`{"pairs":[{"priceUsd":"1"}]}`)},
	}, nil)

	data, err := agg.Collect(context.Background(), "token-a")
	require.NoError(t, err)
	assert.True(t, data.Complete)
	assert.Len(t, data.Results, 3)
}

func TestCollectPartialFailure(t *testing.T) {
	agg := NewAggregator([]Client{
		stubClient{SourceBullx, okResult(`{"data":{"holders":[{"address":"w1"}]}}`)},
		stubClient{SourceGmgn, errResult("timeout")},
	}, nil)

	data, err := agg.Collect(context.Background(), "token-a")
	require.NoError(t, err, "one failed source must not fail the collection")
	assert.False(t, data.Complete)

	res, found := data.Result(SourceBullx)
	require.True(t, found)
	assert.True(t, res.Ok())
}

func TestCollectAllSourcesFailed(t *testing.T) {
	agg := NewAggregator([]Client{
		stubClient{SourceBullx, errResult("down")},
		stubClient{SourceGmgn, errResult("down")},
	}, nil)

	data, err := agg.Collect(context.Background(), "token-a")
	assert.True(t, errors.Is(err, ErrNoUsableSources))
	assert.False(t, data.Complete)
	assert.Len(t, data.Results, 2, "failed results are still recorded")
}

type mapCache struct {
	entries map[string]model.SourceResult
	hits    int
	sets    int
}

func (m *mapCache) Get(_ context.Context, source, tokenAddr string) (model.SourceResult, bool) {
	r, found := m.entries[source+"/"+tokenAddr]
	if found {
		m.hits++
	}
	return r, found
}

func (m *mapCache) Set(_ context.Context, r model.SourceResult) {
	m.entries[r.Source+"/"+r.TokenAddress] = r
	m.sets++
}

func TestCollectUsesCache(t *testing.T) {
	cache := &mapCache{entries: make(map[string]model.SourceResult)}
	agg := NewAggregator([]Client{
		stubClient{SourceBullx, okResult(`{"data":{"holders":[{"address":"w1"}]}}`)},
	}, cache)

	_, err := agg.Collect(context.Background(), "token-a")
	require.NoError(t, err)
	assert.Equal(t, 1, cache.sets)

	_, err = agg.Collect(context.Background(), "token-a")
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)
	assert.Equal(t, 1, cache.sets, "a cache hit must not refetch")
}

func TestBuildSnapshotMergesSources(t *testing.T) {
	agg := model.AggregatedData{
		TokenAddress: "token-a",
		Complete:     true,
		Results: map[string]model.SourceResult{
			SourceBullx: {
				Source:  SourceBullx,
				Outcome: model.OutcomeOk,
				Payload: json.RawMessage(`{"data":{"holders":[
					{"address":"w1","totalBoughtUSD":100,"totalSoldUSD":300,"totalBuyTransactions":4,"totalSellTransactions":3},
					{"address":"w2","totalBoughtUSD":50,"totalSoldUSD":20}
				]}}`),
			},
			SourceGmgn: {
				Source:  SourceGmgn,
				Outcome: model.OutcomeOk,
				Payload: json.RawMessage(`{"code":0,"data":{"wallets":[
					{"address":"w1","winrate":0.75,"pnl_pct_30d":1.1,"tags":["smart_money"],
					 "top_holdings":[{"symbol":"X","roi":0.4}]},
					{"address":"w3","winrate":0.2,"tags":["sandwich_bot"]}
				]}}`),
			},
			SourceDexscreener: {
				Source:  SourceDexscreener,
				Outcome: model.OutcomeOk,
				Payload: json.RawMessage(`{"pairs":[{"priceUsd":"0.5","liquidity":{"usd":40000},"volume":{"h24":9000},"marketCap":80000}]}`),
			},
		},
	}

	snap, err := BuildSnapshot(agg, time.Now())
	require.NoError(t, err)
	assert.True(t, snap.Complete)
	require.Len(t, snap.Traders, 3)

	byAddr := make(map[string]model.Trader)
	for _, tr := range snap.Traders {
		byAddr[tr.Address] = tr
	}

	w1 := byAddr["w1"]
	assert.Equal(t, 300.0, w1.Metrics["total_sold_usd"])
	assert.Equal(t, 200.0, w1.Metrics["realized_profit_usd"])
	assert.Equal(t, 2.0, w1.Metrics["realized_profit_ratio"])
	assert.Equal(t, 0.75, w1.Metrics["winrate"])
	assert.Equal(t, 0.4, w1.Metrics["top_holding_roi"])
	assert.True(t, w1.HasTag("smart_money"))

	// Token-level metrics are attached to every trader.
	assert.Equal(t, 40000.0, w1.Metrics["token_liquidity_usd"])
	assert.Equal(t, 40000.0, byAddr["w2"].Metrics["token_liquidity_usd"])

	// w3 appears only in wallet stats, w2 only in activity.
	assert.True(t, byAddr["w3"].HasTag("sandwich_bot"))
	_, hasWinrate := byAddr["w2"].Metrics["winrate"]
	assert.False(t, hasWinrate)
}

func TestBuildSnapshotIgnoresFailedSources(t *testing.T) {
	agg := model.AggregatedData{
		TokenAddress: "token-a",
		Results: map[string]model.SourceResult{
			SourceBullx: {
				Source:  SourceBullx,
				Outcome: model.OutcomeOk,
				Payload: json.RawMessage(`{"data":{"holders":[{"address":"w1","totalBoughtUSD":10,"totalSoldUSD":5}]}}`),
			},
			SourceGmgn: {Source: SourceGmgn, Outcome: model.OutcomeError, ErrorReason: "down"},
		},
	}

	snap, err := BuildSnapshot(agg, time.Now())
	require.NoError(t, err)
	require.Len(t, snap.Traders, 1)
	_, hasWinrate := snap.Traders[0].Metrics["winrate"]
	assert.False(t, hasWinrate)
	assert.Empty(t, snap.TokenMetrics)
}
