package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/omni-pipeline/internal/config"
	"github.com/yourorg/omni-pipeline/internal/model"
)

func testConfig(url string) config.Config {
	return config.Config{
		BullxURL:         url,
		GmgnURL:          url,
		DexscreenerURL:   url,
		PerSourceTimeout: 5 * time.Second,
		PerSourceRetries: 2,
	}
}

func TestBullxClientFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Write([]byte(`{"data":{"holders":[
			{"address":"wallet1","totalBoughtUSD":100,"totalSoldUSD":250,"totalBuyTransactions":3,"totalSellTransactions":2},
			{"address":"wallet1","totalBoughtUSD":1,"totalSoldUSD":1},
			{"address":"wallet2","totalBoughtUSD":50,"totalSoldUSD":10}
		]}}`))
	}))
	defer srv.Close()

	c := NewBullxClient(testConfig(srv.URL))
	res := c.Fetch(context.Background(), "token-a")
	require.True(t, res.Ok())
	assert.Equal(t, SourceBullx, res.Source)
	assert.Equal(t, "token-a", res.TokenAddress)

	activity, err := DecodeTraderActivity(res)
	require.NoError(t, err)
	require.Len(t, activity, 2, "duplicate holder rows should be dropped")
	assert.Equal(t, "wallet1", activity[0].Address)
	assert.Equal(t, 250.0, activity[0].TotalSoldUSD)
}

func TestBullxClientEmptyHolders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"holders":[]}}`))
	}))
	defer srv.Close()

	c := NewBullxClient(testConfig(srv.URL))
	res := c.Fetch(context.Background(), "token-a")
	assert.False(t, res.Ok())
	assert.Contains(t, res.ErrorReason, "no holders")
}

func TestGmgnClientApplicationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":1002,"msg":"token not indexed"}`))
	}))
	defer srv.Close()

	c := NewGmgnClient(testConfig(srv.URL))
	res := c.Fetch(context.Background(), "token-a")
	assert.False(t, res.Ok())
	assert.Contains(t, res.ErrorReason, "1002")
	assert.Contains(t, res.ErrorReason, "token not indexed")
}

func TestGmgnClientFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0,"data":{"wallets":[
			{"address":"wallet1","winrate":0.8,"pnl_pct_30d":1.2,"tags":["smart_money"],
			 "top_holdings":[{"symbol":"AAA","roi":0.5},{"symbol":"BBB","roi":0.9}]}
		]}}`))
	}))
	defer srv.Close()

	c := NewGmgnClient(testConfig(srv.URL))
	res := c.Fetch(context.Background(), "token-a")
	require.True(t, res.Ok())

	wallets, err := DecodeWalletStats(res)
	require.NoError(t, err)
	require.Len(t, wallets, 1)
	assert.Equal(t, 0.8, wallets[0].Winrate)
	roi, found := wallets[0].TopHoldingROI()
	require.True(t, found)
	assert.Equal(t, 0.9, roi)
}

func TestDexscreenerClientPicksMostLiquidPair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"pairs":[
			{"priceUsd":"0.001","liquidity":{"usd":5000},"volume":{"h24":100},"marketCap":10000},
			{"priceUsd":"0.002","liquidity":{"usd":90000},"volume":{"h24":5000},"marketCap":12000,"pairCreatedAt":1700000000000}
		]}`))
	}))
	defer srv.Close()

	c := NewDexscreenerClient(testConfig(srv.URL))
	res := c.Fetch(context.Background(), "token-a")
	require.True(t, res.Ok())

	md, err := DecodeMarketData(res)
	require.NoError(t, err)
	assert.Equal(t, 0.002, md.PriceUSD)
	assert.Equal(t, 90000.0, md.LiquidityUSD)
	assert.False(t, md.PairCreated.IsZero())
	assert.Greater(t, md.AgeHours(time.Now()), 0.0)
}

func TestClientRetriesThenSucceeds(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"pairs":[{"priceUsd":"1.5","liquidity":{"usd":100},"volume":{"h24":10},"marketCap":1}]}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	c := NewDexscreenerClient(cfg)
	c.http.RetryWaitMin = time.Millisecond
	c.http.RetryWaitMax = 2 * time.Millisecond

	res := c.Fetch(context.Background(), "token-a")
	require.True(t, res.Ok())
	assert.Equal(t, 3, calls)
}

func TestClientExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewDexscreenerClient(testConfig(srv.URL))
	c.http.RetryWaitMin = time.Millisecond
	c.http.RetryWaitMax = 2 * time.Millisecond

	res := c.Fetch(context.Background(), "token-a")
	assert.Equal(t, model.OutcomeError, res.Outcome)
	assert.NotEmpty(t, res.ErrorReason)
}

func TestClientLockoutNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewDexscreenerClient(testConfig(srv.URL))
	res := c.Fetch(context.Background(), "token-a")
	assert.False(t, res.Ok())
	assert.True(t, IsLockout(res))
	assert.Equal(t, 1, calls, "a lockout response must not be retried")
}

func TestRetryBackoffIsJittered(t *testing.T) {
	rc := newRetryClient(testConfig("http://unused"), SourceBullx)

	assert.Equal(t,
		reflect.ValueOf(retryablehttp.LinearJitterBackoff).Pointer(),
		reflect.ValueOf(rc.Backoff).Pointer())

	for attempt := 0; attempt < 3; attempt++ {
		wait := rc.Backoff(rc.RetryWaitMin, rc.RetryWaitMax, attempt, nil)
		scale := time.Duration(attempt + 1)
		assert.GreaterOrEqual(t, wait, scale*rc.RetryWaitMin)
		assert.LessOrEqual(t, wait, scale*rc.RetryWaitMax)
	}
}
