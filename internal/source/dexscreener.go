package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/yourorg/omni-pipeline/internal/config"
	"github.com/yourorg/omni-pipeline/internal/model"
)

// SourceDexscreener is the provider name for the market-data source.
const SourceDexscreener = "dexscreener"

// DexscreenerClient fetches market data (price, liquidity, volume) for a token.
type DexscreenerClient struct {
	base
	url string
}

// NewDexscreenerClient creates a new market-data client.
func NewDexscreenerClient(cfg config.Config) *DexscreenerClient {
	return &DexscreenerClient{
		base: newBase(cfg, SourceDexscreener),
		url:  cfg.DexscreenerURL + "/latest/dex/tokens",
	}
}

func (c *DexscreenerClient) Name() string { return SourceDexscreener }

// Fetch retrieves the most liquid trading pair for the token.
func (c *DexscreenerClient) Fetch(ctx context.Context, tokenAddr string) model.SourceResult {
	endpoint := c.url + "/" + url.PathEscape(tokenAddr)

	req, err := retryablehttp.NewRequest("GET", endpoint, nil)
	if err != nil {
		return c.fail(tokenAddr, fmt.Errorf("creating request: %w", err))
	}

	raw, err := c.do(ctx, req)
	if err != nil {
		return c.fail(tokenAddr, err)
	}

	if _, err := decodeMarketData(raw); err != nil {
		return c.fail(tokenAddr, err)
	}
	return c.ok(tokenAddr, raw)
}

// MarketData is the token-level market snapshot taken from its most
// liquid trading pair.
type MarketData struct {
	PriceUSD     float64
	LiquidityUSD float64
	Volume24hUSD float64
	MarketCapUSD float64
	PairCreated  time.Time
}

// AgeHours returns the age of the token's oldest pair in hours.
func (m MarketData) AgeHours(now time.Time) float64 {
	if m.PairCreated.IsZero() {
		return 0
	}
	return now.Sub(m.PairCreated).Hours()
}

type dexPair struct {
	PriceUSD  string `json:"priceUsd"`
	Liquidity struct {
		USD float64 `json:"usd"`
	} `json:"liquidity"`
	Volume struct {
		H24 float64 `json:"h24"`
	} `json:"volume"`
	MarketCap     float64 `json:"marketCap"`
	PairCreatedAt int64   `json:"pairCreatedAt"`
}

func decodeMarketData(raw []byte) (MarketData, error) {
	var response struct {
		Pairs []dexPair `json:"pairs"`
	}
	if err := json.Unmarshal(raw, &response); err != nil {
		return MarketData{}, fmt.Errorf("decoding market data: %w", err)
	}
	if len(response.Pairs) == 0 {
		return MarketData{}, fmt.Errorf("no trading pairs found")
	}

	best := response.Pairs[0]
	for _, p := range response.Pairs[1:] {
		if p.Liquidity.USD > best.Liquidity.USD {
			best = p
		}
	}

	price, err := strconv.ParseFloat(best.PriceUSD, 64)
	if err != nil {
		return MarketData{}, fmt.Errorf("parsing price %q: %w", best.PriceUSD, err)
	}

	md := MarketData{
		PriceUSD:     price,
		LiquidityUSD: best.Liquidity.USD,
		Volume24hUSD: best.Volume.H24,
		MarketCapUSD: best.MarketCap,
	}
	if best.PairCreatedAt > 0 {
		md.PairCreated = time.UnixMilli(best.PairCreatedAt).UTC()
	}
	return md, nil
}

// DecodeMarketData extracts the market snapshot from an Ok result.
func DecodeMarketData(r model.SourceResult) (MarketData, error) {
	if !r.Ok() {
		return MarketData{}, fmt.Errorf("source %s result for %s is not usable", r.Source, r.TokenAddress)
	}
	return decodeMarketData(r.Payload)
}
