package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/yourorg/omni-pipeline/internal/config"
	"github.com/yourorg/omni-pipeline/internal/model"
)

// SourceGmgn is the provider name for the wallet-statistics source.
const SourceGmgn = "gmgn"

// GmgnClient fetches historical wallet statistics for a token's holders.
type GmgnClient struct {
	base
	url string
}

// NewGmgnClient creates a new wallet-statistics client.
func NewGmgnClient(cfg config.Config) *GmgnClient {
	return &GmgnClient{
		base: newBase(cfg, SourceGmgn),
		url:  cfg.GmgnURL + "/api/v1/token_wallets",
	}
}

func (c *GmgnClient) Name() string { return SourceGmgn }

// Fetch retrieves wallet-level performance stats for the token.
func (c *GmgnClient) Fetch(ctx context.Context, tokenAddr string) model.SourceResult {
	endpoint := fmt.Sprintf("%s/%s?%s", c.url, url.PathEscape(tokenAddr), url.Values{
		"orderby":   {"realized_profit"},
		"direction": {"desc"},
	}.Encode())

	req, err := retryablehttp.NewRequest("GET", endpoint, nil)
	if err != nil {
		return c.fail(tokenAddr, fmt.Errorf("creating request: %w", err))
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	raw, err := c.do(ctx, req)
	if err != nil {
		return c.fail(tokenAddr, err)
	}

	// The API reports application-level failures through a status code in
	// the body, not the HTTP status line.
	var envelope struct {
		Code    int    `json:"code"`
		Message string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return c.fail(tokenAddr, fmt.Errorf("decoding wallet stats envelope: %w", err))
	}
	if envelope.Code != 0 {
		return c.fail(tokenAddr, fmt.Errorf("provider error code %d: %s", envelope.Code, envelope.Message))
	}
	return c.ok(tokenAddr, raw)
}

// WalletStats is one wallet's historical performance as reported by the
// wallet-statistics source.
type WalletStats struct {
	Address     string   `json:"address"`
	Winrate     float64  `json:"winrate"`
	PnlUSD7d    float64  `json:"pnl_usd_7d"`
	PnlUSD30d   float64  `json:"pnl_usd_30d"`
	PnlPct7d    float64  `json:"pnl_pct_7d"`
	PnlPct30d   float64  `json:"pnl_pct_30d"`
	Tx7d        int      `json:"tx_7d"`
	Tx30d       int      `json:"tx_30d"`
	Tags        []string `json:"tags"`
	TopHoldings []struct {
		Symbol string  `json:"symbol"`
		ROI    float64 `json:"roi"`
	} `json:"top_holdings"`
	RiskDidntBuyRatio     float64 `json:"risk_didnt_buy_ratio"`
	RiskFastTxRatio       float64 `json:"risk_fast_tx_ratio"`
	RiskSoldGtBoughtRatio float64 `json:"risk_sold_gt_bought_ratio"`
}

// TopHoldingROI returns the best ROI among the wallet's top holdings.
func (w WalletStats) TopHoldingROI() (float64, bool) {
	if len(w.TopHoldings) == 0 {
		return 0, false
	}
	best := w.TopHoldings[0].ROI
	for _, h := range w.TopHoldings[1:] {
		if h.ROI > best {
			best = h.ROI
		}
	}
	return best, true
}

func decodeWalletStats(raw []byte) ([]WalletStats, error) {
	var response struct {
		Data struct {
			Wallets []WalletStats `json:"wallets"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &response); err != nil {
		return nil, fmt.Errorf("decoding wallet stats: %w", err)
	}
	wallets := make([]WalletStats, 0, len(response.Data.Wallets))
	for _, w := range response.Data.Wallets {
		if w.Address == "" {
			continue
		}
		wallets = append(wallets, w)
	}
	return wallets, nil
}

// DecodeWalletStats extracts the wallet stats list from an Ok result.
func DecodeWalletStats(r model.SourceResult) ([]WalletStats, error) {
	if !r.Ok() {
		return nil, fmt.Errorf("source %s result for %s is not usable", r.Source, r.TokenAddress)
	}
	return decodeWalletStats(r.Payload)
}
