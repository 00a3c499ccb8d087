package source

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/yourorg/omni-pipeline/internal/config"
	"github.com/yourorg/omni-pipeline/internal/model"
)

// SourceBullx is the provider name for the trader-activity source.
const SourceBullx = "bullx"

// BullxClient fetches the top-trader activity summary for a token.
type BullxClient struct {
	base
	url string
}

// NewBullxClient creates a new trader-activity client.
func NewBullxClient(cfg config.Config) *BullxClient {
	return &BullxClient{
		base: newBase(cfg, SourceBullx),
		url:  cfg.BullxURL + "/holdersSummaryV2",
	}
}

func (c *BullxClient) Name() string { return SourceBullx }

// Fetch retrieves the per-wallet trading activity for the token's top holders.
func (c *BullxClient) Fetch(ctx context.Context, tokenAddr string) model.SourceResult {
	payload := map[string]interface{}{
		"name": "holdersSummaryV2",
		"data": map[string]interface{}{
			"tokenAddress": tokenAddr,
			"sortBy":       "pnlUSD",
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return c.fail(tokenAddr, fmt.Errorf("encoding request: %w", err))
	}

	req, err := retryablehttp.NewRequest("POST", c.url, body)
	if err != nil {
		return c.fail(tokenAddr, fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	raw, err := c.do(ctx, req)
	if err != nil {
		return c.fail(tokenAddr, err)
	}

	activity, err := decodeTraderActivity(raw)
	if err != nil {
		return c.fail(tokenAddr, err)
	}
	if len(activity) == 0 {
		return c.fail(tokenAddr, fmt.Errorf("no holders returned"))
	}
	return c.ok(tokenAddr, raw)
}

// TraderActivity is one wallet's buy/sell activity on the token as reported
// by the trader-activity source.
type TraderActivity struct {
	Address          string  `json:"address"`
	TotalBoughtUSD   float64 `json:"totalBoughtUSD"`
	TotalSoldUSD     float64 `json:"totalSoldUSD"`
	HoldingAmount    float64 `json:"currentlyHoldingAmount"`
	BuyTransactions  int     `json:"totalBuyTransactions"`
	SellTransactions int     `json:"totalSellTransactions"`
}

func decodeTraderActivity(raw []byte) ([]TraderActivity, error) {
	var response struct {
		Data struct {
			Holders []TraderActivity `json:"holders"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &response); err != nil {
		return nil, fmt.Errorf("decoding holders response: %w", err)
	}

	// Providers occasionally return duplicate holder rows; keep the first.
	seen := make(map[string]struct{}, len(response.Data.Holders))
	unique := make([]TraderActivity, 0, len(response.Data.Holders))
	for _, h := range response.Data.Holders {
		if h.Address == "" {
			continue
		}
		if _, dup := seen[h.Address]; dup {
			continue
		}
		seen[h.Address] = struct{}{}
		unique = append(unique, h)
	}
	return unique, nil
}

// DecodeTraderActivity extracts the trader activity list from an Ok result.
func DecodeTraderActivity(r model.SourceResult) ([]TraderActivity, error) {
	if !r.Ok() {
		return nil, fmt.Errorf("source %s result for %s is not usable", r.Source, r.TokenAddress)
	}
	return decodeTraderActivity(r.Payload)
}
