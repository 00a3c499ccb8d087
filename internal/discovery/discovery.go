// Package discovery finds trending tokens and feeds them into the
// token registry for the next processing run.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/omni-pipeline/internal/config"
	"github.com/yourorg/omni-pipeline/internal/model"
	"github.com/yourorg/omni-pipeline/internal/store"
)

const trendingQuery = `{
  listTopTokens(networkFilter: [1399811149], limit: 50, resolution: "60") {
    address
    name
    symbol
    volume
    liquidity
  }
}`

// Client queries the discovery GraphQL endpoint for trending tokens.
type Client struct {
	url    string
	apiKey string
	http   *retryablehttp.Client
	tokens store.TokenStore
	log    *logrus.Entry
}

func New(cfg config.Config, tokens store.TokenStore) *Client {
	hc := retryablehttp.NewClient()
	hc.RetryMax = cfg.PerSourceRetries
	hc.RetryWaitMin = 500 * time.Millisecond
	hc.RetryWaitMax = 5 * time.Second
	hc.Logger = nil

	return &Client{
		url:    cfg.DiscoveryURL + "/graphql",
		apiKey: cfg.APIKeys["discovery"],
		http:   hc,
		tokens: tokens,
		log:    logrus.WithField("component", "discovery"),
	}
}

// TrendingToken is one entry from the trending list.
type TrendingToken struct {
	Address   string  `json:"address"`
	Name      string  `json:"name"`
	Symbol    string  `json:"symbol"`
	Volume    float64 `json:"volume,string"`
	Liquidity float64 `json:"liquidity,string"`
}

// Trending fetches the current trending token list.
func (c *Client) Trending(ctx context.Context) ([]TrendingToken, error) {
	body, err := json.Marshal(map[string]string{"query": trendingQuery})
	if err != nil {
		return nil, fmt.Errorf("encoding query: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", c.url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying trending tokens: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("trending query returned status %d: %s", resp.StatusCode, snippet)
	}

	var response struct {
		Data struct {
			ListTopTokens []TrendingToken `json:"listTopTokens"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading trending response: %w", err)
	}
	if err := json.Unmarshal(raw, &response); err != nil {
		return nil, fmt.Errorf("decoding trending response: %w", err)
	}
	if len(response.Errors) > 0 {
		return nil, fmt.Errorf("trending query error: %s", response.Errors[0].Message)
	}
	return response.Data.ListTopTokens, nil
}

// Discover fetches trending tokens and registers the new ones as pending.
// Tokens with malformed addresses are skipped and logged, never fatal.
// Returns how many tokens were registered.
func (c *Client) Discover(ctx context.Context) (int, error) {
	trending, err := c.Trending(ctx)
	if err != nil {
		return 0, err
	}

	registered := 0
	for _, tt := range trending {
		if err := model.ValidateAddress(tt.Address); err != nil {
			c.log.WithField("address", tt.Address).Debug("Skipping malformed trending address")
			continue
		}
		name := tt.Name
		if name == "" {
			name = "UNKNOWN"
		}
		err := c.tokens.UpsertToken(ctx, model.Token{
			Address:      tt.Address,
			Name:         name,
			Symbol:       tt.Symbol,
			DiscoveredAt: time.Now().UTC(),
			State:        model.StatePending,
		})
		if err != nil {
			c.log.WithError(err).WithField("address", tt.Address).Warn("Failed to register trending token")
			continue
		}
		registered++
	}

	c.log.WithFields(logrus.Fields{
		"trending":   len(trending),
		"registered": registered,
	}).Info("Discovery pass finished")
	return registered, nil
}
