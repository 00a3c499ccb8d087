package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/omni-pipeline/internal/config"
	"github.com/yourorg/omni-pipeline/internal/model"
	"github.com/yourorg/omni-pipeline/internal/store"
)

const validAddr = "11111111111111111111111111111111"

func testClient(url string, tokens store.TokenStore) *Client {
	return New(config.Config{
		DiscoveryURL:     url,
		PerSourceRetries: 1,
	}, tokens)
}

func TestDiscoverRegistersTrendingTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query string `json:"query"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.Query, "listTopTokens")

		fmt.Fprintf(w, `{"data":{"listTopTokens":[
			{"address":"%s","name":"Token One","symbol":"ONE","volume":"1234.5","liquidity":"9999"},
			{"address":"bad-address","name":"Broken","symbol":"BRK","volume":"1","liquidity":"1"}
		]}}`, validAddr)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	registered, err := testClient(srv.URL, mem).Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, registered, "malformed addresses are skipped")

	tok, err := mem.Token(context.Background(), validAddr)
	require.NoError(t, err)
	assert.Equal(t, "Token One", tok.Name)
	assert.Equal(t, "ONE", tok.Symbol)
	assert.Equal(t, model.StatePending, tok.State)
	assert.False(t, tok.DiscoveredAt.IsZero())
}

func TestDiscoverKeepsKnownTokenState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":{"listTopTokens":[{"address":"%s","name":"Token One","symbol":"ONE"}]}}`, validAddr)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	require.NoError(t, mem.UpsertToken(context.Background(), model.Token{
		Address:      validAddr,
		Name:         "Token One",
		DiscoveredAt: time.Now(),
	}))
	require.NoError(t, mem.SetState(context.Background(), validAddr, model.StateCompleted, ""))

	_, err := testClient(srv.URL, mem).Discover(context.Background())
	require.NoError(t, err)

	tok, err := mem.Token(context.Background(), validAddr)
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, tok.State, "re-discovery must not reset a processed token")
}

func TestTrendingGraphQLError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors":[{"message":"rate limited"}]}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL, store.NewMemory()).Trending(context.Background())
	assert.ErrorContains(t, err, "rate limited")
}

func TestTrendingHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	c := testClient(srv.URL, store.NewMemory())
	c.http.RetryMax = 0
	_, err := c.Trending(context.Background())
	assert.ErrorContains(t, err, "403")
}
