// Package source provides provider-specific clients for retrieving token and
// trader data from the external market-data providers.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/yourorg/omni-pipeline/internal/config"
	"github.com/yourorg/omni-pipeline/internal/metrics"
	"github.com/yourorg/omni-pipeline/internal/model"
)

// Client defines the interface that all provider clients must implement.
// Fetch never returns an error: a fetch that exhausts its retries is reported
// as a SourceResult with an error outcome, so one provider's failure stays
// isolated from the rest of the pipeline.
type Client interface {
	// Name returns the provider name used in results and metrics
	Name() string

	// Fetch retrieves raw data about one token from the provider
	Fetch(ctx context.Context, tokenAddr string) model.SourceResult
}

// NewClients creates the configured provider client set.
func NewClients(cfg config.Config) []Client {
	return []Client{
		NewBullxClient(cfg),
		NewGmgnClient(cfg),
		NewDexscreenerClient(cfg),
	}
}

// ErrProviderLockout indicates a provider rejected us for exceeding its
// request quota. Continuing the run would only deepen the lockout.
var ErrProviderLockout = errors.New("provider lockout (429)")

// IsLockout reports whether a failed result was caused by a provider
// lockout.
func IsLockout(r model.SourceResult) bool {
	return r.Outcome == model.OutcomeError && strings.Contains(r.ErrorReason, ErrProviderLockout.Error())
}

// base carries the plumbing shared by all provider clients: a retrying HTTP
// client, a per-provider token-bucket rate limit, and a circuit breaker so a
// dead provider fails fast instead of burning its quota.
type base struct {
	name    string
	http    *retryablehttp.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	apiKey  string
}

func newBase(cfg config.Config, name string) base {
	limit := rate.Inf
	if cfg.SourceRateLimit > 0 {
		limit = rate.Limit(cfg.SourceRateLimit)
	}
	return base{
		name:    name,
		http:    newRetryClient(cfg, name),
		limiter: rate.NewLimiter(limit, 1),
		breaker: newBreaker(name),
		timeout: cfg.PerSourceTimeout,
		apiKey:  cfg.APIKeys[name],
	}
}

// newRetryClient creates an HTTP client with retry and backoff behavior
// matching the per-source retry policy.
func newRetryClient(cfg config.Config, name string) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = cfg.PerSourceRetries
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 5 * time.Second
	// The stock Backoff is pure exponential with no jitter.
	c.Backoff = retryablehttp.LinearJitterBackoff
	c.Logger = nil
	// A 429 means the provider has locked us out; retrying would make it
	// worse, so it is surfaced immediately as a terminal failure.
	c.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	c.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		metrics.FetchAttempts.WithLabelValues(name).Inc()
		logrus.WithFields(logrus.Fields{
			"source":  name,
			"url":     req.URL.Path,
			"attempt": attempt + 1,
		}).Debug("Source fetch attempt")
	}
	return c
}

// newBreaker creates a circuit breaker for one provider. The breaker opens
// after five consecutive failed fetch cycles and probes again after a minute.
func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{
				"source": name,
				"from":   from.String(),
				"to":     to.String(),
			}).Warn("Source circuit breaker state change")
		},
	})
}

// do executes one rate-limited, breaker-guarded fetch cycle and returns the
// response body. Retries happen inside the HTTP client; by the time do
// returns an error the cycle is terminal.
func (b *base) do(ctx context.Context, req *retryablehttp.Request) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	body, err := b.breaker.Execute(func() (interface{}, error) {
		resp, err := b.http.Do(req.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, ErrProviderLockout
		}
		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, snippet)
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return nil, err
	}
	return body.([]byte), nil
}

// ok wraps a payload into a successful SourceResult.
func (b *base) ok(tokenAddr string, payload []byte) model.SourceResult {
	metrics.FetchResults.WithLabelValues(b.name, string(model.OutcomeOk)).Inc()
	return model.SourceResult{
		TokenAddress: tokenAddr,
		Source:       b.name,
		Payload:      payload,
		FetchedAt:    time.Now().UTC(),
		Outcome:      model.OutcomeOk,
	}
}

// fail wraps a terminal fetch failure into an error-outcome SourceResult.
func (b *base) fail(tokenAddr string, err error) model.SourceResult {
	metrics.FetchResults.WithLabelValues(b.name, string(model.OutcomeError)).Inc()
	logrus.WithFields(logrus.Fields{
		"source": b.name,
		"token":  tokenAddr,
	}).Warnf("Source fetch failed: %v", err)
	return model.SourceResult{
		TokenAddress: tokenAddr,
		Source:       b.name,
		FetchedAt:    time.Now().UTC(),
		Outcome:      model.OutcomeError,
		ErrorReason:  err.Error(),
	}
}
