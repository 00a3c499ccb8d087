// Package export ships finished evaluations to downstream consumers:
// batched webhook delivery and on-demand CSV dumps.
package export

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/omni-pipeline/internal/model"
)

// Exporter batches evaluations and pushes them to a webhook endpoint.
// A disabled exporter (empty URL) accepts and discards everything.
type Exporter struct {
	url        string
	apiKey     string
	httpClient *http.Client
	interval   time.Duration
	batchSize  int
	log        *logrus.Entry

	mu         sync.Mutex
	batch      []model.Evaluation
	lastExport time.Time

	cancel context.CancelFunc
}

// Option tweaks exporter settings.
type Option func(*Exporter)

func WithInterval(d time.Duration) Option {
	return func(e *Exporter) { e.interval = d }
}

func WithBatchSize(n int) Option {
	return func(e *Exporter) { e.batchSize = n }
}

func WithAPIKey(key string) Option {
	return func(e *Exporter) { e.apiKey = key }
}

// New creates an exporter. With a non-empty URL it starts a background
// flush loop; Stop must be called to drain it.
func New(url string, opts ...Option) *Exporter {
	e := &Exporter{
		url: url,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
				IdleConnTimeout: 90 * time.Second,
			},
		},
		interval:  time.Minute,
		batchSize: 100,
		log:       logrus.WithField("component", "export"),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.url != "" {
		ctx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		go e.flushLoop(ctx)
	}
	return e
}

// Enabled reports whether a webhook endpoint is configured.
func (e *Exporter) Enabled() bool { return e.url != "" }

// Add queues evaluations for delivery. A full batch is flushed
// immediately.
func (e *Exporter) Add(evals []model.Evaluation) {
	if !e.Enabled() || len(evals) == 0 {
		return
	}

	e.mu.Lock()
	e.batch = append(e.batch, evals...)
	full := len(e.batch) >= e.batchSize
	e.mu.Unlock()

	if full {
		go e.flush()
	}
}

func (e *Exporter) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.flush()
		case <-ctx.Done():
			return
		}
	}
}

func (e *Exporter) flush() {
	e.mu.Lock()
	if len(e.batch) == 0 {
		e.mu.Unlock()
		return
	}
	batch := e.batch
	e.batch = nil
	e.lastExport = time.Now()
	e.mu.Unlock()

	if err := e.deliver(batch); err != nil {
		e.log.WithError(err).WithField("count", len(batch)).Error("Webhook delivery failed")
		return
	}
	e.log.WithField("count", len(batch)).Info("Evaluations exported")
}

func (e *Exporter) deliver(batch []model.Evaluation) error {
	payload := struct {
		Evaluations []model.Evaluation `json:"evaluations"`
		ExportedAt  string             `json:"exported_at"`
		Count       int                `json:"count"`
	}{
		Evaluations: batch,
		ExportedAt:  time.Now().UTC().Format(time.RFC3339),
		Count:       len(batch),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding export payload: %w", err)
	}

	req, err := http.NewRequest("POST", e.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating export request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("export request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Stop halts the flush loop and delivers anything still queued.
func (e *Exporter) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.flush()
}

// Status describes the exporter for the status endpoint.
func (e *Exporter) Status() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := map[string]interface{}{
		"enabled":       e.Enabled(),
		"batch_size":    e.batchSize,
		"interval":      e.interval.String(),
		"current_batch": len(e.batch),
	}
	if !e.lastExport.IsZero() {
		status["last_export"] = e.lastExport.Format(time.RFC3339)
	}
	return status
}

// WriteCSV writes evaluations as CSV. Metric columns are the union of
// all metric keys, sorted, so the column set is stable for a given
// input.
func WriteCSV(w io.Writer, evals []model.Evaluation) error {
	keys := map[string]struct{}{}
	for _, ev := range evals {
		for k := range ev.Metrics {
			keys[k] = struct{}{}
		}
	}
	metricCols := make([]string, 0, len(keys))
	for k := range keys {
		metricCols = append(metricCols, k)
	}
	sort.Strings(metricCols)

	cw := csv.NewWriter(w)
	header := append([]string{"trader_address", "token_address", "score", "verdict", "evaluated_at", "rules"}, metricCols...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}

	for _, ev := range evals {
		applied := make([]string, 0, len(ev.Trace))
		for _, entry := range ev.Trace {
			if !entry.Skipped {
				applied = append(applied, entry.Rule)
			}
		}
		row := []string{
			ev.TraderAddress,
			ev.TokenAddress,
			strconv.FormatFloat(ev.Score, 'f', -1, 64),
			string(ev.Verdict),
			ev.EvaluatedAt.UTC().Format(time.RFC3339),
			strings.Join(applied, ";"),
		}
		for _, col := range metricCols {
			v, found := ev.Metrics[col]
			if !found {
				row = append(row, "")
				continue
			}
			row = append(row, strconv.FormatFloat(v, 'f', -1, 64))
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing csv row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}
