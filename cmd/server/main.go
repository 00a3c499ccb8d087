// Package main is the entry point for the token processing pipeline: it
// discovers trending tokens, enriches them from multiple market-data
// providers, scores their top traders and persists the verdicts.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/omni-pipeline/internal/cache"
	"github.com/yourorg/omni-pipeline/internal/config"
	"github.com/yourorg/omni-pipeline/internal/coordinator"
	"github.com/yourorg/omni-pipeline/internal/discovery"
	"github.com/yourorg/omni-pipeline/internal/eval"
	"github.com/yourorg/omni-pipeline/internal/export"
	"github.com/yourorg/omni-pipeline/internal/governor"
	"github.com/yourorg/omni-pipeline/internal/model"
	"github.com/yourorg/omni-pipeline/internal/otel"
	"github.com/yourorg/omni-pipeline/internal/scheduler"
	"github.com/yourorg/omni-pipeline/internal/source"
	"github.com/yourorg/omni-pipeline/internal/store"
)

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

// Server wires the pipeline components behind the HTTP control surface.
type Server struct {
	cfg       config.Config
	coord     *coordinator.Coordinator
	store     store.Store
	disc      *discovery.Client
	exporter  *export.Exporter
	server    *http.Server
	closeFunc []func()
}

func main() {
	setupLogging()

	cfg := config.Load()
	server, err := newServer(cfg)
	if err != nil {
		logrus.Fatalf("Initialization failed: %v", err)
	}
	server.Start()
}

// setupLogging configures the logging for the application
func setupLogging() {
	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))

	switch logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch logLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}

func newServer(cfg config.Config) (*Server, error) {
	s := &Server{cfg: cfg}

	shutdownTracer := otel.InitTracer(cfg)
	s.closeFunc = append(s.closeFunc, shutdownTracer)

	// Persistence: Postgres when configured, in-memory otherwise.
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(context.Background(), cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.store = pg
		s.closeFunc = append(s.closeFunc, func() { pg.Close() })
		logrus.Info("Using Postgres store")
	} else {
		s.store = store.NewMemory()
		logrus.Warn("DATABASE_URL not set, evaluations will not survive a restart")
	}

	// Optional Redis cache for raw source results.
	var resultCache source.ResultCache
	if cfg.RedisAddr != "" {
		rc, err := cache.New(context.Background(), cfg.RedisAddr, cfg.CacheTTL)
		if err != nil {
			return nil, err
		}
		resultCache = rc
		s.closeFunc = append(s.closeFunc, func() { rc.Close() })
		logrus.WithField("ttl", cfg.CacheTTL).Info("Source result cache enabled")
	}

	rules, err := eval.LoadRules(cfg.RulesFile)
	if err != nil {
		return nil, err
	}
	evaluator, err := eval.New(rules, cfg.RiskRejectThreshold, cfg.RiskFlagThreshold)
	if err != nil {
		return nil, err
	}

	s.exporter = export.New(cfg.WebhookURL, export.WithAPIKey(os.Getenv("WEBHOOK_API_KEY")))
	s.closeFunc = append(s.closeFunc, s.exporter.Stop)

	st := s.store
	if s.exporter.Enabled() {
		st = &exportingStore{Store: s.store, exporter: s.exporter}
	}

	aggregator := source.NewAggregator(source.NewClients(cfg), resultCache)
	s.coord = coordinator.New(st, aggregator, evaluator, governor.New(cfg.MaxConcurrency))
	s.disc = discovery.New(cfg, s.store)

	logrus.WithFields(logrus.Fields{
		"port":        cfg.Port,
		"concurrency": cfg.MaxConcurrency,
		"schedule":    cfg.ScheduleCron,
		"rules":       len(rules),
		"export":      s.exporter.Enabled(),
	}).Info("Pipeline initialized")

	return s, nil
}

// exportingStore forwards persisted evaluations to the webhook exporter.
type exportingStore struct {
	store.Store
	exporter *export.Exporter
}

func (s *exportingStore) SaveEvaluations(ctx context.Context, evals []model.Evaluation) error {
	if err := s.Store.SaveEvaluations(ctx, evals); err != nil {
		return err
	}
	s.exporter.Add(evals)
	return nil
}

// scheduledStarter runs a discovery pass before every scheduled run so
// the run always sees the freshest trending set.
type scheduledStarter struct {
	disc  *discovery.Client
	coord *coordinator.Coordinator
}

func (s *scheduledStarter) StartRun(trigger model.Trigger) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := s.disc.Discover(ctx); err != nil {
		logrus.WithError(err).Warn("Discovery pass failed, running with known tokens")
	}
	return s.coord.StartRun(trigger)
}

// Start begins the HTTP server and the daily schedule, then blocks until
// a shutdown signal arrives.
func (s *Server) Start() {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/run", s.handleRun)
	mux.HandleFunc("/api/stop", s.handleStop)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/process", s.handleProcess)
	mux.HandleFunc("/api/tokens", s.handleTokens)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/discover", s.handleDiscover)
	mux.HandleFunc("/api/export/csv", s.handleExportCSV)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metricsHandler())

	s.server = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	schedCtx, stopSched := context.WithCancel(context.Background())
	if s.cfg.ScheduleCron != "" {
		sched, err := scheduler.New(s.cfg.ScheduleCron, &scheduledStarter{disc: s.disc, coord: s.coord})
		if err != nil {
			logrus.Fatalf("Invalid schedule %q: %v", s.cfg.ScheduleCron, err)
		}
		go sched.Run(schedCtx)
	} else {
		logrus.Info("Scheduler disabled")
	}

	go func() {
		logrus.Infof("Server starting on port %s", s.cfg.Port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Error starting server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Server shutting down...")
	stopSched()
	if err := s.coord.Stop(); err == nil {
		logrus.Info("Active run stopped for shutdown")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		logrus.Errorf("Server shutdown failed: %v", err)
	}

	for i := len(s.closeFunc) - 1; i >= 0; i-- {
		s.closeFunc[i]()
	}
	logrus.Info("Server stopped")
}
