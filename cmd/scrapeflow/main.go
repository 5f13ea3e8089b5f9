package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/use-agent/scrapeflow/api"
	"github.com/use-agent/scrapeflow/artifact"
	"github.com/use-agent/scrapeflow/config"
	"github.com/use-agent/scrapeflow/metrics"
	"github.com/use-agent/scrapeflow/notify"
	"github.com/use-agent/scrapeflow/scheduler"
	"github.com/use-agent/scrapeflow/scraper"
	"github.com/use-agent/scrapeflow/service"
	"github.com/use-agent/scrapeflow/store"
)

func main() {
	// ── 1. Load configuration ───────────────────────────────────────
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: .env not loaded: %v\n", err)
	}
	cfg := config.Load()

	// ── 2. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log)
	slog.Info("scrapeflow starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
		"workers", cfg.Scheduler.Workers,
		"renderer", cfg.Browser.Renderer,
		"store", cfg.Store.Driver,
		"artifacts", cfg.Artifacts.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 3. Job repository ───────────────────────────────────────────
	repo, err := store.Open(cfg.Store, cfg.Jobs.MaxPageSize)
	if err != nil {
		slog.Error("failed to open job store", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	// ── 4. Artifact store ───────────────────────────────────────────
	arts, err := artifact.Open(ctx, cfg.Artifacts)
	if err != nil {
		slog.Error("failed to open artifact store", "error", err)
		os.Exit(1)
	}

	// ── 5. Renderer (launches browser unless http) ─────────────────
	renderer, err := newRenderer(cfg)
	if err != nil {
		slog.Error("failed to initialise renderer", "error", err)
		os.Exit(1)
	}
	defer renderer.Close()

	// ── 6. Status notifier and sinks ────────────────────────────────
	hub := notify.NewHub(newSinks(cfg.Notify)...)
	defer hub.Close()

	// ── 7. Scheduler ────────────────────────────────────────────────
	m := metrics.New()
	sched := scheduler.New(scheduler.Config{
		Workers:         cfg.Scheduler.Workers,
		JobTimeout:      cfg.Scheduler.JobTimeout,
		MaxRetries:      cfg.Scheduler.MaxRetries,
		RetryBackoff:    cfg.Scheduler.RetryBackoff,
		InlineTextLimit: cfg.Jobs.InlineTextLimit,
	}, repo, renderer, arts, hub, m)
	sched.Start(context.WithoutCancel(ctx))

	// ── 8. Job service + reconciliation ─────────────────────────────
	svc := service.New(repo, sched, hub, arts, service.Options{
		Policy:                service.NewHostPolicy(cfg.Policy),
		ScreenshotUnsupported: cfg.Browser.Renderer == "http",
		MaxPageSize:           cfg.Jobs.MaxPageSize,
	})
	if err := svc.Reconcile(ctx); err != nil {
		slog.Error("reconciliation failed", "error", err)
	}

	// ── 9. Setup router ─────────────────────────────────────────────
	router := api.NewRouter(api.Deps{
		Service:  svc,
		Events:   hub,
		Pool:     sched,
		Renderer: renderer,
		Metrics:  m,
	}, cfg, time.Now())

	// ── 10. Start HTTP server ───────────────────────────────────────
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// ── 11. Graceful shutdown ───────────────────────────────────────
	<-ctx.Done()
	slog.Info("shutdown signal received")

	// Renders first, so their final transitions still reach streams and
	// sinks. Submissions arriving meanwhile stay pending for the next start.
	schedCtx, cancelSched := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelSched()
	if err := sched.Stop(schedCtx); err != nil {
		slog.Warn("scheduler stopped before renders finished", "error", err)
	}

	// Closing the hub ends open SSE streams so Shutdown can drain.
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server forced shutdown", "error", err)
	} else {
		slog.Info("HTTP server drained gracefully")
	}

	slog.Info("scrapeflow stopped")
}

// newRenderer picks the render backend from config.
func newRenderer(cfg *config.Config) (scraper.Renderer, error) {
	switch cfg.Browser.Renderer {
	case "http":
		return scraper.NewHTTPRenderer(cfg.Browser.Proxy, cfg.Scheduler.Workers), nil
	case "browser", "":
		return scraper.NewBrowser(cfg.Browser, cfg.Scheduler.Workers)
	default:
		return nil, fmt.Errorf("unknown renderer %q", cfg.Browser.Renderer)
	}
}

// newSinks builds the external sinks that are configured. A NATS
// connection failure is logged and the sink skipped.
func newSinks(cfg config.NotifyConfig) []notify.Sink {
	var sinks []notify.Sink
	if cfg.NATSURL != "" {
		ns, err := notify.NewNATSSink(cfg.NATSURL, cfg.SubjectPrefix)
		if err != nil {
			slog.Error("NATS sink disabled", "url", cfg.NATSURL, "error", err)
		} else {
			sinks = append(sinks, ns)
			slog.Info("NATS sink enabled", "url", cfg.NATSURL, "prefix", cfg.SubjectPrefix)
		}
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.WebhookURL, cfg.WebhookSecret))
		slog.Info("webhook sink enabled", "url", cfg.WebhookURL)
	}
	return sinks
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
