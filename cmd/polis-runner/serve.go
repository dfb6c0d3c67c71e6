package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/polisai/polis-runner/pkg/config"
	"github.com/polisai/polis-runner/pkg/engine"
	"github.com/polisai/polis-runner/pkg/notify"
	"github.com/polisai/polis-runner/pkg/storage"
	"github.com/polisai/polis-runner/pkg/telemetry"
	"github.com/polisai/polis-runner/pkg/trigger"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 10 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator with configured watches, schedules and sinks",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

// runServe is the main entry point for the serve command
func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := setupTelemetry(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			logger.Error("Telemetry shutdown error", "error", err)
		}
	}()

	metrics := telemetry.NewMetrics()
	coord, err := newCoordinator(cfg, metrics, logger)
	if err != nil {
		return err
	}

	notifier := notify.New(notify.Config{Capacity: cfg.Notifier.Capacity, Logger: logger})
	coord.Subscribe(notifier)

	closeSinks, err := attachSinks(ctx, cfg, coord, storage.OpenHistoryDB, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	onFire := fireRecorder(notifier, metrics)

	var watcher *trigger.Watcher
	if len(cfg.Watches) > 0 {
		watcher, err = trigger.NewWatcher(trigger.WatcherConfig{
			Watches:   cfg.Watches,
			Submitter: coord,
			OnFire:    onFire,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("create watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			_ = watcher.Stop()
			return fmt.Errorf("start watcher: %w", err)
		}
	}

	scheduler, err := trigger.NewScheduler(trigger.SchedulerConfig{
		Schedules: cfg.Schedules,
		Submitter: coord,
		OnFire:    onFire,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	scheduler.Start(ctx)

	go collectGarbage(ctx, coord.Registry(), cfg.GCInterval, cfg.Retention)

	serverErr := make(chan error, 1)
	var server *http.Server
	if cfg.Metrics.Enabled {
		server = &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           newHTTPHandler(cfg.Metrics.Path, coord, notifier, scheduler, metrics),
			ReadHeaderTimeout: readHeaderTimeout,
		}
		go func() {
			logger.Info("Starting HTTP server", "address", server.Addr, "metrics_path", cfg.Metrics.Path)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	logger.Info("polis-runner serving",
		"work_dir", cfg.WorkDir,
		"watches", len(cfg.Watches),
		"schedules", len(cfg.Schedules),
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case runErr = <-serverErr:
		logger.Error("HTTP server error", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Error("Error stopping watcher", "error", err)
		}
	}
	scheduler.Stop()
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
	}
	if err := coord.Shutdown(shutdownCtx); err != nil {
		logger.Error("Coordinator shutdown error", "error", err)
	}

	logger.Info("Shutdown complete")
	return runErr
}

func setupTelemetry(ctx context.Context, cfg config.TracingConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	return telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.Endpoint,
		Environment: cfg.Environment,
		Insecure:    cfg.Insecure,
	})
}

// attachSinks subscribes the optional object storage mirror and Postgres
// history to run completions. The returned function releases their resources.
// historyOpener opens the run history database.
type historyOpener func(ctx context.Context, dsn string) (*sql.DB, error)

// attachSinks subscribes the optional artifact mirror and run history sinks.
// On error every resource it opened is already released.
func attachSinks(ctx context.Context, cfg config.RunnerConfig, coord *engine.Coordinator, openDB historyOpener, logger *slog.Logger) (_ func(), err error) {
	var db *sql.DB
	closeSinks := func() {
		if db != nil {
			if err := db.Close(); err != nil {
				logger.Error("Error closing history database", "error", err)
			}
		}
	}
	defer func() {
		if err != nil {
			closeSinks()
		}
	}()

	if cfg.Artifacts.Enabled {
		client, err := storage.NewMinIOClient(storage.ObjectStoreConfig{
			Endpoint:  cfg.Artifacts.Endpoint,
			AccessKey: cfg.Artifacts.AccessKey,
			SecretKey: cfg.Artifacts.SecretKey,
			Bucket:    cfg.Artifacts.Bucket,
			Region:    cfg.Artifacts.Region,
			UseSSL:    cfg.Artifacts.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := storage.EnsureBucket(ctx, client, cfg.Artifacts.Bucket, cfg.Artifacts.Region); err != nil {
			return nil, err
		}
		mirror, err := storage.NewArtifactMirror(storage.MirrorConfig{
			Client: client,
			Bucket: cfg.Artifacts.Bucket,
			Prefix: cfg.Artifacts.Prefix,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		coord.Subscribe(mirror)
		logger.Info("Mirroring run artifacts", "endpoint", cfg.Artifacts.Endpoint, "bucket", cfg.Artifacts.Bucket)
	}

	if cfg.History.Enabled {
		db, err = openDB(ctx, cfg.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("open history database: %w", err)
		}
		history, err := storage.NewRunHistory(storage.HistoryConfig{
			DB:     db,
			Table:  cfg.History.Table,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		if err := history.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("prepare history table: %w", err)
		}
		coord.Subscribe(history)
		logger.Info("Recording run history", "table", cfg.History.Table)
	}

	return closeSinks, nil
}

// fireRecorder turns trigger firings into notifications and metrics.
func fireRecorder(notifier *notify.Notifier, metrics *telemetry.Metrics) trigger.FireFunc {
	return func(ev trigger.FireEvent) {
		metrics.TriggerFired(ev.Kind, ev.Name, ev.Err)
		switch ev.Kind {
		case trigger.KindWatch:
			if ev.Err != nil {
				notifier.Notify(notify.TypeError, ev.Name, "Failed to start pipeline for "+ev.File, notify.SourceWatcher,
					map[string]string{"file": ev.File, "error": ev.Err.Error()})
				return
			}
			notifier.FileDetected(ev.Name, ev.File)
		case trigger.KindSchedule:
			notifier.TaskExecuted(ev.Name, ev.Err)
		}
	}
}

// collectGarbage evicts finished runs older than retention every interval.
func collectGarbage(ctx context.Context, registry *engine.Registry, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			registry.GC(retention)
		}
	}
}

// newHTTPHandler serves health, metrics and read-only views of runs,
// notifications and schedules.
func newHTTPHandler(metricsPath string, coord *engine.Coordinator, notifier *notify.Notifier, scheduler *trigger.Scheduler, metrics *telemetry.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET "+metricsPath, metrics.Handler())

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSONResponse(w, http.StatusOK, map[string]any{
			"status": "ok",
			"runs":   coord.Registry().Len(),
		})
	})

	mux.HandleFunc("GET /runs", func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusOK, coord.List(queryInt(r, "limit")))
	})

	mux.HandleFunc("GET /runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		run, ok := coord.Get(r.PathValue("id"))
		if !ok {
			writeJSONResponse(w, http.StatusNotFound, map[string]string{"error": "run not found"})
			return
		}
		writeJSONResponse(w, http.StatusOK, run)
	})

	mux.HandleFunc("GET /notifications", func(w http.ResponseWriter, r *http.Request) {
		unread := r.URL.Query().Get("unread") == "true"
		writeJSONResponse(w, http.StatusOK, map[string]any{
			"notifications": notifier.List(queryInt(r, "limit"), unread),
			"unread":        notifier.UnreadCount(),
		})
	})

	mux.HandleFunc("GET /schedules", func(w http.ResponseWriter, _ *http.Request) {
		writeJSONResponse(w, http.StatusOK, scheduler.Status())
	})

	return otelhttp.NewHandler(mux, "polis.runner")
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := writeJSON(w, v); err != nil {
		slog.Default().Warn("failed to write response", "error", err)
	}
}
