package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/polisai/polis-runner/pkg/domain"
)

// DefaultHistoryTable receives run snapshots when no table is configured.
const DefaultHistoryTable = "pipeline_runs"

// HistoryDB is the subset of *sql.DB used by the history sink.
type HistoryDB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// OpenHistoryDB opens and pings a Postgres database through the pgx driver.
func OpenHistoryDB(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("history dsn is required")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return db, nil
}

// HistoryConfig holds dependencies for creating a RunHistory.
type HistoryConfig struct {
	DB      HistoryDB
	Table   string
	Timeout time.Duration
	Logger  *slog.Logger
}

// RunHistory is a write-only audit sink: every finished run is upserted into
// a Postgres table with its full snapshot as JSONB. It is never read back.
type RunHistory struct {
	db      HistoryDB
	table   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewRunHistory creates a history sink.
func NewRunHistory(cfg HistoryConfig) (*RunHistory, error) {
	if cfg.DB == nil {
		return nil, errors.New("run history: db is required")
	}
	table := cfg.Table
	if table == "" {
		table = DefaultHistoryTable
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RunHistory{
		db:      cfg.DB,
		table:   pgx.Identifier{table}.Sanitize(),
		timeout: timeout,
		logger:  logger,
	}, nil
}

// EnsureSchema creates the history table if it is missing.
func (h *RunHistory) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	run_id           TEXT PRIMARY KEY,
	pipeline_name    TEXT NOT NULL,
	status           TEXT NOT NULL,
	submitted_at     TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	finished_at      TIMESTAMPTZ,
	duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	error            TEXT NOT NULL DEFAULT '',
	snapshot         JSONB NOT NULL
)`, h.table)
	if _, err := h.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create history table: %w", err)
	}
	return nil
}

// OnProgress is a no-op.
func (h *RunHistory) OnProgress(domain.Run) {}

// OnComplete records the final snapshot. Failures are logged.
func (h *RunHistory) OnComplete(run domain.Run) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if err := h.Record(ctx, run); err != nil {
		h.logger.Error("failed to record run history", "run_id", run.ID, "error", err)
	}
}

// Record upserts the run keyed by its id.
func (h *RunHistory) Record(ctx context.Context, run domain.Run) error {
	snapshot, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO %s
	(run_id, pipeline_name, status, submitted_at, started_at, finished_at, duration_seconds, error, snapshot)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (run_id) DO UPDATE SET
	status = EXCLUDED.status,
	started_at = EXCLUDED.started_at,
	finished_at = EXCLUDED.finished_at,
	duration_seconds = EXCLUDED.duration_seconds,
	error = EXCLUDED.error,
	snapshot = EXCLUDED.snapshot`, h.table)

	_, err = h.db.ExecContext(ctx, query,
		run.ID,
		run.PipelineName,
		string(run.Status),
		run.SubmittedAt,
		nullTime(run.StartedAt),
		nullTime(run.FinishedAt),
		run.Duration().Seconds(),
		run.Error,
		snapshot,
	)
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", run.ID, err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
