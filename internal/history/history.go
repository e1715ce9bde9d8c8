// Package history is the optional Postgres sink for sweep results. The
// service runs fine without it; when no DSN is configured the nil sink
// swallows writes and the history endpoint serves the in-memory rollup
// only.
package history

import (
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/venuesync/venuesync/internal/model"
	"github.com/venuesync/venuesync/pkg/logger"
)

//go:embed schema.sql
var schemaFile embed.FS

// Config holds the sink settings.
type Config struct {
	URL    string
	Retain int
}

// Sink records sweep runs in Postgres. A nil *Sink is a valid no-op.
type Sink struct {
	db     *sql.DB
	retain int
	log    *logger.Logger
}

// Open connects to Postgres and ensures the schema. Returns nil when no
// URL is configured.
func Open(cfg Config, log *logger.Logger) (*Sink, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}

	schema, err := schemaFile.ReadFile("schema.sql")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	log.Info("sweep history sink connected")
	return &Sink{db: db, retain: cfg.Retain, log: log}, nil
}

// Close closes the connection pool; no-op on the nil sink.
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// RecordRun inserts one run row; history write failures never fail a
// sweep. No-op on the nil sink.
func (s *Sink) RecordRun(run model.RunResult) {
	if s == nil {
		return
	}
	_, err := s.db.Exec(
		`INSERT INTO sweep_runs
		 (run_id, store_id, mode, status, skus, items_pushed, inventory_pushed, failed_dependency, error, started_at, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10, $11)`,
		run.RunID, run.StoreID, string(run.Mode), string(run.Status),
		run.SKUs, run.ItemsPushed, run.InventoryPushed,
		string(run.FailedDep), run.Err, run.Started, run.Duration.Milliseconds(),
	)
	if err != nil {
		s.log.Warn("history insert failed", "run", run.RunID, "error", err.Error())
		return
	}
	s.prune()
}

func (s *Sink) prune() {
	if s.retain <= 0 {
		return
	}
	_, err := s.db.Exec(
		`DELETE FROM sweep_runs WHERE id < (
		   SELECT COALESCE(MIN(id), 0) FROM (
		     SELECT id FROM sweep_runs ORDER BY id DESC LIMIT $1
		   ) keep)`,
		s.retain,
	)
	if err != nil {
		s.log.Warn("history prune failed", "error", err.Error())
	}
}

// RecentRuns returns the newest rows, newest first. Nil sink returns nil.
func (s *Sink) RecentRuns(limit int) ([]model.RunResult, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT run_id, store_id, mode, status, skus, items_pushed, inventory_pushed,
		        COALESCE(failed_dependency, ''), COALESCE(error, ''), started_at, duration_ms
		 FROM sweep_runs ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("history query failed: %w", err)
	}
	defer rows.Close()

	var out []model.RunResult
	for rows.Next() {
		var r model.RunResult
		var mode, status, dep string
		var durationMs int64
		if err := rows.Scan(&r.RunID, &r.StoreID, &mode, &status, &r.SKUs,
			&r.ItemsPushed, &r.InventoryPushed, &dep, &r.Err, &r.Started, &durationMs); err != nil {
			return nil, fmt.Errorf("history scan failed: %w", err)
		}
		r.Mode = model.Mode(mode)
		r.Status = model.RunStatus(status)
		r.FailedDep = model.Dependency(dep)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}
