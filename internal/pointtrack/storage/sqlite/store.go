// Package sqlite persists refinement runs and their per-iteration track
// coordinates in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/trackrefine/internal/monitoring"
	"github.com/banshee-data/trackrefine/internal/pointtrack/refine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// FinalIteration selects the last stored iteration in TrackPoints.
const FinalIteration = -1

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

// Run describes one stored refinement call.
type Run struct {
	RunID         string          `json:"run_id"`
	Source        string          `json:"source,omitempty"`
	BatchSize     int             `json:"batch_size"`
	Frames        int             `json:"frames"`
	Tracks        int             `json:"tracks"`
	Iters         int             `json:"iters"`
	DownRatio     float64         `json:"down_ratio"`
	HasVisibility bool            `json:"has_visibility"`
	ConfigJSON    json.RawMessage `json:"config_json,omitempty"`
	CreatedAt     int64           `json:"created_at"`
}

// TrackPoint is one coordinate of one iteration. X and Y are NaN when the
// refined coordinate was not finite. Visibility is only set on the final
// iteration of runs that predicted it.
type TrackPoint struct {
	Iteration  int      `json:"iteration"`
	Batch      int      `json:"batch"`
	Frame      int      `json:"frame"`
	Track      int      `json:"track"`
	X          float64  `json:"x"`
	Y          float64  `json:"y"`
	Visibility *float64 `json:"visibility,omitempty"`
}

// Store wraps the run database.
type Store struct {
	db *sql.DB
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// Open opens (or creates) the database at path and applies connection
// pragmas. Call Migrate before use.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps foreign_keys and the in-memory database
	// consistent across statements.
	db.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Migrate applies all pending embedded migrations.
func (s *Store) Migrate() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// Closing m would close the shared *sql.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Version returns the applied schema version, or 0 before any migration.
func (s *Store) Version() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// SaveRun stores run and every iteration of pred in one transaction. An
// empty RunID is replaced with a new UUID; the stored id is returned.
func (s *Store) SaveRun(ctx context.Context, run Run, pred *refine.Prediction) (string, error) {
	if pred == nil || len(pred.Coords) == 0 {
		return "", fmt.Errorf("prediction has no coordinates")
	}
	final := pred.Final()
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.CreatedAt == 0 {
		run.CreatedAt = time.Now().UnixNano()
	}
	run.BatchSize, run.Frames, run.Tracks = final.B, final.S, final.N
	run.Iters = len(pred.Coords)
	run.HasVisibility = pred.Visibility != nil

	var cfg interface{}
	if len(run.ConfigJSON) > 0 {
		cfg = string(run.ConfigJSON)
	}

	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO refine_runs (
				run_id, source, batch_size, frames, tracks, iters,
				down_ratio, has_visibility, config_json, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, run.Source, run.BatchSize, run.Frames, run.Tracks, run.Iters,
			run.DownRatio, run.HasVisibility, cfg, run.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO refine_track_points (run_id, iteration, batch, frame, track, x, y, visibility)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare track points: %w", err)
		}
		defer stmt.Close()

		last := len(pred.Coords) - 1
		for it, c := range pred.Coords {
			for b := 0; b < c.B; b++ {
				for f := 0; f < c.S; f++ {
					for n := 0; n < c.N; n++ {
						x, y := c.XY(b, f, n)
						var vis interface{}
						if it == last && pred.Visibility != nil {
							vis = nullable(pred.Visibility.At(b, f, n))
						}
						if _, err := stmt.ExecContext(ctx, run.RunID, it, b, f, n, nullable(x), nullable(y), vis); err != nil {
							return fmt.Errorf("insert track point: %w", err)
						}
					}
				}
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	monitoring.Logf("[store] saved run %s (%d iterations, B=%d S=%d N=%d)",
		run.RunID, run.Iters, run.BatchSize, run.Frames, run.Tracks)
	return run.RunID, nil
}

const runColumns = `run_id, source, batch_size, frames, tracks, iters,
	down_ratio, has_visibility, config_json, created_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var cfg sql.NullString
	if err := row.Scan(&r.RunID, &r.Source, &r.BatchSize, &r.Frames, &r.Tracks, &r.Iters,
		&r.DownRatio, &r.HasVisibility, &cfg, &r.CreatedAt); err != nil {
		return nil, err
	}
	if cfg.Valid {
		r.ConfigJSON = json.RawMessage(cfg.String)
	}
	return &r, nil
}

// GetRun returns a single run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM refine_runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM refine_runs ORDER BY created_at DESC, run_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// TrackPoints returns the stored coordinates of one iteration ordered by
// (batch, frame, track). Pass FinalIteration for the last one.
func (s *Store) TrackPoints(ctx context.Context, runID string, iteration int) ([]TrackPoint, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if iteration == FinalIteration {
		iteration = run.Iters - 1
	}
	if iteration < 0 || iteration >= run.Iters {
		return nil, fmt.Errorf("iteration %d out of range for run %s (%d iterations)", iteration, runID, run.Iters)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT iteration, batch, frame, track, x, y, visibility
		FROM refine_track_points
		WHERE run_id = ? AND iteration = ?
		ORDER BY batch, frame, track`, runID, iteration)
	if err != nil {
		return nil, fmt.Errorf("query track points: %w", err)
	}
	defer rows.Close()

	points := make([]TrackPoint, 0, run.BatchSize*run.Frames*run.Tracks)
	for rows.Next() {
		var p TrackPoint
		var x, y, vis sql.NullFloat64
		if err := rows.Scan(&p.Iteration, &p.Batch, &p.Frame, &p.Track, &x, &y, &vis); err != nil {
			return nil, fmt.Errorf("scan track point: %w", err)
		}
		p.X, p.Y = orNaN(x), orNaN(y)
		if vis.Valid {
			v := vis.Float64
			p.Visibility = &v
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// DeleteRun removes a run and its track points.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	return retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM refine_runs WHERE run_id = ?`, runID)
		if err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil
	})
}

// nullable maps non-finite values to NULL.
func nullable(v float64) interface{} {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

const (
	busyRetries = 5
	busyBackoff = 20 * time.Millisecond
)

// retryOnBusy re-runs fn while SQLite reports a locked database.
func retryOnBusy(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		if err = fn(); err == nil || !isBusy(err) {
			return err
		}
		monitoring.Debugf("[store] database busy, retry %d/%d", attempt+1, busyRetries)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(busyBackoff * time.Duration(attempt+1)):
		}
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
