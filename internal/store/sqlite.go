package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/unidenoise/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id              TEXT PRIMARY KEY,
    status          TEXT NOT NULL,
    model_name      TEXT NOT NULL,
    model_type      TEXT NOT NULL,
    steps           INTEGER NOT NULL,
    seed            INTEGER NOT NULL,
    width           INTEGER NOT NULL,
    height          INTEGER NOT NULL,
    extensions      TEXT NOT NULL DEFAULT '[]',
    request         BLOB,
    latents_name    TEXT NOT NULL DEFAULT '',
    steps_completed INTEGER NOT NULL DEFAULT 0,
    error           TEXT NOT NULL DEFAULT '',
    timeout_s       INTEGER,
    duration_ms     INTEGER,
    created_at      DATETIME NOT NULL,
    started_at      DATETIME,
    finished_at     DATETIME
)`

const createStepEventsTable = `
CREATE TABLE IF NOT EXISTS step_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL REFERENCES runs(id),
    step_index  INTEGER NOT NULL,
    timestep    REAL NOT NULL,
    guidance    REAL NOT NULL,
    latent_mean REAL NOT NULL,
    latent_std  REAL NOT NULL,
    created_at  DATETIME NOT NULL
)`

const createStepEventsIndex = `
CREATE INDEX IF NOT EXISTS idx_step_events_run ON step_events(run_id, step_index)`

const createLatentsTable = `
CREATE TABLE IF NOT EXISTS latents (
    name       TEXT PRIMARY KEY,
    run_id     TEXT NOT NULL,
    data       BLOB NOT NULL,
    created_at DATETIME NOT NULL
)`

var migrations = []struct {
	name string
	stmt string
}{
	{"runs table", createRunsTable},
	{"step_events table", createStepEventsTable},
	{"step_events index", createStepEventsIndex},
	{"latents table", createLatentsTable},
}

const runColumns = `id, status, model_name, model_type, steps, seed, width, height,
	extensions, request, latents_name, steps_completed, error, timeout_s,
	duration_ms, created_at, started_at, finished_at`

// ErrNotFound is returned when a run or latents blob is not found.
var ErrNotFound = errors.New("not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, m := range migrations {
		if _, err := db.Exec(m.stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s: %w", m.name, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*model.Run, error) {
	r := &model.Run{}
	var exts string
	var request []byte
	err := sc.Scan(
		&r.ID, &r.Status, &r.ModelName, &r.ModelType, &r.Steps, &r.Seed, &r.Width, &r.Height,
		&exts, &request, &r.LatentsName, &r.StepsCompleted, &r.Error, &r.TimeoutS,
		&r.DurationMS, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(exts), &r.Extensions); err != nil {
		return nil, fmt.Errorf("decode extensions: %w", err)
	}
	if len(request) > 0 {
		r.Request = json.RawMessage(request)
	}
	return r, nil
}

func encodeExtensions(exts []string) (string, error) {
	if exts == nil {
		exts = []string{}
	}
	b, err := json.Marshal(exts)
	return string(b), err
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	exts, err := encodeExtensions(r.Extensions)
	if err != nil {
		return fmt.Errorf("encode extensions: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Status, r.ModelName, r.ModelType, r.Steps, r.Seed, r.Width, r.Height,
		exts, []byte(r.Request), r.LatentsName, r.StepsCompleted, r.Error, r.TimeoutS,
		r.DurationMS, r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a paginated list of runs ordered by created_at DESC,
// along with the total count of all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

func (s *SQLiteStore) currentStatus(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, id string) (string, error) {
	var status string
	err := q.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get run status: %w", err)
	}
	return status, nil
}

// UpdateRunStatus moves a run to status. Entering running sets started_at;
// entering a terminal status sets finished_at.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	cur, err := s.currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(cur, status) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, cur, status)
	}

	now := time.Now().UTC()
	switch {
	case status == model.StatusRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE runs SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	case model.IsTerminal(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE runs SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
	default:
		_, err = tx.ExecContext(ctx, "UPDATE runs SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return tx.Commit()
}

// UpdateRun writes every mutable field of r. A status change must be a
// valid transition.
func (s *SQLiteStore) UpdateRun(ctx context.Context, r *model.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	cur, err := s.currentStatus(ctx, tx, r.ID)
	if err != nil {
		return err
	}
	if cur != r.Status && !model.ValidTransition(cur, r.Status) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, cur, r.Status)
	}

	exts, err := encodeExtensions(r.Extensions)
	if err != nil {
		return fmt.Errorf("encode extensions: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, extensions = ?, latents_name = ?, steps_completed = ?,
			error = ?, duration_ms = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		r.Status, exts, r.LatentsName, r.StepsCompleted,
		r.Error, r.DurationMS, r.StartedAt, r.FinishedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return tx.Commit()
}

// GetRunStats aggregates counts by status and model type and averages over
// finished runs.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{
		CountByStatus:    make(map[string]int),
		CountByModelType: make(map[string]int),
	}

	groups := []struct {
		column string
		into   map[string]int
	}{
		{"status", stats.CountByStatus},
		{"model_type", stats.CountByModelType},
	}
	for _, g := range groups {
		rows, err := s.db.QueryContext(ctx,
			"SELECT "+g.column+", COUNT(*) FROM runs GROUP BY "+g.column)
		if err != nil {
			return nil, fmt.Errorf("count by %s: %w", g.column, err)
		}
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s count: %w", g.column, err)
			}
			g.into[key] = n
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate %s counts: %w", g.column, err)
		}
	}
	for _, n := range stats.CountByStatus {
		stats.Total += n
	}

	var avgDur, avgSteps sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT AVG(duration_ms), AVG(steps_completed) FROM runs
		WHERE status IN (?, ?, ?)`,
		model.StatusCompleted, model.StatusCanceled, model.StatusFailed,
	).Scan(&avgDur, &avgSteps)
	if err != nil {
		return nil, fmt.Errorf("average run stats: %w", err)
	}
	stats.AvgDurationMS = avgDur.Float64
	stats.AvgSteps = avgSteps.Float64

	return stats, nil
}

// InsertStepEvent appends a step event. ev.ID is set from the insert.
func (s *SQLiteStore) InsertStepEvent(ctx context.Context, ev *model.StepEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO step_events (run_id, step_index, timestep, guidance, latent_mean, latent_std, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.StepIndex, ev.Timestep, ev.Guidance, ev.LatentMean, ev.LatentStd, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert step event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

// GetStepEvents returns a run's step events in step order.
func (s *SQLiteStore) GetStepEvents(ctx context.Context, runID string) ([]model.StepEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_index, timestep, guidance, latent_mean, latent_std, created_at
		FROM step_events WHERE run_id = ? ORDER BY step_index, id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get step events: %w", err)
	}
	defer rows.Close()

	var events []model.StepEvent
	for rows.Next() {
		var ev model.StepEvent
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.StepIndex, &ev.Timestep, &ev.Guidance,
			&ev.LatentMean, &ev.LatentStd, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan step event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate step events: %w", err)
	}
	return events, nil
}
