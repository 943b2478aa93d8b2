// Package runlog persists the logging stream of training runs: scalar
// metrics and plot artifacts keyed by run, fold and step, in SQLite.
package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // SQLite driver
)

// Run statuses.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Run is one invocation of the trainer.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	Device     string
	Config     string // the effective configuration, as TOML
}

// Scalar is one logged metric value.
type Scalar struct {
	RunID      string
	Tag        string
	Fold       int
	Step       int
	Value      float64
	RecordedAt time.Time
}

// Artifact is a file produced by a run, such as a rendered plot.
type Artifact struct {
	RunID      string
	Fold       int
	Epoch      int
	Kind       string
	Path       string
	RecordedAt time.Time
}

// Log is a handle on the run log database.
type Log struct {
	conn *sql.DB
	now  func() time.Time
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.New().String()
}

// Open creates the database file if needed, applies pending migrations and
// opens the log.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create run log directory")
	}

	mgr, err := NewMigrator(path)
	if err != nil {
		return nil, err
	}
	if err := mgr.Up(); err != nil {
		_ = mgr.Close()
		return nil, err
	}
	if err := mgr.Close(); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open run log")
	}
	// One writer; SQLite serialises writes anyway.
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "ping run log")
	}
	return &Log{conn: conn, now: time.Now}, nil
}

// Close closes the database.
func (l *Log) Close() error {
	return l.conn.Close()
}

// StartRun records a new run in the running state.
func (l *Log) StartRun(ctx context.Context, id, device, config string) (Run, error) {
	run := Run{ID: id, StartedAt: l.now(), Status: StatusRunning, Device: device, Config: config}
	_, err := l.conn.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, status, device, config) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UnixNano(), run.Status, run.Device, run.Config)
	if err != nil {
		return Run{}, errors.Wrapf(err, "start run %s", id)
	}
	return run, nil
}

// FinishRun marks a run finished or failed.
func (l *Log) FinishRun(ctx context.Context, id, status string) error {
	res, err := l.conn.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		status, l.now().UnixNano(), id)
	if err != nil {
		return errors.Wrapf(err, "finish run %s", id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrap(ErrNotFound, id)
	}
	return nil
}

// GetRun loads one run.
func (l *Log) GetRun(ctx context.Context, id string) (Run, error) {
	row := l.conn.QueryRowContext(ctx,
		`SELECT id, started_at, finished_at, status, device, config FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, errors.Wrap(ErrNotFound, id)
	}
	return run, err
}

// Runs lists every run, newest first.
func (l *Log) Runs(ctx context.Context) ([]Run, error) {
	rows, err := l.conn.QueryContext(ctx,
		`SELECT id, started_at, finished_at, status, device, config FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, errors.Wrap(rows.Err(), "list runs")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		run      Run
		started  int64
		finished sql.NullInt64
	)
	if err := s.Scan(&run.ID, &started, &finished, &run.Status, &run.Device, &run.Config); err != nil {
		return Run{}, err
	}
	run.StartedAt = time.Unix(0, started)
	if finished.Valid {
		t := time.Unix(0, finished.Int64)
		run.FinishedAt = &t
	}
	return run, nil
}

// AddScalar appends a metric value. Non-finite values are rejected since
// SQLite cannot store them as REAL.
func (l *Log) AddScalar(ctx context.Context, s Scalar) error {
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return errors.Errorf("scalar %s fold %d step %d is not finite: %v", s.Tag, s.Fold, s.Step, s.Value)
	}
	if s.RecordedAt.IsZero() {
		s.RecordedAt = l.now()
	}
	_, err := l.conn.ExecContext(ctx,
		`INSERT INTO scalars (run_id, tag, fold, step, value, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		s.RunID, s.Tag, s.Fold, s.Step, s.Value, s.RecordedAt.UnixNano())
	return errors.Wrapf(err, "add scalar %s", s.Tag)
}

// Scalars returns the values of tag for one fold of a run, ordered by step.
func (l *Log) Scalars(ctx context.Context, runID, tag string, fold int) ([]Scalar, error) {
	rows, err := l.conn.QueryContext(ctx,
		`SELECT step, value, recorded_at FROM scalars
		 WHERE run_id = ? AND tag = ? AND fold = ?
		 ORDER BY step, id`, runID, tag, fold)
	if err != nil {
		return nil, errors.Wrapf(err, "query scalars %s", tag)
	}
	defer rows.Close()

	var out []Scalar
	for rows.Next() {
		s := Scalar{RunID: runID, Tag: tag, Fold: fold}
		var recorded int64
		if err := rows.Scan(&s.Step, &s.Value, &recorded); err != nil {
			return nil, errors.Wrap(err, "scan scalar")
		}
		s.RecordedAt = time.Unix(0, recorded)
		out = append(out, s)
	}
	return out, errors.Wrap(rows.Err(), "query scalars")
}

// AddArtifact records a produced file.
func (l *Log) AddArtifact(ctx context.Context, a Artifact) error {
	if a.RecordedAt.IsZero() {
		a.RecordedAt = l.now()
	}
	_, err := l.conn.ExecContext(ctx,
		`INSERT INTO artifacts (run_id, fold, epoch, kind, path, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.RunID, a.Fold, a.Epoch, a.Kind, a.Path, a.RecordedAt.UnixNano())
	return errors.Wrapf(err, "add artifact %s", a.Path)
}

// Artifacts lists a run's artifacts in the order they were recorded.
func (l *Log) Artifacts(ctx context.Context, runID string) ([]Artifact, error) {
	rows, err := l.conn.QueryContext(ctx,
		`SELECT fold, epoch, kind, path, recorded_at FROM artifacts WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "query artifacts")
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		a := Artifact{RunID: runID}
		var recorded int64
		if err := rows.Scan(&a.Fold, &a.Epoch, &a.Kind, &a.Path, &recorded); err != nil {
			return nil, errors.Wrap(err, "scan artifact")
		}
		a.RecordedAt = time.Unix(0, recorded)
		out = append(out, a)
	}
	return out, errors.Wrap(rows.Err(), "query artifacts")
}
