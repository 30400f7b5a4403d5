package state

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type storageSQLiteImpl struct {
	db *sql.DB
}

var _ Storage = (*storageSQLiteImpl)(nil)

// NewStorageSQLite opens or creates the database at path.
func NewStorageSQLite(path string) (*storageSQLiteImpl, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "creating state directory")
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	// A single connection serialises writers.
	db.SetMaxOpenConns(1)

	s := &storageSQLiteImpl{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating schema")
	}
	return s, nil
}

func (s *storageSQLiteImpl) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			repository TEXT NOT NULL,
			window_start TEXT NOT NULL,
			window_end TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			records INTEGER NOT NULL DEFAULT 0,
			failures INTEGER NOT NULL DEFAULT 0,
			dry_run INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_repository ON runs(repository, finished_at)`,
		`CREATE TABLE IF NOT EXISTS failures (
			repository TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			data TEXT,
			error TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			PRIMARY KEY (repository, resource_id)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrap(err, "executing schema statement")
		}
	}
	return nil
}

func (s *storageSQLiteImpl) Close() error {
	return s.db.Close()
}

// timeLayout has a fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s.String)
}

func (s *storageSQLiteImpl) RecordRun(ctx context.Context, run *Run) error {
	if run == nil {
		return errors.New("run is nil")
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	var finished sql.NullString
	if !run.FinishedAt.IsZero() {
		finished = sql.NullString{String: formatTime(run.FinishedAt), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, repository, window_start, window_end, started_at, finished_at, records, failures, dry_run)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at,
			records = excluded.records,
			failures = excluded.failures`,
		run.ID.String(), run.Repository, formatTime(run.Start), formatTime(run.End),
		formatTime(run.StartedAt), finished, run.Records, run.Failures, run.DryRun,
	)
	return errors.Wrapf(err, "recording run %s", run.ID)
}

func (s *storageSQLiteImpl) LastRun(ctx context.Context, repo string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, repository, window_start, window_end, started_at, finished_at, records, failures, dry_run
		FROM runs
		WHERE repository = ? AND finished_at IS NOT NULL AND dry_run = 0
		ORDER BY finished_at DESC LIMIT 1`,
		repo,
	)

	var run Run
	var id string
	var start, end, began, finished sql.NullString
	err := row.Scan(&id, &run.Repository, &start, &end, &began, &finished, &run.Records, &run.Failures, &run.DryRun)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading last run of %s", repo)
	}

	if run.ID, err = uuid.Parse(id); err != nil {
		return nil, errors.Wrapf(err, "invalid run id %q", id)
	}
	for _, t := range []struct {
		dst *time.Time
		src sql.NullString
	}{
		{&run.Start, start},
		{&run.End, end},
		{&run.StartedAt, began},
		{&run.FinishedAt, finished},
	} {
		if *t.dst, err = parseTime(t.src); err != nil {
			return nil, errors.Wrapf(err, "invalid timestamp in run %s", id)
		}
	}
	return &run, nil
}

func (s *storageSQLiteImpl) SaveFailures(ctx context.Context, failures []Failure) error {
	if len(failures) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO failures (repository, resource_id, data, error, timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(repository, resource_id) DO UPDATE SET
			data = excluded.data,
			error = excluded.error,
			timestamp = excluded.timestamp`,
	)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "preparing statement")
	}
	defer stmt.Close()

	for _, f := range failures {
		ts := f.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		var data sql.NullString
		if len(f.Data) > 0 {
			data = sql.NullString{String: string(f.Data), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, f.Repository, f.ResourceID, data, f.Error, formatTime(ts)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "saving failure of %s", f.ResourceID)
		}
	}
	return errors.Wrap(tx.Commit(), "committing failures")
}

func (s *storageSQLiteImpl) Failures(ctx context.Context, repo string) ([]Failure, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT resource_id, data, error, timestamp FROM failures
		WHERE repository = ? ORDER BY timestamp, resource_id`,
		repo,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "listing failures of %s", repo)
	}
	defer rows.Close()

	var failures []Failure
	for rows.Next() {
		f := Failure{Repository: repo}
		var data, ts sql.NullString
		if err := rows.Scan(&f.ResourceID, &data, &f.Error, &ts); err != nil {
			return nil, errors.Wrap(err, "scanning failure")
		}
		if data.Valid {
			f.Data = []byte(data.String)
		}
		if f.Timestamp, err = parseTime(ts); err != nil {
			return nil, errors.Wrapf(err, "invalid timestamp of failure %s", f.ResourceID)
		}
		failures = append(failures, f)
	}
	return failures, errors.Wrap(rows.Err(), "listing failures")
}

func (s *storageSQLiteImpl) ClearFailures(ctx context.Context, repo string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM failures WHERE repository = ? AND resource_id = ?`, repo, id); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "clearing failure of %s", id)
		}
	}
	return errors.Wrap(tx.Commit(), "committing")
}
