package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ AttemptStore = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite job store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile builds a DSN for an on-disk journal.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite job store: empty path")
	}
	// WAL for concurrent readers + writer. busy_timeout to avoid transient SQLITE_BUSY.
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Upsert(ctx context.Context, record AttemptRecord) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite job store: db is nil")
	}
	record = normalizeRecord(record)
	if record.Kind == "" || record.Attempt == 0 {
		return errors.New("sqlite job store: kind and attempt are required")
	}
	attempt, err := uint64ToInt64(record.Attempt)
	if err != nil {
		return errors.Wrap(err, "sqlite job store: attempt overflow")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_attempts (
			session_id, kind, attempt, status, submitted_at_ms, settled_at_ms, result_ref, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, kind, attempt) DO UPDATE SET
			status = CASE
				WHEN excluded.status <> '' THEN excluded.status
				ELSE job_attempts.status
			END,
			submitted_at_ms = CASE
				WHEN job_attempts.submitted_at_ms > 0 THEN job_attempts.submitted_at_ms
				ELSE excluded.submitted_at_ms
			END,
			settled_at_ms = CASE
				WHEN excluded.settled_at_ms > 0 THEN excluded.settled_at_ms
				ELSE job_attempts.settled_at_ms
			END,
			result_ref = CASE
				WHEN excluded.result_ref <> '' THEN excluded.result_ref
				ELSE job_attempts.result_ref
			END,
			error = CASE
				WHEN excluded.error <> '' THEN excluded.error
				ELSE job_attempts.error
			END
	`, record.SessionID, record.Kind, attempt, record.Status, record.SubmittedAtMs, record.SettledAtMs, record.ResultRef, record.Error)
	if err != nil {
		return errors.Wrap(err, "sqlite job store: upsert attempt")
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, sessionID, kind string, attempt uint64) (AttemptRecord, bool, error) {
	if s == nil || s.db == nil {
		return AttemptRecord{}, false, errors.New("sqlite job store: db is nil")
	}
	n, err := uint64ToInt64(attempt)
	if err != nil {
		return AttemptRecord{}, false, err
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE session_id = ? AND kind = ? AND attempt = ?
	`, strings.TrimSpace(sessionID), strings.TrimSpace(kind), n)
	if err != nil {
		return AttemptRecord{}, false, errors.Wrap(err, "sqlite job store: get attempt")
	}
	records, err := scanRecords(rows)
	if err != nil {
		return AttemptRecord{}, false, err
	}
	if len(records) == 0 {
		return AttemptRecord{}, false, nil
	}
	return records[0], true, nil
}

func (s *SQLiteStore) List(ctx context.Context, kind string, limit int) ([]AttemptRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite job store: db is nil")
	}
	limit = normalizeLimit(limit)
	kind = strings.TrimSpace(kind)

	var (
		rows *sql.Rows
		err  error
	)
	if kind == "" {
		rows, err = s.db.QueryContext(ctx, selectColumns+`
			ORDER BY submitted_at_ms DESC, attempt DESC
			LIMIT ?
		`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, selectColumns+`
			WHERE kind = ?
			ORDER BY submitted_at_ms DESC, attempt DESC
			LIMIT ?
		`, kind, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlite job store: list attempts")
	}
	return scanRecords(rows)
}

const selectColumns = `
	SELECT session_id, kind, attempt, status, submitted_at_ms, settled_at_ms, result_ref, error
	FROM job_attempts`

func scanRecords(rows *sql.Rows) ([]AttemptRecord, error) {
	defer func() { _ = rows.Close() }()
	var out []AttemptRecord
	for rows.Next() {
		var (
			r       AttemptRecord
			attempt int64
		)
		if err := rows.Scan(&r.SessionID, &r.Kind, &attempt, &r.Status, &r.SubmittedAtMs, &r.SettledAtMs, &r.ResultRef, &r.Error); err != nil {
			return nil, errors.Wrap(err, "sqlite job store: scan attempt")
		}
		n, err := int64ToUint64(attempt)
		if err != nil {
			return nil, err
		}
		r.Attempt = n
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite job store: iterate attempts")
	}
	return out, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_attempts (
		  session_id TEXT NOT NULL DEFAULT '',
		  kind TEXT NOT NULL,
		  attempt INTEGER NOT NULL,
		  status TEXT NOT NULL,
		  submitted_at_ms INTEGER NOT NULL DEFAULT 0,
		  settled_at_ms INTEGER NOT NULL DEFAULT 0,
		  result_ref TEXT NOT NULL DEFAULT '',
		  error TEXT NOT NULL DEFAULT '',
		  PRIMARY KEY (session_id, kind, attempt)
		);`,
		`CREATE INDEX IF NOT EXISTS job_attempts_by_submitted
		  ON job_attempts(kind, submitted_at_ms DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite job store: migrate")
		}
	}
	return nil
}

func uint64ToInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, errors.Errorf("value %d overflows int64", v)
	}
	return int64(v), nil
}

func int64ToUint64(v int64) (uint64, error) {
	if v < 0 {
		return 0, errors.Errorf("value %d cannot be represented as uint64", v)
	}
	return uint64(v), nil
}
