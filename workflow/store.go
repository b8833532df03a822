package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists jobs and their audit trail in sqlite.
type Store struct {
	db *sql.DB
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS sql_jobs (
	id           TEXT PRIMARY KEY,
	source_query TEXT NOT NULL,
	sql_text     TEXT NOT NULL DEFAULT '',
	target       TEXT NOT NULL DEFAULT '',
	state        TEXT NOT NULL,
	version      INTEGER NOT NULL DEFAULT 1,
	error        TEXT NOT NULL DEFAULT '',
	result_json  TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sql_jobs_source ON sql_jobs(source_query, state);

CREATE TABLE IF NOT EXISTS sql_job_transitions (
	job_id     TEXT NOT NULL REFERENCES sql_jobs(id),
	seq        INTEGER NOT NULL,
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	actor      TEXT NOT NULL DEFAULT '',
	note       TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	PRIMARY KEY (job_id, seq)
);
`

// NewStore opens (or creates) the job database at path.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open job db: %w", err)
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate job db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// Create inserts a new job and its first audit record.
func (s *Store) Create(ctx context.Context, job *Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sql_jobs (id, source_query, sql_text, target, state, version, error, result_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, '', ?, ?)`,
		job.ID, job.SourceQuery, job.SQL, job.Target, string(job.State), job.Error,
		ts(job.CreatedAt), ts(job.UpdatedAt),
	); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sql_job_transitions (job_id, seq, from_state, to_state, actor, note, created_at)
		 VALUES (?, 1, '', ?, ?, 'created', ?)`,
		job.ID, string(job.State), "system", ts(job.CreatedAt),
	); err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	job.Version = 1
	return tx.Commit()
}

// Get loads a job by ID.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source_query, sql_text, target, state, version, error, result_json, created_at, updated_at
		 FROM sql_jobs WHERE id = ?`, id)
	return scanJob(row)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var state, created, updated string
	err := row.Scan(&j.ID, &j.SourceQuery, &j.SQL, &j.Target, &state, &j.Version, &j.Error, &j.ResultJSON, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.State = State(state)
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &j, nil
}

// update carries the mutable columns applied alongside a transition.
type update struct {
	SQL        *string
	Error      *string
	ResultJSON *string
}

// Transition moves a job from its expected version to a new state with a
// compare-and-swap on the version column. A zero row count means another
// actor got there first and the caller sees ErrConflict; this is the
// per-job single-writer guard, so unrelated jobs never contend.
func (s *Store) Transition(ctx context.Context, id string, expectVersion int64, from, to State, actor, note string, upd update) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	now := ts(time.Now())
	set := `state = ?, version = version + 1, updated_at = ?`
	args := []any{string(to), now}
	if upd.SQL != nil {
		set += `, sql_text = ?`
		args = append(args, *upd.SQL)
	}
	if upd.Error != nil {
		set += `, error = ?`
		args = append(args, *upd.Error)
	}
	if upd.ResultJSON != nil {
		set += `, result_json = ?`
		args = append(args, *upd.ResultJSON)
	}
	args = append(args, id, expectVersion, string(from))

	res, err := tx.ExecContext(ctx,
		`UPDATE sql_jobs SET `+set+` WHERE id = ? AND version = ? AND state = ?`, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Distinguish a missing job from a lost race.
		var one int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM sql_jobs WHERE id = ?`, id).Scan(&one); errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return ErrConflict
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sql_job_transitions (job_id, seq, from_state, to_state, actor, note, created_at)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM sql_job_transitions WHERE job_id = ?), ?, ?, ?, ?, ?)`,
		id, id, string(from), string(to), actor, note, now,
	); err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return tx.Commit()
}

// Transitions returns a job's audit trail in order.
func (s *Store) Transitions(ctx context.Context, id string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, seq, from_state, to_state, actor, note, created_at
		 FROM sql_job_transitions WHERE job_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var from, to, created string
		if err := rows.Scan(&t.JobID, &t.Seq, &from, &to, &t.Actor, &t.Note, &created); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.From = State(from)
		t.To = State(to)
		t.At, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, t)
	}
	return out, rows.Err()
}

// LatestExecutedBySource returns the most recently executed job for a
// normalized source query, if any. Hybrid requests use this to reuse
// approved results without triggering execution.
func (s *Store) LatestExecutedBySource(ctx context.Context, sourceQuery string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source_query, sql_text, target, state, version, error, result_json, created_at, updated_at
		 FROM sql_jobs WHERE source_query = ? AND state = ? ORDER BY updated_at DESC LIMIT 1`,
		sourceQuery, string(StateExecuted))
	return scanJob(row)
}
