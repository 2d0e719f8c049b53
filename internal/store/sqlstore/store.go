// Package sqlstore implements job.Store and job.ArtifactStore on
// database/sql, backed by SQLite (modernc.org/sqlite) or Postgres (lib/pq).
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"trainingjobs/internal/apperrors"
	"trainingjobs/internal/job"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const jobColumns = `id, user_id, request_token, external_id, state, payload, result, error, reason,
	poll_count, poll_retries, next_poll_at, claimed_until, fanout_pending, version, created_at, updated_at`

// Store is a SQL-backed job and artifact store.
type Store struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// Open connects to the database and applies the schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", driver, err)
	}
	if driver == DriverSQLite {
		// A single connection serialises writers and keeps in-memory databases alive.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, driver: driver, logger: slog.With("component", "sqlstore", "driver", driver)}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Info("Store opened")
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create inserts a job. A conflicting (user, request token) pair returns the
// existing job with apperrors.ErrDuplicateRequest.
func (s *Store) Create(ctx context.Context, j *job.Job) (*job.Job, error) {
	stored := j.Clone()
	stored.Version = 1

	row, err := encodeJob(stored)
	if err != nil {
		return nil, err
	}
	res, err := s.exec(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`, row...)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return stored, nil
	}

	if j.RequestToken != "" {
		existing, err := s.scanOne(ctx, `SELECT `+jobColumns+` FROM jobs WHERE user_id = ? AND request_token = ?`, j.UserID, j.RequestToken)
		if err == nil {
			return existing, apperrors.DuplicateRequest("job", existing.ID)
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
	}
	return nil, apperrors.Conflict("job", j.ID, "job already exists")
}

// Get returns a job by ID.
func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := s.scanOne(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.NotFound("job", id)
	}
	return j, err
}

// Update reads the job, applies mutate and writes it back guarded by the
// previous state and version.
func (s *Store) Update(ctx context.Context, id string, from job.State, mutate func(*job.Job) error) (*job.Job, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.State != from {
		return nil, apperrors.Conflict("job", id, fmt.Sprintf("expected state %s, found %s", from, cur.State))
	}

	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := job.ValidateTransition(from, next.State); err != nil {
		return nil, apperrors.Conflict("job", id, err.Error())
	}
	next.ID = cur.ID
	next.UserID = cur.UserID
	next.RequestToken = cur.RequestToken
	next.CreatedAt = cur.CreatedAt
	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now().UTC()

	payload, err := json.Marshal(next.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	result, err := encodeResult(next.Result)
	if err != nil {
		return nil, err
	}

	res, err := s.exec(ctx, `UPDATE jobs SET
			external_id = ?, state = ?, payload = ?, result = ?, error = ?, reason = ?,
			poll_count = ?, poll_retries = ?, next_poll_at = ?, claimed_until = ?, fanout_pending = ?,
			version = ?, updated_at = ?
		WHERE id = ? AND state = ? AND version = ?`,
		next.ExternalID, string(next.State), string(payload), result, next.Error, string(next.Reason),
		next.PollCount, next.PollRetries, toNanos(next.NextPollAt), toNanos(next.ClaimedUntil), boolToInt(next.FanOutPending),
		next.Version, toNanos(next.UpdatedAt),
		id, string(from), cur.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperrors.Conflict("job", id, "concurrent update")
	}
	return next, nil
}

// ListDue returns jobs with scheduled work at or before now, oldest schedule first.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	n := toNanos(now)
	return s.scanMany(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE next_poll_at > 0 AND next_poll_at <= ? AND claimed_until <= ?
		  AND (state IN (?, ?) OR (state = ? AND fanout_pending = 1))
		ORDER BY next_poll_at
		LIMIT ?`,
		n, n, string(job.StateSubmitted), string(job.StatePolling), string(job.StateCompleted), limit)
}

// ListByUser returns a user's jobs, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]*job.Job, error) {
	return s.scanMany(ctx, `SELECT `+jobColumns+` FROM jobs WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanOne(ctx context.Context, query string, args ...any) (*job.Job, error) {
	j, err := scanJob(s.queryRow(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	return j, err
}

func (s *Store) scanMany(ctx context.Context, query string, args ...any) ([]*job.Job, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanJob(row scanner) (*job.Job, error) {
	var (
		j                                  job.Job
		token, result                      sql.NullString
		state, reason, payload             string
		nextPoll, claimed, created, update int64
		fanOut                             int
	)
	err := row.Scan(&j.ID, &j.UserID, &token, &j.ExternalID, &state, &payload, &result, &j.Error, &reason,
		&j.PollCount, &j.PollRetries, &nextPoll, &claimed, &fanOut, &j.Version, &created, &update)
	if err != nil {
		return nil, err
	}

	j.RequestToken = token.String
	j.State = job.State(state)
	j.Reason = job.Reason(reason)
	j.NextPollAt = fromNanos(nextPoll)
	j.ClaimedUntil = fromNanos(claimed)
	j.FanOutPending = fanOut != 0
	j.CreatedAt = fromNanos(created)
	j.UpdatedAt = fromNanos(update)

	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of job %s: %w", j.ID, err)
	}
	if result.Valid && result.String != "" {
		j.Result = &job.Result{}
		if err := json.Unmarshal([]byte(result.String), j.Result); err != nil {
			return nil, fmt.Errorf("decode result of job %s: %w", j.ID, err)
		}
	}
	return &j, nil
}

func encodeJob(j *job.Job) ([]any, error) {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	result, err := encodeResult(j.Result)
	if err != nil {
		return nil, err
	}
	token := sql.NullString{String: j.RequestToken, Valid: j.RequestToken != ""}
	return []any{
		j.ID, j.UserID, token, j.ExternalID, string(j.State), string(payload), result, j.Error, string(j.Reason),
		j.PollCount, j.PollRetries, toNanos(j.NextPollAt), toNanos(j.ClaimedUntil), boolToInt(j.FanOutPending),
		j.Version, toNanos(j.CreatedAt), toNanos(j.UpdatedAt),
	}, nil
}

func encodeResult(r *job.Result) (sql.NullString, error) {
	if r == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode result: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
