package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"trainingjobs/internal/job"
)

// SaveMetric inserts the job's metric unless one exists.
func (s *Store) SaveMetric(ctx context.Context, m *job.Metric) (bool, error) {
	return s.insertOnce(ctx, `INSERT INTO metrics (job_id, user_id, model_type, dataset, name, value, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		m.JobID, m.UserID, m.ModelType, m.Dataset, m.Name, m.Value, toNanos(m.CreatedAt))
}

// SaveABResult inserts the job's A/B result unless one exists.
func (s *Store) SaveABResult(ctx context.Context, r *job.ABResult) (bool, error) {
	return s.insertOnce(ctx, `INSERT INTO ab_results (job_id, user_id, model_a, model_b, performance_a, performance_b, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		r.JobID, r.UserID, r.ModelA, r.ModelB, r.PerformanceA, r.PerformanceB, toNanos(r.CreatedAt))
}

// SaveTuningResult inserts the job's tuning result unless one exists.
func (s *Store) SaveTuningResult(ctx context.Context, r *job.TuningResult) (bool, error) {
	params, err := json.Marshal(r.BestHyperparameters)
	if err != nil {
		return false, fmt.Errorf("encode hyperparameters: %w", err)
	}
	return s.insertOnce(ctx, `INSERT INTO tuning_results (job_id, user_id, best_hyperparameters, performance, created_at)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		r.JobID, r.UserID, string(params), r.Performance, toNanos(r.CreatedAt))
}

func (s *Store) insertOnce(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetArtifacts returns whatever records exist for the job.
func (s *Store) GetArtifacts(ctx context.Context, jobID string) (*job.DerivedArtifact, error) {
	out := &job.DerivedArtifact{}

	var (
		m       job.Metric
		created int64
	)
	err := s.queryRow(ctx, `SELECT job_id, user_id, model_type, dataset, name, value, created_at FROM metrics WHERE job_id = ?`, jobID).
		Scan(&m.JobID, &m.UserID, &m.ModelType, &m.Dataset, &m.Name, &m.Value, &created)
	switch {
	case err == nil:
		m.CreatedAt = fromNanos(created)
		out.Metric = &m
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("get metric: %w", err)
	}

	var ab job.ABResult
	err = s.queryRow(ctx, `SELECT job_id, user_id, model_a, model_b, performance_a, performance_b, created_at FROM ab_results WHERE job_id = ?`, jobID).
		Scan(&ab.JobID, &ab.UserID, &ab.ModelA, &ab.ModelB, &ab.PerformanceA, &ab.PerformanceB, &created)
	switch {
	case err == nil:
		ab.CreatedAt = fromNanos(created)
		out.ABResult = &ab
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("get ab result: %w", err)
	}

	var (
		tr     job.TuningResult
		params string
	)
	err = s.queryRow(ctx, `SELECT job_id, user_id, best_hyperparameters, performance, created_at FROM tuning_results WHERE job_id = ?`, jobID).
		Scan(&tr.JobID, &tr.UserID, &params, &tr.Performance, &created)
	switch {
	case err == nil:
		tr.CreatedAt = fromNanos(created)
		if err := json.Unmarshal([]byte(params), &tr.BestHyperparameters); err != nil {
			return nil, fmt.Errorf("decode hyperparameters: %w", err)
		}
		out.TuningResult = &tr
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("get tuning result: %w", err)
	}

	return out, nil
}

// ListMetrics returns a user's metrics, newest first.
func (s *Store) ListMetrics(ctx context.Context, userID string, limit int) ([]job.Metric, error) {
	rows, err := s.query(ctx, `SELECT job_id, user_id, model_type, dataset, name, value, created_at
		FROM metrics WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	var out []job.Metric
	for rows.Next() {
		var (
			m       job.Metric
			created int64
		)
		if err := rows.Scan(&m.JobID, &m.UserID, &m.ModelType, &m.Dataset, &m.Name, &m.Value, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = fromNanos(created)
		out = append(out, m)
	}
	return out, rows.Err()
}
