// Package job provides the PostgreSQL-backed job store used when durable
// job records are configured. It implements the same Store contract as the
// in-memory store, with claims serialized via FOR UPDATE SKIP LOCKED.
package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"

	"github.com/proximet/mediacdn/internal/model"
	"github.com/proximet/mediacdn/internal/queue"
)

const jobColumns = `id, file_path, directive, cache_key, status, priority, progress, error, created_at, started_at, completed_at`

// Repository persists jobs in PostgreSQL.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a Repository on the given database.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a job. The partial unique index on live cache keys turns a
// concurrent duplicate into a no-op insert, reported as ErrDuplicateJob.
func (r *Repository) Create(ctx context.Context, job model.Job) error {
	query := `
		INSERT INTO jobs (id, file_path, directive, cache_key, status, priority, progress, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING
	`

	res, err := r.db.ExecContext(
		ctx, query,
		job.ID, job.FilePath, job.Directive, job.CacheKey,
		job.Status, job.Priority, job.Progress, nullString(job.Error), job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create: failed to insert job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create: failed to read rows affected: %w", err)
	}
	if n == 0 {
		return queue.ErrDuplicateJob
	}

	return nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(r.db.Master.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Job{}, queue.ErrJobNotFound
		}
		return model.Job{}, fmt.Errorf("get: failed to get job: %w", err)
	}

	return job, nil
}

func (r *Repository) GetByCacheKey(ctx context.Context, key string) (model.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE cache_key = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	job, err := scanJob(r.db.Master.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Job{}, queue.ErrJobNotFound
		}
		return model.Job{}, fmt.Errorf("get by key: failed to get job: %w", err)
	}

	return job, nil
}

func (r *Repository) Claim(ctx context.Context) (model.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1, started_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $2
			ORDER BY priority, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.Master.QueryRowContext(ctx, query, model.StatusProcessing, model.StatusPending))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Job{}, queue.ErrNoPendingJobs
		}
		return model.Job{}, fmt.Errorf("claim: failed to claim job: %w", err)
	}

	return job, nil
}

func (r *Repository) Transition(ctx context.Context, id uuid.UUID, mutate func(model.Job) (model.Job, error)) (model.Job, error) {
	tx, err := r.db.Master.BeginTx(ctx, nil)
	if err != nil {
		return model.Job{}, fmt.Errorf("transition: failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 FOR UPDATE`

	job, err := scanJob(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Job{}, queue.ErrJobNotFound
		}
		return model.Job{}, fmt.Errorf("transition: failed to lock job: %w", err)
	}

	updated, err := mutate(job)
	if err != nil {
		return model.Job{}, err
	}

	update := `
		UPDATE jobs
		SET status = $2, progress = $3, error = $4, started_at = $5, completed_at = $6
		WHERE id = $1
	`
	if _, err := tx.ExecContext(
		ctx, update,
		updated.ID, updated.Status, updated.Progress, nullString(updated.Error),
		updated.StartedAt, updated.CompletedAt,
	); err != nil {
		return model.Job{}, fmt.Errorf("transition: failed to update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Job{}, fmt.Errorf("transition: failed to commit: %w", err)
	}

	return updated, nil
}

func (r *Repository) List(ctx context.Context, status model.Status, limit int) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := r.db.Master.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list: failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list: failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

func (r *Repository) Delete(ctx context.Context, id uuid.UUID, guard func(model.Job) error) error {
	tx, err := r.db.Master.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete: failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 FOR UPDATE`

	job, err := scanJob(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return queue.ErrJobNotFound
		}
		return fmt.Errorf("delete: failed to lock job: %w", err)
	}

	if err := guard(job); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete: failed to delete job: %w", err)
	}

	return tx.Commit()
}

func (r *Repository) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := r.db.Master.QueryContext(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("stats: failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.Status]int)
	for rows.Next() {
		var status model.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("stats: failed to scan count: %w", err)
		}
		counts[status] = n
	}

	return counts, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s scanner) (model.Job, error) {
	var (
		job    model.Job
		errMsg sql.NullString
	)
	err := s.Scan(
		&job.ID, &job.FilePath, &job.Directive, &job.CacheKey,
		&job.Status, &job.Priority, &job.Progress, &errMsg,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		return model.Job{}, err
	}
	job.Error = errMsg.String
	return job, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
