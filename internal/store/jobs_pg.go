package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"credit-processing-service/internal/jobs"
	"credit-processing-service/internal/models"
)

// Create inserts a new job row.
func (s *Store) Create(ctx context.Context, job models.Job) error {
	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, owner, role, input_ref, params, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, job.ID, job.Owner, job.Role, job.InputRef, paramsJSON, job.Status, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get fetches a job by id.
func (s *Store) Get(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner, role, input_ref, params, status, result, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, notFound(err)
	}
	return job, nil
}

// SetStatus updates status, result, and updated_at in one statement.
// A nil result leaves the column NULL.
func (s *Store) SetStatus(ctx context.Context, id, status string, result map[string]any) error {
	var resultJSON []byte
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = b
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, result = $3, updated_at = NOW() WHERE id = $1
	`, id, status, resultJSON)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

var jobSortColumns = map[string]string{
	jobs.SortCreatedAt: "created_at",
	jobs.SortUpdatedAt: "updated_at",
	jobs.SortStatus:    "status",
}

// List returns one page of jobs plus the total match count. Ties on the
// sort column break by ascending id so pagination stays deterministic.
func (s *Store) List(ctx context.Context, q jobs.ListQuery) ([]models.Job, int64, error) {
	where := " WHERE 1=1"
	args := []any{}
	if q.Owner != "" {
		args = append(args, q.Owner)
		where += fmt.Sprintf(" AND owner = $%d", len(args))
	}
	if q.Status != "" {
		args = append(args, q.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	col, ok := jobSortColumns[q.SortBy]
	if !ok {
		col = "created_at"
	}
	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	size := q.PageSize
	if size <= 0 {
		size = 20
	}
	args = append(args, size, (page-1)*size)
	query := fmt.Sprintf(`
		SELECT id, owner, role, input_ref, params, status, result, created_at, updated_at
		FROM jobs%s ORDER BY %s %s, id ASC LIMIT $%d OFFSET $%d
	`, where, col, dir, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, job)
	}
	return out, total, rows.Err()
}

// Delete removes a job; the outcomes FK cascades.
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var paramsJSON, resultJSON []byte
	if err := row.Scan(&job.ID, &job.Owner, &job.Role, &job.InputRef, &paramsJSON,
		&job.Status, &resultJSON, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(paramsJSON, &job.Params); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal params: %w", err)
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return job, nil
}
