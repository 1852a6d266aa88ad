package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"credit-processing-service/internal/models"
)

// Append records an outcome and, for successes only, bumps the rolling
// aggregates in the same transaction so they can never diverge from the log
// they summarize. The mean is cumulative: avg' = avg + (d - avg) / n'.
func (s *Store) Append(ctx context.Context, o models.Outcome) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO outcomes (job_id, owner, input_ref, output_ref, duration_ms, success, error_message, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, o.JobID, o.Owner, o.InputRef, o.OutputRef, o.DurationMs, o.Success, o.ErrorMessage, o.RecordedAt); err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}

	if o.Success {
		if _, err := tx.Exec(ctx, `
			UPDATE processing_stats
			SET units_processed = units_processed + 1,
			    avg_duration_ms = avg_duration_ms + ($1 - avg_duration_ms) / (units_processed + 1),
			    updated_at = NOW()
			WHERE id = 1
		`, float64(o.DurationMs)); err != nil {
			return fmt.Errorf("update stats: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Stats reads the rolling aggregates.
func (s *Store) Stats(ctx context.Context) (models.Stats, error) {
	var st models.Stats
	err := s.pool.QueryRow(ctx, `
		SELECT units_processed, avg_duration_ms, updated_at FROM processing_stats WHERE id = 1
	`).Scan(&st.UnitsProcessed, &st.AvgDurationMs, &st.UpdatedAt)
	if err != nil {
		return models.Stats{}, fmt.Errorf("read stats: %w", err)
	}
	return st, nil
}

// Outcomes lists the outcome log for one owner, newest first.
func (s *Store) Outcomes(ctx context.Context, owner string, limit int) ([]models.Outcome, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, owner, input_ref, output_ref, duration_ms, success, error_message, recorded_at
		FROM outcomes WHERE owner = $1
		ORDER BY recorded_at DESC, id DESC LIMIT $2
	`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []models.Outcome
	for rows.Next() {
		var o models.Outcome
		if err := rows.Scan(&o.ID, &o.JobID, &o.Owner, &o.InputRef, &o.OutputRef,
			&o.DurationMs, &o.Success, &o.ErrorMessage, &o.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
