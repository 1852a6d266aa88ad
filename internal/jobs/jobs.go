package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"credit-processing-service/internal/models"
	"credit-processing-service/internal/telemetry"
)

// Facade owns every job mutation. It enforces the status machine in one
// place and routes persistence across the durable and fallback ports the
// same way the ledger facade does.
type Facade struct {
	durable  Port
	fallback Port
	log      zerolog.Logger
}

func New(durable, fallback Port, log zerolog.Logger) *Facade {
	return &Facade{durable: durable, fallback: fallback, log: log}
}

// NewID allocates a job id. Admission debits against this id before the job
// row exists, so the id must be known up front.
func NewID() string {
	return uuid.New().String()
}

// Create persists a pending job under a pre-allocated id.
func (f *Facade) Create(ctx context.Context, id, owner, role, inputRef string, params map[string]any) (models.Job, error) {
	if params == nil {
		params = map[string]any{}
	}
	now := time.Now().UTC()
	job := models.Job{
		ID:        id,
		Owner:     owner,
		Role:      role,
		InputRef:  inputRef,
		Params:    params,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := f.durable.Create(ctx, job); err != nil {
		f.log.Warn().Err(err).Str("job", id).Msg("durable job create failed, writing to memory store")
		telemetry.FallbackWrites.Inc()
		if err := f.fallback.Create(ctx, job); err != nil {
			return models.Job{}, err
		}
	}
	return job, nil
}

// Get reads a job from whichever store holds it. A job created during a
// fallback episode lives only in memory, so a durable miss still checks the
// fallback before reporting not found.
func (f *Facade) Get(ctx context.Context, id string) (models.Job, error) {
	job, err := f.durable.Get(ctx, id)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		f.log.Warn().Err(err).Str("job", id).Msg("durable job read failed, reading memory store")
	}
	return f.fallback.Get(ctx, id)
}

// GetFor applies ownership: members see only their own jobs, admins see all.
func (f *Facade) GetFor(ctx context.Context, id, requester, role string) (models.Job, error) {
	job, err := f.Get(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if role != models.RoleAdmin && job.Owner != requester {
		return models.Job{}, models.ErrForbidden
	}
	return job, nil
}

// Transition moves a job along the status graph. An illegal transition,
// including any attempt to leave a terminal state, is a logged no-op that
// leaves the row (and its updated_at) untouched. Result is stored only on
// the terminal statuses.
func (f *Facade) Transition(ctx context.Context, id, status string, result map[string]any) error {
	job, err := f.Get(ctx, id)
	if err != nil {
		return err
	}
	if !models.CanTransition(job.Status, status) {
		f.log.Info().Str("job", id).Str("from", job.Status).Str("to", status).
			Msg("ignoring illegal status transition")
		return nil
	}
	if status != models.StatusCompleted && status != models.StatusFailed {
		result = nil
	}

	err = f.durable.SetStatus(ctx, id, status, result)
	if err == nil {
		return nil
	}
	if errors.Is(err, models.ErrNotFound) {
		// The row is not in Postgres: either it only ever existed in the
		// fallback, or it was deleted after the legality read. A fallback
		// miss means the job is gone, and a deleted job stays deleted.
		ferr := f.fallback.SetStatus(ctx, id, status, result)
		if errors.Is(ferr, models.ErrNotFound) {
			return nil
		}
		if ferr == nil {
			telemetry.FallbackWrites.Inc()
		}
		return ferr
	}

	f.log.Warn().Err(err).Str("job", id).Msg("durable status update failed, writing to memory store")
	telemetry.FallbackWrites.Inc()
	if err := f.fallback.SetStatus(ctx, id, status, result); errors.Is(err, models.ErrNotFound) {
		// The job row lives in Postgres but Postgres is unreachable; mirror
		// it into the fallback so execution can keep making progress.
		job.Status = status
		job.Result = result
		job.UpdatedAt = time.Now().UTC()
		return f.fallback.Create(ctx, job)
	} else if err != nil {
		return err
	}
	return nil
}

// List returns one page of jobs for the requester. Members are always
// scoped to their own jobs regardless of what the query asks for.
func (f *Facade) List(ctx context.Context, requester, role string, q ListQuery) ([]models.Job, int64, error) {
	if role != models.RoleAdmin {
		q.Owner = requester
	}
	if q.PageSize > 100 {
		q.PageSize = 100
	}
	items, total, err := f.durable.List(ctx, q)
	if err == nil {
		return items, total, nil
	}
	f.log.Warn().Err(err).Msg("durable job list failed, reading memory store")
	return f.fallback.List(ctx, q)
}

// Delete removes a job on explicit owner or admin action; the outcome
// records cascade with it.
func (f *Facade) Delete(ctx context.Context, id, requester, role string) error {
	if _, err := f.GetFor(ctx, id, requester, role); err != nil {
		return err
	}
	err := f.durable.Delete(ctx, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		f.log.Warn().Err(err).Str("job", id).Msg("durable job delete failed, deleting from memory store")
	}
	return f.fallback.Delete(ctx, id)
}
