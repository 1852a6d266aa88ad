package jobs

import (
	"context"

	"credit-processing-service/internal/models"
)

// Sortable fields accepted by List. Anything else falls back to created_at.
const (
	SortCreatedAt = "created_at"
	SortUpdatedAt = "updated_at"
	SortStatus    = "status"
)

// ListQuery carries filtering, paging, and sorting for job listings.
// An empty Owner means no owner filter (the admin view).
type ListQuery struct {
	Owner    string
	Status   string
	Page     int // 1-based
	PageSize int
	SortBy   string
	Desc     bool
}

// Port is the persistence contract implemented by both the durable Postgres
// store and the in-memory fallback. SetStatus and Delete report
// models.ErrNotFound when the store holds no such job, which is what lets
// the facade route to whichever store actually owns the row.
type Port interface {
	Create(ctx context.Context, job models.Job) error
	Get(ctx context.Context, id string) (models.Job, error)
	SetStatus(ctx context.Context, id, status string, result map[string]any) error
	List(ctx context.Context, q ListQuery) ([]models.Job, int64, error)
	Delete(ctx context.Context, id string) error
}
