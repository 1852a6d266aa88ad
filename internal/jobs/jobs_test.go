package jobs_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"credit-processing-service/internal/jobs"
	"credit-processing-service/internal/models"
	"credit-processing-service/internal/store"
)

func newFacade(t *testing.T) (*jobs.Facade, *store.Memory, *store.Memory) {
	t.Helper()
	durable := store.NewMemory(store.StarterBalances{Member: 10})
	fallback := store.NewMemory(store.StarterBalances{Member: 10})
	return jobs.New(durable, fallback, zerolog.Nop()), durable, fallback
}

// downJobPort fails every operation.
type downJobPort struct{}

var errDown = errors.New("connection refused")

func (downJobPort) Create(context.Context, models.Job) error { return errDown }
func (downJobPort) Get(context.Context, string) (models.Job, error) {
	return models.Job{}, errDown
}
func (downJobPort) SetStatus(context.Context, string, string, map[string]any) error { return errDown }
func (downJobPort) List(context.Context, jobs.ListQuery) ([]models.Job, int64, error) {
	return nil, 0, errDown
}
func (downJobPort) Delete(context.Context, string) error { return errDown }

func TestCreateThenGetIsPendingWithNoResult(t *testing.T) {
	ctx := context.Background()
	f, _, _ := newFacade(t)

	id := jobs.NewID()
	if _, err := f.Create(ctx, id, "alice", models.RoleMember, "inputs/a.png", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	job, err := f.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != models.StatusPending {
		t.Fatalf("status = %s, want pending", job.Status)
	}
	if job.Result != nil {
		t.Fatalf("result = %v, want nil", job.Result)
	}
}

func TestTransitionWalksTheGraph(t *testing.T) {
	ctx := context.Background()
	f, _, _ := newFacade(t)

	id := jobs.NewID()
	_, _ = f.Create(ctx, id, "alice", models.RoleMember, "inputs/a.png", nil)

	if err := f.Transition(ctx, id, models.StatusProcessing, nil); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	result := map[string]any{"output_ref": "blob://out"}
	if err := f.Transition(ctx, id, models.StatusCompleted, result); err != nil {
		t.Fatalf("to completed: %v", err)
	}
	job, _ := f.Get(ctx, id)
	if job.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if job.Result["output_ref"] != "blob://out" {
		t.Fatalf("result not stored: %v", job.Result)
	}
}

func TestIllegalTransitionIsANoOp(t *testing.T) {
	ctx := context.Background()
	f, _, _ := newFacade(t)

	id := jobs.NewID()
	_, _ = f.Create(ctx, id, "alice", models.RoleMember, "inputs/a.png", nil)
	_ = f.Transition(ctx, id, models.StatusProcessing, nil)
	_ = f.Transition(ctx, id, models.StatusFailed, map[string]any{"error": "boom"})

	before, _ := f.Get(ctx, id)
	time.Sleep(5 * time.Millisecond)

	// Terminal state: both of these must change nothing, including updated_at.
	if err := f.Transition(ctx, id, models.StatusProcessing, nil); err != nil {
		t.Fatalf("no-op transition returned error: %v", err)
	}
	if err := f.Transition(ctx, id, models.StatusCompleted, nil); err != nil {
		t.Fatalf("no-op transition returned error: %v", err)
	}

	after, _ := f.Get(ctx, id)
	if after.Status != models.StatusFailed {
		t.Fatalf("terminal state resurrected to %s", after.Status)
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("no-op transition touched updated_at: %s -> %s", before.UpdatedAt, after.UpdatedAt)
	}
}

func TestResultOnlyStoredOnTerminalStates(t *testing.T) {
	ctx := context.Background()
	f, _, _ := newFacade(t)

	id := jobs.NewID()
	_, _ = f.Create(ctx, id, "alice", models.RoleMember, "inputs/a.png", nil)
	if err := f.Transition(ctx, id, models.StatusProcessing, map[string]any{"sneaky": true}); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	job, _ := f.Get(ctx, id)
	if job.Result != nil {
		t.Fatalf("result stored on non-terminal transition: %v", job.Result)
	}
}

func TestMemberScopingOnGetAndDelete(t *testing.T) {
	ctx := context.Background()
	f, _, _ := newFacade(t)

	id := jobs.NewID()
	_, _ = f.Create(ctx, id, "alice", models.RoleMember, "inputs/a.png", nil)

	if _, err := f.GetFor(ctx, id, "mallory", models.RoleMember); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("cross-owner get: want ErrForbidden, got %v", err)
	}
	if _, err := f.GetFor(ctx, id, "root", models.RoleAdmin); err != nil {
		t.Fatalf("admin get: %v", err)
	}
	if err := f.Delete(ctx, id, "mallory", models.RoleMember); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("cross-owner delete: want ErrForbidden, got %v", err)
	}
	if err := f.Delete(ctx, id, "alice", models.RoleMember); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if _, err := f.Get(ctx, id); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("deleted job still readable: %v", err)
	}
}

func TestListPaginationIsDeterministic(t *testing.T) {
	ctx := context.Background()
	durable := store.NewMemory(store.StarterBalances{Member: 10})
	f := jobs.New(durable, store.NewMemory(store.StarterBalances{Member: 10}), zerolog.Nop())

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		job := models.Job{
			ID:        fmt.Sprintf("job-%02d", i),
			Owner:     "alice",
			Role:      models.RoleMember,
			InputRef:  "inputs/a.png",
			Status:    models.StatusCompleted,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := durable.Create(ctx, job); err != nil {
			t.Fatalf("seed job %d: %v", i, err)
		}
	}
	// A few jobs in other states and for other owners must not leak in.
	_ = durable.Create(ctx, models.Job{ID: "job-x", Owner: "alice", Status: models.StatusFailed, CreatedAt: base})
	_ = durable.Create(ctx, models.Job{ID: "job-y", Owner: "bob", Status: models.StatusCompleted, CreatedAt: base})

	items, total, err := f.List(ctx, "alice", models.RoleMember, jobs.ListQuery{
		Status:   models.StatusCompleted,
		Page:     2,
		PageSize: 10,
		SortBy:   jobs.SortCreatedAt,
		Desc:     true,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 25 {
		t.Fatalf("total = %d, want 25", total)
	}
	if len(items) != 10 {
		t.Fatalf("page size = %d, want 10", len(items))
	}
	// Descending creation order: page 2 holds the 11th..20th newest,
	// i.e. job-14 down to job-05.
	for i, job := range items {
		want := fmt.Sprintf("job-%02d", 14-i)
		if job.ID != want {
			t.Fatalf("item %d = %s, want %s", i, job.ID, want)
		}
	}
}

// readOnlyPort serves reads from an inner store but fails every write,
// simulating a durable store that dies mid-operation.
type readOnlyPort struct {
	inner *store.Memory
}

func (p readOnlyPort) Create(context.Context, models.Job) error { return errDown }
func (p readOnlyPort) Get(ctx context.Context, id string) (models.Job, error) {
	return p.inner.Get(ctx, id)
}
func (p readOnlyPort) SetStatus(context.Context, string, string, map[string]any) error {
	return errDown
}
func (p readOnlyPort) List(context.Context, jobs.ListQuery) ([]models.Job, int64, error) {
	return nil, 0, errDown
}
func (p readOnlyPort) Delete(context.Context, string) error { return errDown }

func TestMirrorsIntoFallbackWhenDurableDiesMidJob(t *testing.T) {
	ctx := context.Background()
	durable := store.NewMemory(store.StarterBalances{Member: 10})
	fallback := store.NewMemory(store.StarterBalances{Member: 10})
	f := jobs.New(durable, fallback, zerolog.Nop())

	id := jobs.NewID()
	_, _ = f.Create(ctx, id, "alice", models.RoleMember, "inputs/a.png", nil)

	// The job row exists durably but writes start failing; the status
	// update must land in the fallback as a full mirror of the job.
	dying := jobs.New(readOnlyPort{inner: durable}, fallback, zerolog.Nop())
	if err := dying.Transition(ctx, id, models.StatusProcessing, nil); err != nil {
		t.Fatalf("transition via fallback: %v", err)
	}
	job, err := fallback.Get(ctx, id)
	if err != nil {
		t.Fatalf("job not mirrored into fallback: %v", err)
	}
	if job.Status != models.StatusProcessing {
		t.Fatalf("mirrored status = %s, want processing", job.Status)
	}
}

// vanishingPort serves reads from an inner store but reports the row gone on
// every write, simulating a job deleted between the legality read and the
// status update.
type vanishingPort struct {
	inner *store.Memory
}

func (p vanishingPort) Create(context.Context, models.Job) error { return errDown }
func (p vanishingPort) Get(ctx context.Context, id string) (models.Job, error) {
	return p.inner.Get(ctx, id)
}
func (p vanishingPort) SetStatus(context.Context, string, string, map[string]any) error {
	return models.ErrNotFound
}
func (p vanishingPort) List(context.Context, jobs.ListQuery) ([]models.Job, int64, error) {
	return nil, 0, errDown
}
func (p vanishingPort) Delete(context.Context, string) error { return models.ErrNotFound }

func TestTransitionAfterDeleteDoesNotResurrect(t *testing.T) {
	ctx := context.Background()
	seed := store.NewMemory(store.StarterBalances{Member: 10})
	fallback := store.NewMemory(store.StarterBalances{Member: 10})
	f := jobs.New(vanishingPort{inner: seed}, fallback, zerolog.Nop())

	id := jobs.NewID()
	_ = seed.Create(ctx, models.Job{
		ID: id, Owner: "alice", Role: models.RoleMember,
		InputRef: "inputs/a.png", Status: models.StatusPending,
	})

	// The row reads fine but is gone by write time, and the fallback never
	// held it. The update must be dropped, not mirrored into the fallback.
	if err := f.Transition(ctx, id, models.StatusProcessing, nil); err != nil {
		t.Fatalf("transition on deleted job returned error: %v", err)
	}
	if _, err := fallback.Get(ctx, id); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("deleted job resurrected in fallback: %v", err)
	}
}

func TestCreateFallsBackWhenDurableDown(t *testing.T) {
	ctx := context.Background()
	fallback := store.NewMemory(store.StarterBalances{Member: 10})
	f := jobs.New(downJobPort{}, fallback, zerolog.Nop())

	id := jobs.NewID()
	if _, err := f.Create(ctx, id, "alice", models.RoleMember, "inputs/a.png", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	job, err := f.Get(ctx, id)
	if err != nil {
		t.Fatalf("get after fallback create: %v", err)
	}
	if job.Status != models.StatusPending {
		t.Fatalf("status = %s, want pending", job.Status)
	}
}
