package history_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"credit-processing-service/internal/history"
	"credit-processing-service/internal/models"
	"credit-processing-service/internal/store"
)

// downPort fails every operation, simulating an unreachable durable store.
type downPort struct{}

var errDown = errors.New("connection refused")

func (downPort) Append(context.Context, models.Outcome) error { return errDown }
func (downPort) Stats(context.Context) (models.Stats, error) {
	return models.Stats{}, errDown
}
func (downPort) Outcomes(context.Context, string, int) ([]models.Outcome, error) {
	return nil, errDown
}

func successOutcome(jobID, owner string) models.Outcome {
	ref := "blob://outputs/" + owner + "/" + jobID
	return models.Outcome{
		JobID:      jobID,
		Owner:      owner,
		InputRef:   "inputs/a.png",
		OutputRef:  &ref,
		DurationMs: 120,
		Success:    true,
		RecordedAt: time.Now().UTC(),
	}
}

func TestRecordAndReadBack(t *testing.T) {
	ctx := context.Background()
	starters := store.StarterBalances{Member: 10}
	r := history.New(store.NewMemory(starters), store.NewMemory(starters), zerolog.Nop())

	if err := r.Record(ctx, successOutcome("job-a", "alice")); err != nil {
		t.Fatalf("record: %v", err)
	}
	out, err := r.Outcomes(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("outcomes: %v", err)
	}
	if len(out) != 1 || !out[0].Success || out[0].JobID != "job-a" {
		t.Fatalf("unexpected outcomes: %+v", out)
	}
	// Other owners never see the entry.
	other, _ := r.Outcomes(ctx, "bob", 10)
	if len(other) != 0 {
		t.Fatalf("outcome leaked to another owner: %+v", other)
	}
}

func TestRecordFallsBackWhenDurableDown(t *testing.T) {
	ctx := context.Background()
	fallback := store.NewMemory(store.StarterBalances{Member: 10})
	r := history.New(downPort{}, fallback, zerolog.Nop())

	if err := r.Record(ctx, successOutcome("job-b", "carol")); err != nil {
		t.Fatalf("fallback record: %v", err)
	}
	out, err := fallback.Outcomes(ctx, "carol", 10)
	if err != nil {
		t.Fatalf("fallback outcomes: %v", err)
	}
	if len(out) != 1 || out[0].JobID != "job-b" {
		t.Fatalf("outcome missing from fallback: %+v", out)
	}
}

func TestFallbackSkipsAggregates(t *testing.T) {
	ctx := context.Background()
	fallback := store.NewMemory(store.StarterBalances{Member: 10})
	r := history.New(downPort{}, fallback, zerolog.Nop())

	for i := 0; i < 3; i++ {
		if err := r.Record(ctx, successOutcome("job-c", "dave")); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	// Aggregates are a durable-path concern; degraded mode reports zeros
	// rather than figures the log cannot back.
	st, err := r.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.UnitsProcessed != 0 || st.AvgDurationMs != 0 {
		t.Fatalf("fallback maintained aggregates: %+v", st)
	}
}
