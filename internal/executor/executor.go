// Package executor carries admitted jobs from pending to a terminal state
// and ties the job outcome back to ledger compensation.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"credit-processing-service/internal/history"
	"credit-processing-service/internal/jobs"
	"credit-processing-service/internal/ledger"
	"credit-processing-service/internal/models"
	"credit-processing-service/internal/telemetry"
)

// Task is everything the executor needs to run one job. Debited is the
// amount withheld at admission; it is what a compensating refund returns.
type Task struct {
	JobID   string
	Owner   string
	Role    string
	Debited int64
}

// Executor runs tasks on a bounded pool of goroutines. Submission is
// fire-and-forget: admission has already answered the caller by the time a
// task starts, so execution failures are recorded, never propagated.
type Executor struct {
	jobs        *jobs.Facade
	credits     *ledger.Facade
	recorder    *history.Recorder
	blobs       BlobStore
	transformer Transformer
	sem         chan struct{}
	wg          sync.WaitGroup
	log         zerolog.Logger
}

func New(j *jobs.Facade, l *ledger.Facade, r *history.Recorder, blobs BlobStore, t Transformer, concurrency int, log zerolog.Logger) *Executor {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Executor{
		jobs:        j,
		credits:     l,
		recorder:    r,
		blobs:       blobs,
		transformer: t,
		sem:         make(chan struct{}, concurrency),
		log:         log,
	}
}

// Submit schedules a task for background execution. A panic anywhere in the
// run is logged and dropped so a bad job can never take the process down.
func (e *Executor) Submit(t Task) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.log.Error().Str("job", t.JobID).Interface("panic", r).Msg("job execution panicked")
			}
		}()
		e.sem <- struct{}{}
		defer func() { <-e.sem }()
		e.run(context.Background(), t)
	}()
}

// Wait blocks until all submitted tasks have finished. Used on shutdown and
// in tests.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) run(ctx context.Context, t Task) {
	job, err := e.jobs.Get(ctx, t.JobID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Deleted between admission and execution; nothing to do.
			return
		}
		e.log.Error().Err(err).Str("job", t.JobID).Msg("load job failed")
		return
	}

	telemetry.JobsInFlight.Inc()
	defer telemetry.JobsInFlight.Dec()

	if err := e.jobs.Transition(ctx, t.JobID, models.StatusProcessing, nil); err != nil {
		e.log.Error().Err(err).Str("job", t.JobID).Msg("transition to processing failed")
	}

	start := time.Now()
	var outputRef string
	var runErr error

	defer func() {
		// Compensation and the outcome record must both be attempted no
		// matter how the run ended. A refund failure is logged only and
		// never blocks the outcome append; an outcome failure never alters
		// the already-committed job status.
		if runErr != nil && t.Role != models.RoleAdmin && t.Debited > 0 {
			if err := e.credits.Refund(ctx, t.Owner, t.Role, t.JobID, t.Debited); err != nil && !errors.Is(err, models.ErrAlreadyRefunded) {
				telemetry.RefundFailures.Inc()
				e.log.Error().Err(err).Str("job", t.JobID).Str("user", t.Owner).Int64("amount", t.Debited).
					Msg("compensation failed on all paths; balance needs a manual grant")
			}
		}

		outcome := models.Outcome{
			JobID:      t.JobID,
			Owner:      t.Owner,
			InputRef:   job.InputRef,
			DurationMs: time.Since(start).Milliseconds(),
			Success:    runErr == nil,
			RecordedAt: time.Now().UTC(),
		}
		if runErr == nil {
			outcome.OutputRef = &outputRef
		} else {
			msg := runErr.Error()
			outcome.ErrorMessage = &msg
		}
		if err := e.recorder.Record(ctx, outcome); err != nil {
			e.log.Warn().Err(err).Str("job", t.JobID).Msg("outcome record failed")
		}
	}()

	outKey := outputKey(t.Owner, t.JobID, start, job.Params)
	data, err := e.blobs.Get(ctx, job.InputRef)
	if err != nil {
		runErr = fmt.Errorf("fetch input: %w", err)
	} else {
		outputRef, runErr = e.process(ctx, data, job.Params, outKey)
	}

	if runErr == nil {
		telemetry.JobsCompleted.Inc()
		result := map[string]any{
			"output_ref":   outputRef,
			"processed_at": time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.jobs.Transition(ctx, t.JobID, models.StatusCompleted, result); err != nil {
			e.log.Error().Err(err).Str("job", t.JobID).Msg("transition to completed failed")
		}
		return
	}

	telemetry.JobsFailed.Inc()
	e.log.Info().Err(runErr).Str("job", t.JobID).Msg("job failed")
	if err := e.jobs.Transition(ctx, t.JobID, models.StatusFailed, map[string]any{"error": runErr.Error()}); err != nil {
		e.log.Error().Err(err).Str("job", t.JobID).Msg("transition to failed failed")
	}
}

// process shields the run loop from transformer panics.
func (e *Executor) process(ctx context.Context, data []byte, params map[string]any, outputKey string) (ref string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transformer panic: %v", r)
		}
	}()
	return e.transformer.Process(ctx, data, params, outputKey)
}

// outputKey derives a deterministic destination from the owner, job id, the
// run start time, and the requested format.
func outputKey(owner, jobID string, start time.Time, params map[string]any) string {
	ext := ".jpg"
	if format, ok := params["format"].(string); ok {
		switch format {
		case "png":
			ext = ".png"
		case "gif":
			ext = ".gif"
		}
	}
	return fmt.Sprintf("outputs/%s/%s-%d%s", owner, jobID, start.UTC().Unix(), ext)
}
