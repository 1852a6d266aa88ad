// Package history appends immutable processing outcomes and keeps rolling
// aggregates that, on the durable path, are updated in the same transaction
// as the append.
package history

import (
	"context"

	"github.com/rs/zerolog"

	"credit-processing-service/internal/models"
	"credit-processing-service/internal/telemetry"
)

// Port is implemented by the durable store (append + aggregates in one tx)
// and the memory fallback (append only, empty aggregates).
type Port interface {
	Append(ctx context.Context, o models.Outcome) error
	Stats(ctx context.Context) (models.Stats, error)
	Outcomes(ctx context.Context, owner string, limit int) ([]models.Outcome, error)
}

// Recorder routes outcome writes across durable and fallback ports.
type Recorder struct {
	durable  Port
	fallback Port
	log      zerolog.Logger
}

func New(durable, fallback Port, log zerolog.Logger) *Recorder {
	return &Recorder{durable: durable, fallback: fallback, log: log}
}

// Record appends the outcome. On the durable path a successful outcome also
// bumps the units-processed counter and the mean duration atomically with
// the append; the fallback skips the aggregates entirely.
func (r *Recorder) Record(ctx context.Context, o models.Outcome) error {
	if err := r.durable.Append(ctx, o); err != nil {
		r.log.Warn().Err(err).Str("job", o.JobID).Msg("durable outcome append failed, writing to memory store")
		telemetry.FallbackWrites.Inc()
		return r.fallback.Append(ctx, o)
	}
	return nil
}

// Stats reads the rolling aggregates.
func (r *Recorder) Stats(ctx context.Context) (models.Stats, error) {
	st, err := r.durable.Stats(ctx)
	if err == nil {
		return st, nil
	}
	r.log.Warn().Err(err).Msg("durable stats read failed, reading memory store")
	return r.fallback.Stats(ctx)
}

// Outcomes lists an owner's outcome log, newest first.
func (r *Recorder) Outcomes(ctx context.Context, owner string, limit int) ([]models.Outcome, error) {
	out, err := r.durable.Outcomes(ctx, owner, limit)
	if err == nil {
		return out, nil
	}
	r.log.Warn().Err(err).Msg("durable outcome read failed, reading memory store")
	return r.fallback.Outcomes(ctx, owner, limit)
}
