// Package ledger exposes the single entry point for every credit-affecting
// operation. A facade tries the durable Postgres path first and transparently
// retries the identical semantics against the in-memory fallback when the
// durable store is unreachable; callers never branch on store type.
package ledger

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"credit-processing-service/internal/models"
	"credit-processing-service/internal/telemetry"
)

// Port is the contract shared by the durable store and the fallback.
// Implementations must make Debit atomic per user: the balance check and the
// decrement happen under a row lock (Postgres) or a mutex (fallback), never
// as a separate read then write.
type Port interface {
	Balance(ctx context.Context, username, role string) (models.Account, error)
	Debit(ctx context.Context, username, role, jobID string, amount int64) error
	Refund(ctx context.Context, username, role, jobID string, amount int64) error
	Grant(ctx context.Context, username, role string, amount int64, grantedBy string) error
	Transactions(ctx context.Context, username string, limit int) ([]models.Transaction, error)
}

// Facade routes ledger operations across the durable and fallback ports.
type Facade struct {
	durable  Port
	fallback Port
	log      zerolog.Logger
}

func New(durable, fallback Port, log zerolog.Logger) *Facade {
	return &Facade{durable: durable, fallback: fallback, log: log}
}

// Balance never fails: a durable-store error degrades to the fallback value,
// which is served from memory and cannot error.
func (f *Facade) Balance(ctx context.Context, username, role string) models.Account {
	acct, err := f.durable.Balance(ctx, username, role)
	if err == nil {
		return acct
	}
	f.log.Warn().Err(err).Str("user", username).Msg("balance read fell back to memory store")
	acct, _ = f.fallback.Balance(ctx, username, role)
	return acct
}

// Debit withholds amount from the user for a job. Admins always succeed and
// are never charged: no balance change and no ledger entry is written for
// them. For members the durable path is tried first; a rejection for
// insufficient credits is final, any other failure retries the identical
// semantics on the fallback.
func (f *Facade) Debit(ctx context.Context, username, role, jobID string, amount int64) error {
	if role == models.RoleAdmin {
		return nil
	}
	err := f.durable.Debit(ctx, username, role, jobID, amount)
	if err == nil {
		telemetry.CreditsDebited.Add(float64(amount))
		return nil
	}
	if errors.Is(err, models.ErrInsufficientCredits) {
		return err
	}

	f.log.Warn().Err(err).Str("user", username).Str("job", jobID).
		Msg("durable debit failed, retrying on memory store")
	telemetry.FallbackWrites.Inc()
	if err := f.fallback.Debit(ctx, username, role, jobID, amount); err != nil {
		return err
	}
	telemetry.CreditsDebited.Add(float64(amount))
	return nil
}

// Refund returns amount to the user for a failed job. It applies on
// whichever path is reachable, independent of which path took the original
// debit. A second refund for the same job is rejected by either path.
func (f *Facade) Refund(ctx context.Context, username, role, jobID string, amount int64) error {
	err := f.durable.Refund(ctx, username, role, jobID, amount)
	if err == nil {
		telemetry.CreditsRefunded.Add(float64(amount))
		return nil
	}
	if errors.Is(err, models.ErrAlreadyRefunded) {
		return err
	}

	f.log.Warn().Err(err).Str("user", username).Str("job", jobID).
		Msg("durable refund failed, retrying on memory store")
	telemetry.FallbackWrites.Inc()
	if err := f.fallback.Refund(ctx, username, role, jobID, amount); err != nil {
		return err
	}
	telemetry.CreditsRefunded.Add(float64(amount))
	return nil
}

// Grant adds credits with attribution. Admin gating happens at the API
// layer; the ledger records who granted regardless.
func (f *Facade) Grant(ctx context.Context, username, role string, amount int64, grantedBy string) error {
	err := f.durable.Grant(ctx, username, role, amount, grantedBy)
	if err == nil {
		return nil
	}
	f.log.Warn().Err(err).Str("user", username).Msg("durable grant failed, retrying on memory store")
	telemetry.FallbackWrites.Inc()
	return f.fallback.Grant(ctx, username, role, amount, grantedBy)
}

// HasSufficientCredits reports whether a debit of amount would succeed.
// Admins are always sufficient; members compare the live balance.
func (f *Facade) HasSufficientCredits(ctx context.Context, username, role string, amount int64) bool {
	if role == models.RoleAdmin {
		return true
	}
	return f.Balance(ctx, username, role).Balance >= amount
}

// Transactions lists a user's ledger entries, newest first.
func (f *Facade) Transactions(ctx context.Context, username string, limit int) ([]models.Transaction, error) {
	txs, err := f.durable.Transactions(ctx, username, limit)
	if err == nil {
		return txs, nil
	}
	f.log.Warn().Err(err).Str("user", username).Msg("transaction read fell back to memory store")
	return f.fallback.Transactions(ctx, username, limit)
}
