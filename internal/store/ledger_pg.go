package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"credit-processing-service/internal/models"
)

// ensureAccount creates the account lazily with its role-dependent starting
// balance. Runs inside the caller's transaction so the subsequent row lock
// always finds a row.
func (s *Store) ensureAccount(ctx context.Context, tx pgx.Tx, username, role string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO accounts (username, role, balance, last_updated)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (username) DO NOTHING
	`, username, role, s.starterFor(role))
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

// Balance returns the account for username, creating it if needed.
func (s *Store) Balance(ctx context.Context, username, role string) (models.Account, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Account{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := s.ensureAccount(ctx, tx, username, role); err != nil {
		return models.Account{}, err
	}

	var acct models.Account
	err = tx.QueryRow(ctx, `
		SELECT username, role, balance, last_updated FROM accounts WHERE username = $1
	`, username).Scan(&acct.Username, &acct.Role, &acct.Balance, &acct.LastUpdated)
	if err != nil {
		return models.Account{}, fmt.Errorf("read account: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Account{}, fmt.Errorf("commit: %w", err)
	}
	return acct, nil
}

// Debit atomically decrements the balance and appends a debit entry in one
// transaction. The SELECT ... FOR UPDATE serializes concurrent debits for
// the same user, so two racing admissions can never both pass the balance
// check on the last credit.
func (s *Store) Debit(ctx context.Context, username, role, jobID string, amount int64) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ensureAccount(ctx, tx, username, role); err != nil {
		return err
	}

	var balance int64
	err = tx.QueryRow(ctx, `
		SELECT balance FROM accounts WHERE username = $1 FOR UPDATE
	`, username).Scan(&balance)
	if err != nil {
		return fmt.Errorf("lock account: %w", err)
	}
	if balance < amount {
		return models.ErrInsufficientCredits
	}

	if _, err := tx.Exec(ctx, `
		UPDATE accounts SET balance = balance - $2, last_updated = NOW() WHERE username = $1
	`, username, amount); err != nil {
		return fmt.Errorf("decrement balance: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO transactions (username, job_id, amount, kind, description)
		VALUES ($1, $2, $3, $4, $5)
	`, username, jobID, amount, models.KindDebit, "job admission"); err != nil {
		return fmt.Errorf("append debit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Refund increments the balance and appends a refund entry. The partial
// unique index on (job_id, kind=refund) makes a second refund for the same
// job fail before any balance mutation.
func (s *Store) Refund(ctx context.Context, username, role, jobID string, amount int64) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ensureAccount(ctx, tx, username, role); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO transactions (username, job_id, amount, kind, description)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id) WHERE kind = 'refund' DO NOTHING
	`, username, jobID, amount, models.KindRefund, "compensation for failed job")
	if err != nil {
		return fmt.Errorf("append refund: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrAlreadyRefunded
	}

	if _, err := tx.Exec(ctx, `
		UPDATE accounts SET balance = balance + $2, last_updated = NOW() WHERE username = $1
	`, username, amount); err != nil {
		return fmt.Errorf("increment balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Grant increments the balance and appends an admin_grant entry carrying the
// granting administrator in the description.
func (s *Store) Grant(ctx context.Context, username, role string, amount int64, grantedBy string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ensureAccount(ctx, tx, username, role); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE accounts SET balance = balance + $2, last_updated = NOW() WHERE username = $1
	`, username, amount); err != nil {
		return fmt.Errorf("increment balance: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO transactions (username, amount, kind, description)
		VALUES ($1, $2, $3, $4)
	`, username, amount, models.KindGrant, fmt.Sprintf("granted by %s", grantedBy)); err != nil {
		return fmt.Errorf("append grant: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Transactions lists a user's ledger entries, newest first.
func (s *Store) Transactions(ctx context.Context, username string, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, username, job_id, amount, kind, description, created_at
		FROM transactions WHERE username = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, username, limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		var t models.Transaction
		var jobID pgtype.Text
		if err := rows.Scan(&t.ID, &t.Username, &jobID, &t.Amount, &t.Kind, &t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.JobID = textPtr(jobID)
		out = append(out, t)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

// notFound normalizes pgx's no-rows error into the domain sentinel.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}
	return err
}
