package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"credit-processing-service/internal/jobs"
	"credit-processing-service/internal/models"
)

// Memory is the volatile fallback behind the same port contracts as Store.
// It holds accounts, the transaction log, jobs, and outcomes in one
// mutex-guarded structure; everything here is lost on process exit and is
// never reconciled back into Postgres.
type Memory struct {
	mu       sync.Mutex
	starters StarterBalances

	accounts map[string]*models.Account
	txs      []models.Transaction
	txSeq    int64
	refunded map[string]bool

	jobRows  map[string]*models.Job
	outcomes []models.Outcome
	outSeq   int64
}

// NewMemory builds an empty fallback store.
func NewMemory(starters StarterBalances) *Memory {
	return &Memory{
		starters: starters,
		accounts: make(map[string]*models.Account),
		refunded: make(map[string]bool),
		jobRows:  make(map[string]*models.Job),
	}
}

func (m *Memory) account(username, role string) *models.Account {
	acct, ok := m.accounts[username]
	if !ok {
		start := m.starters.Member
		if role == models.RoleAdmin {
			start = m.starters.Admin
		}
		acct = &models.Account{Username: username, Role: role, Balance: start, LastUpdated: time.Now().UTC()}
		m.accounts[username] = acct
	}
	return acct
}

func (m *Memory) appendTx(username, kind, description string, jobID *string, amount int64) {
	m.txSeq++
	m.txs = append(m.txs, models.Transaction{
		ID:          m.txSeq,
		Username:    username,
		JobID:       jobID,
		Amount:      amount,
		Kind:        kind,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	})
}

// Balance returns the account, creating it lazily.
func (m *Memory) Balance(_ context.Context, username, role string) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.account(username, role), nil
}

// Debit runs the same check-and-decrement semantics as the durable path,
// serialized by the store mutex instead of a row lock.
func (m *Memory) Debit(_ context.Context, username, role, jobID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct := m.account(username, role)
	if acct.Balance < amount {
		return models.ErrInsufficientCredits
	}
	acct.Balance -= amount
	acct.LastUpdated = time.Now().UTC()
	m.appendTx(username, models.KindDebit, "job admission", &jobID, amount)
	return nil
}

// Refund applies at most once per job.
func (m *Memory) Refund(_ context.Context, username, role, jobID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refunded[jobID] {
		return models.ErrAlreadyRefunded
	}
	m.refunded[jobID] = true
	acct := m.account(username, role)
	acct.Balance += amount
	acct.LastUpdated = time.Now().UTC()
	m.appendTx(username, models.KindRefund, "compensation for failed job", &jobID, amount)
	return nil
}

// Grant adds credits with attribution.
func (m *Memory) Grant(_ context.Context, username, role string, amount int64, grantedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct := m.account(username, role)
	acct.Balance += amount
	acct.LastUpdated = time.Now().UTC()
	m.appendTx(username, models.KindGrant, "granted by "+grantedBy, nil, amount)
	return nil
}

// Transactions lists a user's ledger entries, newest first.
func (m *Memory) Transactions(_ context.Context, username string, limit int) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var out []models.Transaction
	for i := len(m.txs) - 1; i >= 0 && len(out) < limit; i-- {
		if m.txs[i].Username == username {
			out = append(out, m.txs[i])
		}
	}
	return out, nil
}

// Create stores a job.
func (m *Memory) Create(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := job
	m.jobRows[job.ID] = &clone
	return nil
}

// Get fetches a job by id.
func (m *Memory) Get(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobRows[id]
	if !ok {
		return models.Job{}, models.ErrNotFound
	}
	return *job, nil
}

// SetStatus updates status, result, and updated_at.
func (m *Memory) SetStatus(_ context.Context, id, status string, result map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobRows[id]
	if !ok {
		return models.ErrNotFound
	}
	job.Status = status
	job.Result = result
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// List filters, sorts, and pages jobs with the same tie-break rule as the
// durable store (ascending id).
func (m *Memory) List(_ context.Context, q jobs.ListQuery) ([]models.Job, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []models.Job
	for _, job := range m.jobRows {
		if q.Owner != "" && job.Owner != q.Owner {
			continue
		}
		if q.Status != "" && job.Status != q.Status {
			continue
		}
		matched = append(matched, *job)
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		var less, eq bool
		switch q.SortBy {
		case jobs.SortUpdatedAt:
			less, eq = a.UpdatedAt.Before(b.UpdatedAt), a.UpdatedAt.Equal(b.UpdatedAt)
		case jobs.SortStatus:
			c := strings.Compare(a.Status, b.Status)
			less, eq = c < 0, c == 0
		default:
			less, eq = a.CreatedAt.Before(b.CreatedAt), a.CreatedAt.Equal(b.CreatedAt)
		}
		if eq {
			return a.ID < b.ID
		}
		if q.Desc {
			return !less
		}
		return less
	})

	total := int64(len(matched))
	page := q.Page
	if page < 1 {
		page = 1
	}
	size := q.PageSize
	if size <= 0 {
		size = 20
	}
	start := (page - 1) * size
	if start >= len(matched) {
		return nil, total, nil
	}
	end := start + size
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

// Delete removes a job and its outcome records.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobRows[id]; !ok {
		return models.ErrNotFound
	}
	delete(m.jobRows, id)
	kept := m.outcomes[:0]
	for _, o := range m.outcomes {
		if o.JobID != id {
			kept = append(kept, o)
		}
	}
	m.outcomes = kept
	return nil
}

// Append records an outcome. The fallback keeps the log only; the rolling
// aggregates are a durable-path concern and are skipped here.
func (m *Memory) Append(_ context.Context, o models.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.outSeq++
	o.ID = m.outSeq
	m.outcomes = append(m.outcomes, o)
	return nil
}

// Stats reports empty aggregates; the fallback never maintains them.
func (m *Memory) Stats(_ context.Context) (models.Stats, error) {
	return models.Stats{}, nil
}

// Outcomes lists the outcome log for one owner, newest first.
func (m *Memory) Outcomes(_ context.Context, owner string, limit int) ([]models.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var out []models.Outcome
	for i := len(m.outcomes) - 1; i >= 0 && len(out) < limit; i-- {
		if m.outcomes[i].Owner == owner {
			out = append(out, m.outcomes[i])
		}
	}
	return out, nil
}
