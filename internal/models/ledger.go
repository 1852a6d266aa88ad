package models

import (
	"time"
)

// Roles recognised by the service. Admins bypass balance checks entirely.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Transaction kinds mutating an account balance.
const (
	KindDebit  = "debit"
	KindRefund = "refund"
	KindGrant  = "admin_grant"
)

// Account is the per-user credit balance. Accounts are created lazily on
// first touch with a role-dependent starting balance.
type Account struct {
	Username    string    `json:"username"`
	Role        string    `json:"role"`
	Balance     int64     `json:"balance"`
	LastUpdated time.Time `json:"last_updated"`
}

// Transaction is one append-only ledger entry. JobID is set for debits and
// refunds, nil for administrative grants.
type Transaction struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	JobID       *string   `json:"job_id,omitempty"`
	Amount      int64     `json:"amount"`
	Kind        string    `json:"kind"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}
