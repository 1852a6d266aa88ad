package models

import "errors"

var (
	// ErrInsufficientCredits rejects an admission before any mutation.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrNotFound covers missing jobs and accounts on the read path.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when a member touches another owner's job.
	ErrForbidden = errors.New("access forbidden")
	// ErrAlreadyRefunded signals a second compensation attempt for a job.
	ErrAlreadyRefunded = errors.New("job already refunded")
)
