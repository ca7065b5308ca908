package request

import "time"

// LoanPeriod is the fixed loan duration; the return due date is computed from
// the requested loan start at submission time.
const LoanPeriod = 14 * 24 * time.Hour

// Status is the lifecycle state of a borrow request. Rejected and Completed
// are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
)

// Valid reports whether s is one of the closed set of request states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusCompleted:
		return true
	}
	return false
}

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusCompleted
}

// BorrowRequest is one user's application to borrow a specific listing.
type BorrowRequest struct {
	ID             string
	ListingID      string
	RequesterID    string
	LoanStart      time.Time
	ReturnDueAt    time.Time
	Status         Status
	DecisionReason *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CreateParams enumerates the required fields to insert a new pending
// request. ReturnDueAt is derived, never supplied.
type CreateParams struct {
	ListingID   string
	RequesterID string
	LoanStart   time.Time
}
