package listing

import "time"

// Status is the lifecycle state of a listing. Returned is terminal: a
// returned listing never re-enters circulation.
type Status string

const (
	StatusAvailable Status = "available"
	StatusLoaned    Status = "loaned"
	StatusReturned  Status = "returned"
)

// Valid reports whether s is one of the closed set of listing states.
func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusLoaned, StatusReturned:
		return true
	}
	return false
}

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	return s == StatusReturned
}

// Listing is one lendable book posting owned by a single user. Catalog
// metadata (title, image) is supplied at creation time and read-only here.
type Listing struct {
	ID        string
	OwnerID   string
	Title     string
	ImageURL  *string
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}
