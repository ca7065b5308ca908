package request

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the borrow request does not exist.
	ErrNotFound = errors.New("request: not found")
	// ErrDuplicatePending signals a pending request already exists for the
	// same (listing, requester) pair.
	ErrDuplicatePending = errors.New("request: duplicate pending request")
	// ErrInvalidStatus signals a status outside the closed request_status set.
	ErrInvalidStatus = errors.New("request: invalid status")
)

// Repository is the data access contract for the request ledger.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, params CreateParams) (BorrowRequest, error)
	Get(ctx context.Context, id string) (BorrowRequest, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (BorrowRequest, error)
	ListPendingForListing(ctx context.Context, tx pgx.Tx, listingID string) ([]BorrowRequest, error)
	ListForListing(ctx context.Context, listingID string, status Status) ([]BorrowRequest, error)
	ListForRequester(ctx context.Context, requesterID string) ([]BorrowRequest, error)
	TrySetStatus(ctx context.Context, tx pgx.Tx, id string, expected, next Status, reason *string) (bool, error)
	ClaimOverdue(ctx context.Context, tx pgx.Tx, asOf time.Time, limit int) ([]BorrowRequest, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed ledger implementation.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const requestColumns = `id, listing_id, requester_id, loan_start, return_due_at, status::text, decision_reason, created_at, updated_at`

// Create inserts a new pending request inside tx. The duplicate-pending check
// is the partial unique index on (listing_id, requester_id), so the check and
// the insert are one atomic statement.
func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, params CreateParams) (BorrowRequest, error) {
	if params.ListingID == "" {
		return BorrowRequest{}, fmt.Errorf("request: listing id required")
	}
	if params.RequesterID == "" {
		return BorrowRequest{}, fmt.Errorf("request: requester id required")
	}
	if params.LoanStart.IsZero() {
		return BorrowRequest{}, fmt.Errorf("request: loan start required")
	}

	query := fmt.Sprintf(`
		INSERT INTO borrow_requests (listing_id, requester_id, loan_start, return_due_at, status)
		VALUES ($1, $2, $3, $3::timestamptz + interval '14 days', 'pending')
		RETURNING %s
	`, requestColumns)

	req, err := scanRequest(tx.QueryRow(ctx, query, params.ListingID, params.RequesterID, params.LoanStart))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return BorrowRequest{}, ErrDuplicatePending
		}
		return BorrowRequest{}, fmt.Errorf("request: create: %w", err)
	}
	return req, nil
}

// Get fetches a request by its primary key.
func (r *PGRepository) Get(ctx context.Context, id string) (BorrowRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM borrow_requests WHERE id = $1`, requestColumns)

	req, err := scanRequest(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BorrowRequest{}, ErrNotFound
		}
		return BorrowRequest{}, fmt.Errorf("request: get: %w", err)
	}
	return req, nil
}

// GetForUpdate fetches a request inside tx and holds its row lock until the
// transaction ends.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (BorrowRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM borrow_requests WHERE id = $1 FOR UPDATE`, requestColumns)

	req, err := scanRequest(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BorrowRequest{}, ErrNotFound
		}
		return BorrowRequest{}, fmt.Errorf("request: get for update: %w", err)
	}
	return req, nil
}

// ListPendingForListing returns the pending requests for a listing, locked
// for the duration of tx. Used only inside the coordinator's decide
// transaction so the rejection fan-out sees a stable set.
func (r *PGRepository) ListPendingForListing(ctx context.Context, tx pgx.Tx, listingID string) ([]BorrowRequest, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM borrow_requests
		WHERE listing_id = $1 AND status = 'pending'
		ORDER BY created_at ASC
		FOR UPDATE
	`, requestColumns)

	rows, err := tx.Query(ctx, query, listingID)
	if err != nil {
		return nil, fmt.Errorf("request: list pending: %w", err)
	}
	defer rows.Close()

	return collectRequests(rows)
}

// ListForListing returns requests for a listing without taking locks, newest
// first. A non-empty status narrows the result. This is the owner-facing
// read path; the coordinator's decide transaction never uses it.
func (r *PGRepository) ListForListing(ctx context.Context, listingID string, status Status) ([]BorrowRequest, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM borrow_requests
		WHERE listing_id = $1 AND ($2 = '' OR status = $2::request_status)
		ORDER BY created_at DESC
	`, requestColumns)

	rows, err := r.pool.Query(ctx, query, listingID, string(status))
	if err != nil {
		return nil, fmt.Errorf("request: list for listing: %w", err)
	}
	defer rows.Close()

	return collectRequests(rows)
}

// ListForRequester returns all requests created by a user, newest first.
func (r *PGRepository) ListForRequester(ctx context.Context, requesterID string) ([]BorrowRequest, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM borrow_requests
		WHERE requester_id = $1
		ORDER BY created_at DESC
	`, requestColumns)

	rows, err := r.pool.Query(ctx, query, requesterID)
	if err != nil {
		return nil, fmt.Errorf("request: list for requester: %w", err)
	}
	defer rows.Close()

	return collectRequests(rows)
}

// TrySetStatus performs an atomic compare-and-set on the request status,
// recording the decision reason when one is supplied. Returns false, with no
// error, when the current status does not match expected.
func (r *PGRepository) TrySetStatus(ctx context.Context, tx pgx.Tx, id string, expected, next Status, reason *string) (bool, error) {
	if !expected.Valid() || !next.Valid() {
		return false, ErrInvalidStatus
	}

	const query = `
		UPDATE borrow_requests
		SET status = $3::request_status,
		    decision_reason = COALESCE($4, decision_reason),
		    updated_at = get_tx_timestamp()
		WHERE id = $1 AND status = $2::request_status
	`

	tag, err := tx.Exec(ctx, query, id, expected, next, reason)
	if err != nil {
		return false, fmt.Errorf("request: try set status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimOverdue marks up to limit approved requests past their due date as
// overdue-notified and returns them. The SKIP LOCKED claim lets concurrent
// sweepers each take a disjoint slice, and the NULL guard on
// overdue_notified_at makes the claim fire at most once per request.
func (r *PGRepository) ClaimOverdue(ctx context.Context, tx pgx.Tx, asOf time.Time, limit int) ([]BorrowRequest, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	query := fmt.Sprintf(`
		UPDATE borrow_requests
		SET overdue_notified_at = get_tx_timestamp(),
		    updated_at = get_tx_timestamp()
		WHERE id IN (
			SELECT id FROM borrow_requests
			WHERE status = 'approved'
			  AND return_due_at <= $1
			  AND overdue_notified_at IS NULL
			ORDER BY return_due_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s
	`, requestColumns)

	rows, err := tx.Query(ctx, query, asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("request: claim overdue: %w", err)
	}
	defer rows.Close()

	return collectRequests(rows)
}

func collectRequests(rows pgx.Rows) ([]BorrowRequest, error) {
	out := make([]BorrowRequest, 0, 8)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("request: scan: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("request: iterate: %w", err)
	}
	return out, nil
}

func scanRequest(row pgx.Row) (BorrowRequest, error) {
	var req BorrowRequest
	return req, row.Scan(
		&req.ID,
		&req.ListingID,
		&req.RequesterID,
		&req.LoanStart,
		&req.ReturnDueAt,
		&req.Status,
		&req.DecisionReason,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
}
