package listing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the listing does not exist.
	ErrNotFound = errors.New("listing: not found")
	// ErrInvalidStatus signals a status outside the closed listing_status set.
	ErrInvalidStatus = errors.New("listing: invalid status")
)

// Repository is the data access contract for the listing registry. Write
// paths run inside the caller's transaction so the coordinator can span the
// listing and request updates atomically.
type Repository interface {
	Get(ctx context.Context, id string) (Listing, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Listing, error)
	List(ctx context.Context, status Status, limit int) ([]Listing, error)
	TrySetStatus(ctx context.Context, tx pgx.Tx, id string, expected, next Status) (bool, error)
	Create(ctx context.Context, params CreateParams) (Listing, error)
}

// CreateParams enumerates the fields supplied by the listing-creation
// collaborator.
type CreateParams struct {
	OwnerID  string
	Title    string
	ImageURL *string
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed registry implementation.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const listingColumns = `id, owner_id, title, image_url, status::text, created_at, updated_at`

// Get fetches a listing by its primary key.
func (r *PGRepository) Get(ctx context.Context, id string) (Listing, error) {
	query := fmt.Sprintf(`SELECT %s FROM listings WHERE id = $1`, listingColumns)

	l, err := scanListing(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: get: %w", err)
	}
	return l, nil
}

// GetForUpdate fetches a listing inside tx and holds its row lock until the
// transaction ends.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Listing, error) {
	query := fmt.Sprintf(`SELECT %s FROM listings WHERE id = $1 FOR UPDATE`, listingColumns)

	l, err := scanListing(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: get for update: %w", err)
	}
	return l, nil
}

// List returns the newest listings in the given status, for the catalog read.
func (r *PGRepository) List(ctx context.Context, status Status, limit int) ([]Listing, error) {
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := fmt.Sprintf(`
		SELECT %s FROM listings
		WHERE status = $1::listing_status
		ORDER BY created_at DESC
		LIMIT $2
	`, listingColumns)

	rows, err := r.pool.Query(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("listing: list: %w", err)
	}
	defer rows.Close()

	var out []Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("listing: list: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing: list: %w", err)
	}
	return out, nil
}

// TrySetStatus performs an atomic compare-and-set on the listing status. It
// returns false, with no error, when the current status does not match
// expected; the caller decides how to react.
func (r *PGRepository) TrySetStatus(ctx context.Context, tx pgx.Tx, id string, expected, next Status) (bool, error) {
	if !expected.Valid() || !next.Valid() {
		return false, ErrInvalidStatus
	}

	const query = `
		UPDATE listings
		SET status = $3::listing_status,
		    updated_at = get_tx_timestamp()
		WHERE id = $1 AND status = $2::listing_status
	`

	tag, err := tx.Exec(ctx, query, id, expected, next)
	if err != nil {
		return false, fmt.Errorf("listing: try set status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Create inserts a new available listing. Exercised by the seed/admin path
// and the test harness; the arbitration core never creates listings.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (Listing, error) {
	if params.OwnerID == "" {
		return Listing{}, fmt.Errorf("listing: owner id required")
	}
	if params.Title == "" {
		return Listing{}, fmt.Errorf("listing: title required")
	}

	query := fmt.Sprintf(`
		INSERT INTO listings (owner_id, title, image_url)
		VALUES ($1, $2, $3)
		RETURNING %s
	`, listingColumns)

	l, err := scanListing(r.pool.QueryRow(ctx, query, params.OwnerID, params.Title, params.ImageURL))
	if err != nil {
		return Listing{}, fmt.Errorf("listing: create: %w", err)
	}
	return l, nil
}

func scanListing(row pgx.Row) (Listing, error) {
	var l Listing
	return l, row.Scan(
		&l.ID,
		&l.OwnerID,
		&l.Title,
		&l.ImageURL,
		&l.Status,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
}
