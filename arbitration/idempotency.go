package arbitration

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// errDuplicateIdempotencyKey signals the key insert hit the existing-key
// guardrail; the caller's operation already committed once.
var errDuplicateIdempotencyKey = errors.New("arbitration: duplicate idempotency key")

// insertIdempotencyKey reserves the key inside the active transaction.
func insertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	_, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, key)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errDuplicateIdempotencyKey
		}
		return fmt.Errorf("arbitration: insert idempotency key: %w", err)
	}
	return nil
}
