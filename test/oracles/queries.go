package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant checks. Each query selects violating rows, so an
// empty result set means the invariant holds.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_loaned_iff_one_approved",
			SQL: `SELECT l.id, l.status, COALESCE(a.n, 0) AS approved
                  FROM listings l
                  LEFT JOIN (SELECT listing_id, COUNT(*) AS n
                             FROM borrow_requests WHERE status = 'approved'
                             GROUP BY listing_id) a ON a.listing_id = l.id
                  WHERE (l.status = 'loaned' AND COALESCE(a.n, 0) <> 1)
                     OR (l.status <> 'loaned' AND COALESCE(a.n, 0) > 0)`,
		},
		{
			Name: "O2_single_winner_per_listing",
			SQL: `SELECT listing_id, COUNT(*) FROM borrow_requests
                  WHERE status IN ('approved', 'completed')
                  GROUP BY listing_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_no_pending_after_available",
			SQL: `SELECT r.id, l.status FROM borrow_requests r
                  JOIN listings l ON l.id = r.listing_id
                  WHERE r.status = 'pending' AND l.status <> 'available'`,
		},
		{
			Name: "O4_event_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT listing_id, seq,
                             LAG(seq) OVER (PARTITION BY listing_id ORDER BY seq) AS prev
                      FROM loan_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O5_outbox_not_stale",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status NOT IN ('processed', 'dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O6_taken_rejection_has_winner",
			SQL: `SELECT r.id FROM borrow_requests r
                  WHERE r.status = 'rejected' AND r.decision_reason = 'listing-taken'
                    AND NOT EXISTS (SELECT 1 FROM borrow_requests w
                                    WHERE w.listing_id = r.listing_id
                                      AND w.status IN ('approved', 'completed'))`,
		},
		{
			Name: "O7_returned_has_completed_loan",
			SQL: `SELECT l.id FROM listings l
                  WHERE l.status = 'returned'
                    AND NOT EXISTS (SELECT 1 FROM borrow_requests r
                                    WHERE r.listing_id = l.id AND r.status = 'completed')`,
		},
		{
			Name: "O8_timeline_append_only_guard",
			SQL: `SELECT 'missing_no_mutate_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_mutate_loan_events')`,
		},
		{
			Name: "O9_due_date_matches_loan_period",
			SQL: `SELECT id FROM borrow_requests
                  WHERE return_due_at <> loan_start + interval '14 days'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
