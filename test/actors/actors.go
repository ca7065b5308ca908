package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"shelfshare/arbitration"
	"shelfshare/outbox"
	"shelfshare/request"
)

// contention returns true for errors that losing a race legitimately
// produces. Anything else is a real failure the stress run must surface.
func contention(err error) bool {
	return errors.Is(err, arbitration.ErrListingNotAvailable) ||
		errors.Is(err, arbitration.ErrAlreadyDecided) ||
		errors.Is(err, arbitration.ErrNotActiveLoan) ||
		errors.Is(err, arbitration.ErrSelfRequest) ||
		errors.Is(err, request.ErrDuplicatePending) ||
		errors.Is(err, request.ErrNotFound)
}

// transient returns true for failures the chaos actor inflicts: terminated
// backends, serialization aborts, dropped connections.
func transient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "57P01", "40001", "40P01", "08006":
			return true
		}
	}
	return errors.Is(err, pgx.ErrTxClosed) || pgconn.SafeToRetry(err)
}

func tolerable(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || contention(err) || transient(err)
}

// Lister keeps fresh inventory flowing so approvals never starve the run:
// every listing admits exactly one loan, terminally.
func Lister(ctx context.Context, pool *pgxpool.Pool, ownerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `INSERT INTO listings (owner_id, title) VALUES ($1, $2)`,
			ownerID, fmt.Sprintf("Paperback %d", rand.Int63()))
		if err != nil && !transient(err) && ctx.Err() == nil {
			return fmt.Errorf("lister insert: %w", err)
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// Submitter races other submitters to file pending requests against random
// available listings.
func Submitter(ctx context.Context, pool *pgxpool.Pool, svc *arbitration.Service, borrowerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var listingID string
		err := pool.QueryRow(ctx, `SELECT id FROM listings WHERE status='available' AND owner_id <> $1 ORDER BY random() LIMIT 1`, borrowerID).Scan(&listingID)
		if err == nil {
			_, err = svc.SubmitRequest(ctx, arbitration.SubmitParams{
				ListingID:   listingID,
				RequesterID: borrowerID,
				LoanStart:   time.Now().UTC(),
			})
		}
		if err != nil && !tolerable(err) && ctx.Err() == nil {
			return fmt.Errorf("submitter: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Decider plays the owner: it grabs a random pending request on one of the
// owner's listings and approves or rejects. Concurrent deciders hitting the
// same listing exercise the single-winner guarantee.
func Decider(ctx context.Context, pool *pgxpool.Pool, svc *arbitration.Service, ownerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var requestID, listingID string
		err := pool.QueryRow(ctx, `
			SELECT r.id, r.listing_id FROM borrow_requests r
			JOIN listings l ON l.id = r.listing_id
			WHERE r.status='pending' AND l.owner_id=$1
			ORDER BY random() LIMIT 1`, ownerID).Scan(&requestID, &listingID)
		if err == nil {
			outcome := arbitration.OutcomeApprove
			var reason *string
			if rand.Intn(4) == 0 {
				outcome = arbitration.OutcomeReject
				r := "owner declined"
				reason = &r
			}
			_, err = svc.Decide(ctx, arbitration.DecideParams{
				ListingID: listingID,
				RequestID: requestID,
				Outcome:   outcome,
				Reason:    reason,
				ActorID:   ownerID,
			})
		}
		if err != nil && !tolerable(err) && ctx.Err() == nil {
			return fmt.Errorf("decider: %w", err)
		}
		time.Sleep(time.Duration(15+rand.Intn(30)) * time.Millisecond)
	}
}

// Returner closes random active loans, racing other returners on the same
// request to check the completion CAS.
func Returner(ctx context.Context, pool *pgxpool.Pool, svc *arbitration.Service, ownerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var requestID, listingID string
		err := pool.QueryRow(ctx, `
			SELECT r.id, r.listing_id FROM borrow_requests r
			JOIN listings l ON l.id = r.listing_id
			WHERE r.status='approved' AND l.owner_id=$1
			ORDER BY random() LIMIT 1`, ownerID).Scan(&requestID, &listingID)
		if err == nil {
			_, err = svc.CompleteReturn(ctx, arbitration.ReturnParams{
				ListingID: listingID,
				RequestID: requestID,
				ActorID:   ownerID,
			})
		}
		if err != nil && !tolerable(err) && ctx.Err() == nil {
			return fmt.Errorf("returner: %w", err)
		}
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// OutboxWorker drains the outbox through the real dispatcher so delivery,
// retry counting and SKIP LOCKED claiming all run under contention.
func OutboxWorker(ctx context.Context, dispatcher *outbox.Dispatcher, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := dispatcher.RunOnce(ctx); err != nil && !transient(err) && ctx.Err() == nil {
			return fmt.Errorf("outbox worker: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// OverdueSweeper runs the overdue scan; with fresh loans it mostly finds
// nothing, which is itself the point: it must never flag a live loan.
func OverdueSweeper(ctx context.Context, svc *arbitration.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := svc.SweepOverdue(ctx, 50); err != nil && !transient(err) && ctx.Err() == nil {
			return fmt.Errorf("overdue sweeper: %w", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}
