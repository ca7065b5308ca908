package arbitration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shelfshare/listing"
	"shelfshare/notify"
	"shelfshare/request"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrSelfRequest signals an owner applying to borrow their own listing.
	ErrSelfRequest = errors.New("arbitration: self-request")
	// ErrInvalidLoanStart signals a missing or zero loan start.
	ErrInvalidLoanStart = errors.New("arbitration: invalid loan start")
	// ErrListingNotAvailable signals the listing left Available before the
	// operation committed. The expected outcome of losing a race.
	ErrListingNotAvailable = errors.New("arbitration: listing not available")
	// ErrAlreadyDecided signals a second decision on the same request.
	ErrAlreadyDecided = errors.New("arbitration: request already decided")
	// ErrRequestMismatch signals the request does not belong to the
	// addressed listing.
	ErrRequestMismatch = errors.New("arbitration: request does not belong to listing")
	// ErrNotActiveLoan signals a return on a request that is not Approved.
	ErrNotActiveLoan = errors.New("arbitration: not an active loan")
	// ErrInconsistentState signals an Approved request whose listing is not
	// Loaned. This is an invariant breach, not a losable race.
	ErrInconsistentState = errors.New("arbitration: listing state inconsistent with approved request")
	// ErrForbidden signals a read restricted to the listing owner.
	ErrForbidden = errors.New("arbitration: forbidden")
)

// Outcome is the owner's verdict on a pending request.
type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeReject  Outcome = "reject"
)

// RejectReasonListingTaken is recorded on sibling requests auto-rejected by a
// winning approval.
const RejectReasonListingTaken = "listing-taken"

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TimelineWriter appends immutable loan events inside the caller's
// transaction.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, listingID string, requestID *string, eventType string, actorID *string, payload map[string]any) error
}

// OutboxWriter enqueues notification messages inside the caller's
// transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service is the arbitration coordinator. It owns no persistent state, only
// the transition protocol: every operation runs in a single transaction
// spanning the listing row, the affected request rows, the loan-event
// timeline, and the outbox. Status writes are compare-and-set against an
// expected prior value, never unconditional, so losing a race surfaces as a
// Conflict instead of a lost update.
type Service struct {
	pool     TxBeginner
	listings listing.Repository
	requests request.Repository
	timeline TimelineWriter
	outbox   OutboxWriter
	now      func() time.Time
}

func NewService(pool TxBeginner, listings listing.Repository, requests request.Repository, timeline TimelineWriter, out OutboxWriter) *Service {
	if timeline == nil {
		timeline = NewTimeline()
	}
	return &Service{
		pool:     pool,
		listings: listings,
		requests: requests,
		timeline: timeline,
		outbox:   out,
		now:      time.Now,
	}
}

// WithClock overrides the wall clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SubmitParams carries a borrower's application for a listing.
type SubmitParams struct {
	ListingID   string
	RequesterID string
	LoanStart   time.Time
}

// SubmitRequest creates a pending borrow request for an available listing.
// The listing row lock serializes submission against a concurrent approval,
// and the pending-uniqueness constraint closes the race between two
// submissions by the same requester.
func (s *Service) SubmitRequest(ctx context.Context, params SubmitParams) (request.BorrowRequest, error) {
	if params.ListingID == "" {
		return request.BorrowRequest{}, fmt.Errorf("arbitration: submit missing listing id")
	}
	if params.RequesterID == "" {
		return request.BorrowRequest{}, fmt.Errorf("arbitration: submit missing requester id")
	}
	if params.LoanStart.IsZero() {
		return request.BorrowRequest{}, ErrInvalidLoanStart
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return request.BorrowRequest{}, fmt.Errorf("arbitration: begin submit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	l, err := s.listings.GetForUpdate(ctx, tx, params.ListingID)
	if err != nil {
		return request.BorrowRequest{}, err
	}
	if l.Status != listing.StatusAvailable {
		return request.BorrowRequest{}, ErrListingNotAvailable
	}
	if l.OwnerID == params.RequesterID {
		return request.BorrowRequest{}, ErrSelfRequest
	}

	req, err := s.requests.Create(ctx, tx, request.CreateParams{
		ListingID:   params.ListingID,
		RequesterID: params.RequesterID,
		LoanStart:   params.LoanStart,
	})
	if err != nil {
		return request.BorrowRequest{}, err
	}

	if err := s.timeline.Append(ctx, tx, l.ID, &req.ID, EventRequestSubmitted, &params.RequesterID, map[string]any{
		"loan_start":    req.LoanStart.UTC(),
		"return_due_at": req.ReturnDueAt.UTC(),
	}); err != nil {
		return request.BorrowRequest{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, notify.TopicRequestSubmitted, s.eventPayload(l, req, nil)); err != nil {
		return request.BorrowRequest{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return request.BorrowRequest{}, fmt.Errorf("arbitration: commit submit: %w", err)
	}
	return req, nil
}

// DecideParams carries the owner's verdict. IdempotencyKey, when set, makes a
// replayed call a no-op that reports the already-committed state.
type DecideParams struct {
	ListingID      string
	RequestID      string
	Outcome        Outcome
	Reason         *string
	ActorID        string
	IdempotencyKey string
}

// DecisionResult reports the state committed by a decide call.
type DecisionResult struct {
	Request          request.BorrowRequest
	RejectedSiblings []request.BorrowRequest
	Replayed         bool
}

// Decide resolves a pending request to Approved or Rejected exactly once.
//
// The approve path is the critical section: listing available->loaned is the
// single serialization point, so of two concurrent approvals for the same
// listing exactly one commits and the other observes Loaned and fails with
// ErrListingNotAvailable. First committer wins, no queueing. The sibling
// fan-out happens under the same transaction, so a reader never observes a
// partially rejected set. Any mid-sequence failure rolls the whole
// transaction back; there is no partially-applied outcome to compensate.
func (s *Service) Decide(ctx context.Context, params DecideParams) (DecisionResult, error) {
	if params.RequestID == "" {
		return DecisionResult{}, fmt.Errorf("arbitration: decide missing request id")
	}
	if params.Outcome != OutcomeApprove && params.Outcome != OutcomeReject {
		return DecisionResult{}, fmt.Errorf("arbitration: invalid outcome %q", params.Outcome)
	}

	// Unlocked snapshot first, to learn the listing. Locks inside the
	// transaction are always taken listing-first, then request rows, so the
	// approve fan-out and a concurrent reject cannot deadlock each other.
	snapshot, err := s.requests.Get(ctx, params.RequestID)
	if err != nil {
		return DecisionResult{}, err
	}
	if params.ListingID != "" && snapshot.ListingID != params.ListingID {
		return DecisionResult{}, ErrRequestMismatch
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return DecisionResult{}, fmt.Errorf("arbitration: begin decide tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if params.IdempotencyKey != "" {
		if err := insertIdempotencyKey(ctx, tx, params.IdempotencyKey); err != nil {
			if errors.Is(err, errDuplicateIdempotencyKey) {
				return s.replayResult(ctx, params.RequestID)
			}
			return DecisionResult{}, err
		}
	}

	l, err := s.listings.GetForUpdate(ctx, tx, snapshot.ListingID)
	if err != nil {
		return DecisionResult{}, err
	}
	if params.ActorID != "" && l.OwnerID != params.ActorID {
		return DecisionResult{}, ErrForbidden
	}
	req, err := s.requests.GetForUpdate(ctx, tx, params.RequestID)
	if err != nil {
		return DecisionResult{}, err
	}
	// Revalidate under the lock; the snapshot may be stale.
	if req.Status != request.StatusPending {
		return DecisionResult{}, ErrAlreadyDecided
	}

	var result DecisionResult
	if params.Outcome == OutcomeApprove {
		result, err = s.approve(ctx, tx, l, req, params)
	} else {
		result, err = s.reject(ctx, tx, l, req, params)
	}
	if err != nil {
		return DecisionResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return DecisionResult{}, fmt.Errorf("arbitration: commit decide: %w", err)
	}
	return result, nil
}

func (s *Service) approve(ctx context.Context, tx pgx.Tx, l listing.Listing, req request.BorrowRequest, params DecideParams) (DecisionResult, error) {
	ok, err := s.listings.TrySetStatus(ctx, tx, req.ListingID, listing.StatusAvailable, listing.StatusLoaned)
	if err != nil {
		return DecisionResult{}, err
	}
	if !ok {
		return DecisionResult{}, ErrListingNotAvailable
	}

	ok, err = s.requests.TrySetStatus(ctx, tx, req.ID, request.StatusPending, request.StatusApproved, nil)
	if err != nil {
		return DecisionResult{}, err
	}
	if !ok {
		// Rolling back the transaction reverts the listing flip above.
		return DecisionResult{}, ErrAlreadyDecided
	}
	req.Status = request.StatusApproved

	siblings, err := s.requests.ListPendingForListing(ctx, tx, req.ListingID)
	if err != nil {
		return DecisionResult{}, err
	}

	taken := RejectReasonListingTaken
	rejected := make([]request.BorrowRequest, 0, len(siblings))
	for _, sib := range siblings {
		if sib.ID == req.ID {
			continue
		}
		ok, err := s.requests.TrySetStatus(ctx, tx, sib.ID, request.StatusPending, request.StatusRejected, &taken)
		if err != nil {
			return DecisionResult{}, err
		}
		if !ok {
			// The row is locked by this transaction; a miss here means the
			// pending snapshot lied and the store cannot be trusted.
			return DecisionResult{}, fmt.Errorf("arbitration: sibling %s changed state mid-transaction", sib.ID)
		}
		sib.Status = request.StatusRejected
		sib.DecisionReason = &taken

		if err := s.timeline.Append(ctx, tx, l.ID, &sib.ID, EventRequestRejected, &params.ActorID, map[string]any{
			"reason": taken,
			"won_by": req.ID,
		}); err != nil {
			return DecisionResult{}, err
		}
		payload := s.eventPayload(l, sib, &taken)
		if err := s.outbox.Enqueue(ctx, tx, notify.TopicRequestRejected, payload); err != nil {
			return DecisionResult{}, err
		}
		rejected = append(rejected, sib)
	}

	if err := s.timeline.Append(ctx, tx, l.ID, &req.ID, EventRequestApproved, &params.ActorID, map[string]any{
		"return_due_at":    req.ReturnDueAt.UTC(),
		"rejected_pending": len(rejected),
	}); err != nil {
		return DecisionResult{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, notify.TopicRequestApproved, s.eventPayload(l, req, nil)); err != nil {
		return DecisionResult{}, err
	}

	return DecisionResult{Request: req, RejectedSiblings: rejected}, nil
}

func (s *Service) reject(ctx context.Context, tx pgx.Tx, l listing.Listing, req request.BorrowRequest, params DecideParams) (DecisionResult, error) {
	ok, err := s.requests.TrySetStatus(ctx, tx, req.ID, request.StatusPending, request.StatusRejected, params.Reason)
	if err != nil {
		return DecisionResult{}, err
	}
	if !ok {
		return DecisionResult{}, ErrAlreadyDecided
	}
	req.Status = request.StatusRejected
	req.DecisionReason = params.Reason

	payload := map[string]any{}
	if params.Reason != nil {
		payload["reason"] = *params.Reason
	}
	if err := s.timeline.Append(ctx, tx, l.ID, &req.ID, EventRequestRejected, &params.ActorID, payload); err != nil {
		return DecisionResult{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, notify.TopicRequestRejected, s.eventPayload(l, req, params.Reason)); err != nil {
		return DecisionResult{}, err
	}

	return DecisionResult{Request: req}, nil
}

// ReturnParams identifies the active loan being closed out.
type ReturnParams struct {
	ListingID      string
	RequestID      string
	ActorID        string
	IdempotencyKey string
}

// CompleteReturn closes an active loan: the approved request becomes
// Completed and the listing becomes Returned, terminally. Returned listings
// never accept new requests.
func (s *Service) CompleteReturn(ctx context.Context, params ReturnParams) (DecisionResult, error) {
	if params.RequestID == "" {
		return DecisionResult{}, fmt.Errorf("arbitration: return missing request id")
	}

	snapshot, err := s.requests.Get(ctx, params.RequestID)
	if err != nil {
		return DecisionResult{}, err
	}
	if params.ListingID != "" && snapshot.ListingID != params.ListingID {
		return DecisionResult{}, ErrRequestMismatch
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return DecisionResult{}, fmt.Errorf("arbitration: begin return tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if params.IdempotencyKey != "" {
		if err := insertIdempotencyKey(ctx, tx, params.IdempotencyKey); err != nil {
			if errors.Is(err, errDuplicateIdempotencyKey) {
				return s.replayResult(ctx, params.RequestID)
			}
			return DecisionResult{}, err
		}
	}

	l, err := s.listings.GetForUpdate(ctx, tx, snapshot.ListingID)
	if err != nil {
		return DecisionResult{}, err
	}
	req, err := s.requests.GetForUpdate(ctx, tx, params.RequestID)
	if err != nil {
		return DecisionResult{}, err
	}
	// Either party may close out the loan.
	if params.ActorID != "" && params.ActorID != l.OwnerID && params.ActorID != req.RequesterID {
		return DecisionResult{}, ErrForbidden
	}
	if req.Status != request.StatusApproved {
		return DecisionResult{}, ErrNotActiveLoan
	}
	if l.Status != listing.StatusLoaned {
		return DecisionResult{}, ErrInconsistentState
	}

	ok, err := s.requests.TrySetStatus(ctx, tx, req.ID, request.StatusApproved, request.StatusCompleted, nil)
	if err != nil {
		return DecisionResult{}, err
	}
	if !ok {
		return DecisionResult{}, ErrNotActiveLoan
	}
	ok, err = s.listings.TrySetStatus(ctx, tx, l.ID, listing.StatusLoaned, listing.StatusReturned)
	if err != nil {
		return DecisionResult{}, err
	}
	if !ok {
		return DecisionResult{}, ErrInconsistentState
	}
	req.Status = request.StatusCompleted

	if err := s.timeline.Append(ctx, tx, l.ID, &req.ID, EventListingReturned, &params.ActorID, map[string]any{
		"returned_at": s.now().UTC(),
	}); err != nil {
		return DecisionResult{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, notify.TopicListingReturned, s.eventPayload(l, req, nil)); err != nil {
		return DecisionResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return DecisionResult{}, fmt.Errorf("arbitration: commit return: %w", err)
	}
	return DecisionResult{Request: req}, nil
}

// ListingStatus reports the current listing status.
func (s *Service) ListingStatus(ctx context.Context, listingID string) (listing.Status, error) {
	l, err := s.listings.Get(ctx, listingID)
	if err != nil {
		return "", err
	}
	return l.Status, nil
}

// ListPending returns a listing's pending requests. Restricted to the
// listing owner; the caller layer supplies an already-authenticated ownerID.
func (s *Service) ListPending(ctx context.Context, listingID, ownerID string) ([]request.BorrowRequest, error) {
	l, err := s.listings.Get(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if l.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	return s.requests.ListForListing(ctx, listingID, request.StatusPending)
}

// SweepOverdue claims approved requests past their due date and enqueues one
// overdue notification per loan. Driven by the job scheduler.
func (s *Service) SweepOverdue(ctx context.Context, limit int) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("arbitration: begin sweep tx: %w", err)
	}
	defer tx.Rollback(ctx)

	overdue, err := s.requests.ClaimOverdue(ctx, tx, s.now(), limit)
	if err != nil {
		return 0, err
	}

	for _, req := range overdue {
		l, err := s.listings.Get(ctx, req.ListingID)
		if err != nil {
			return 0, err
		}
		if err := s.timeline.Append(ctx, tx, req.ListingID, &req.ID, EventLoanOverdue, nil, map[string]any{
			"return_due_at": req.ReturnDueAt.UTC(),
		}); err != nil {
			return 0, err
		}
		if err := s.outbox.Enqueue(ctx, tx, notify.TopicLoanOverdue, s.eventPayload(l, req, nil)); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("arbitration: commit sweep: %w", err)
	}
	return len(overdue), nil
}

// replayResult serves an idempotent replay: no writes, just the committed
// state of the request the original call decided.
func (s *Service) replayResult(ctx context.Context, requestID string) (DecisionResult, error) {
	req, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return DecisionResult{}, err
	}
	return DecisionResult{Request: req, Replayed: true}, nil
}

func (s *Service) eventPayload(l listing.Listing, req request.BorrowRequest, reason *string) map[string]any {
	payload := map[string]any{
		notify.KeyListingID:   l.ID,
		notify.KeyRequestID:   req.ID,
		notify.KeyRequesterID: req.RequesterID,
		notify.KeyOwnerID:     l.OwnerID,
		notify.KeyOccurredAt:  s.now().UTC().Format(time.RFC3339Nano),
	}
	if reason != nil {
		payload[notify.KeyReason] = *reason
	}
	return payload
}
