package arbitration

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/jackc/pgx/v5"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// Loan-event types recorded on the per-listing timeline.
const (
	EventRequestSubmitted = "REQUEST_SUBMITTED"
	EventRequestApproved  = "REQUEST_APPROVED"
	EventRequestRejected  = "REQUEST_REJECTED"
	EventListingReturned  = "LISTING_RETURNED"
	EventLoanOverdue      = "LOAN_OVERDUE"
)

// Timeline appends immutable loan events. The per-listing sequence number is
// assigned by the store; rows are append-only.
type Timeline struct{}

func NewTimeline() *Timeline {
	return &Timeline{}
}

// Append inserts one loan event inside the active transaction.
func (t *Timeline) Append(ctx context.Context, tx pgx.Tx, listingID string, requestID *string, eventType string, actorID *string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := jsonCodec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("arbitration: marshal timeline payload: %w", err)
	}

	var actor any
	if actorID != nil && *actorID != "" {
		actor = *actorID
	}
	var reqID any
	if requestID != nil && *requestID != "" {
		reqID = *requestID
	}

	const q = `
		INSERT INTO loan_events (listing_id, request_id, type, actor_id, payload)
		VALUES ($1, $2, $3, $4::uuid, $5::jsonb)
	`
	if _, err := tx.Exec(ctx, q, listingID, reqID, eventType, actor, body); err != nil {
		return fmt.Errorf("arbitration: insert loan event: %w", err)
	}
	return nil
}
