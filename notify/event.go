package notify

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

// Outbox topics produced by the arbitration coordinator. One message per
// committed transition, enqueued in the same transaction as the state change.
const (
	TopicRequestSubmitted = "request.submitted"
	TopicRequestApproved  = "request.approved"
	TopicRequestRejected  = "request.rejected"
	TopicListingReturned  = "listing.returned"
	TopicLoanOverdue      = "loan.overdue"
)

// Payload keys shared between the writer (coordinator) and the reader
// (dispatcher) sides of the outbox.
const (
	KeyListingID   = "listing_id"
	KeyRequestID   = "request_id"
	KeyRequesterID = "requester_id"
	KeyOwnerID     = "owner_id"
	KeyReason      = "reason"
	KeyOccurredAt  = "occurred_at"
)

// Recipient identifies a user a notification is addressed to, shaped with the
// display name from the identity collaborator.
type Recipient struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Event is the committed decision event handed to the notification gateway.
// Production is exactly once per committed transition; delivery is the
// gateway's concern.
type Event struct {
	Topic      string      `json:"topic"`
	ListingID  string      `json:"listing_id"`
	RequestID  string      `json:"request_id,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Recipients []Recipient `json:"recipients"`
	OccurredAt time.Time   `json:"occurred_at"`
}

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// DecodePayload unmarshals a raw outbox payload into the loosely typed map
// the shaping layer works with.
func DecodePayload(raw []byte) (map[string]any, error) {
	payload := make(map[string]any)
	if err := codec.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// EncodeEvent serializes an event for transports that want bytes.
func EncodeEvent(ev Event) ([]byte, error) {
	return codec.Marshal(ev)
}
