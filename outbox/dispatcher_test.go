package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"shelfshare/notify"
)

type fakeResolver struct {
	byID map[string]notify.Recipient
}

func (f *fakeResolver) Resolve(_ context.Context, userID string) (notify.Recipient, error) {
	rec, ok := f.byID[userID]
	if !ok {
		return notify.Recipient{}, errors.New("unknown user")
	}
	return rec, nil
}

func TestShape_ResolvesRecipientsByTopic(t *testing.T) {
	resolver := &fakeResolver{byID: map[string]notify.Recipient{
		"owner-1":    {ID: "owner-1", DisplayName: "Olive Owner"},
		"borrower-1": {ID: "borrower-1", DisplayName: "Bram Borrower"},
	}}
	d := NewDispatcher(nil, notify.NewLogGateway(nil), resolver, nil)

	occurred := time.Date(2026, time.March, 2, 9, 30, 0, 0, time.UTC)
	payload := []byte(`{
		"listing_id": "listing-1",
		"request_id": "req-1",
		"requester_id": "borrower-1",
		"owner_id": "owner-1",
		"occurred_at": "` + occurred.Format(time.RFC3339Nano) + `"
	}`)

	ev, err := d.shape(context.Background(), Message{
		ID:      "msg-1",
		Topic:   notify.TopicListingReturned,
		Payload: payload,
	})
	if err != nil {
		t.Fatalf("shape: %v", err)
	}

	if ev.ListingID != "listing-1" || ev.RequestID != "req-1" {
		t.Fatalf("unexpected event ids: %+v", ev)
	}
	if !ev.OccurredAt.Equal(occurred) {
		t.Fatalf("expected embedded occurred_at, got %v", ev.OccurredAt)
	}
	if len(ev.Recipients) != 2 {
		t.Fatalf("expected owner and requester recipients, got %+v", ev.Recipients)
	}
	if ev.Recipients[0].DisplayName != "Olive Owner" || ev.Recipients[1].DisplayName != "Bram Borrower" {
		t.Fatalf("unexpected recipients: %+v", ev.Recipients)
	}
}

func TestShape_UnresolvableRecipientFallsBackToID(t *testing.T) {
	d := NewDispatcher(nil, notify.NewLogGateway(nil), &fakeResolver{byID: map[string]notify.Recipient{}}, nil)

	ev, err := d.shape(context.Background(), Message{
		ID:      "msg-1",
		Topic:   notify.TopicRequestApproved,
		Payload: []byte(`{"listing_id":"l1","requester_id":"ghost-user"}`),
	})
	if err != nil {
		t.Fatalf("shape: %v", err)
	}
	if len(ev.Recipients) != 1 || ev.Recipients[0].ID != "ghost-user" || ev.Recipients[0].DisplayName != "" {
		t.Fatalf("expected bare-id fallback recipient, got %+v", ev.Recipients)
	}
}

func TestRecipientKeys_PerTopic(t *testing.T) {
	cases := map[string]int{
		notify.TopicRequestSubmitted: 1,
		notify.TopicRequestApproved:  1,
		notify.TopicRequestRejected:  1,
		notify.TopicListingReturned:  2,
		notify.TopicLoanOverdue:      2,
		"unknown.topic":              0,
	}
	for topic, want := range cases {
		if got := len(recipientKeys(topic)); got != want {
			t.Errorf("topic %s: expected %d recipient keys, got %d", topic, want, got)
		}
	}
}
