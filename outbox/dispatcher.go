package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"shelfshare/notify"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultBatchSize   = 20
	defaultMaxAttempts = 5
)

// Dispatcher drains pending outbox messages and hands them to the
// notification gateway. Claiming uses FOR UPDATE SKIP LOCKED so multiple
// dispatcher instances never deliver the same message twice concurrently;
// delivery remains at-least-once across crashes.
type Dispatcher struct {
	pool        *pgxpool.Pool
	gateway     notify.Gateway
	resolver    notify.Resolver
	log         *slog.Logger
	batchSize   int
	maxAttempts int
	now         func() time.Time
}

func NewDispatcher(pool *pgxpool.Pool, gateway notify.Gateway, resolver notify.Resolver, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		pool:        pool,
		gateway:     gateway,
		resolver:    resolver,
		log:         log,
		batchSize:   defaultBatchSize,
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
	}
}

// RunOnce claims and delivers one batch. It returns the number of messages
// marked processed.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin dispatch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload, attempts
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim batch: %w", err)
	}

	batch := make([]Message, 0, d.batchSize)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: scan message: %w", err)
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("outbox: iterate batch: %w", err)
	}

	delivered := 0
	for _, m := range batch {
		if err := d.deliver(ctx, m); err != nil {
			d.log.Warn("outbox delivery failed", "id", m.ID, "topic", m.Topic, "attempt", m.Attempts+1, "error", err)
			status := StatusPending
			if m.Attempts+1 >= d.maxAttempts {
				status = StatusDead
			}
			if _, err := tx.Exec(ctx, `
				UPDATE outbox SET attempts = attempts + 1, status = $2, last_attempt = get_tx_timestamp() WHERE id = $1
			`, m.ID, status); err != nil {
				return delivered, fmt.Errorf("outbox: record failure: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE outbox SET status = 'processed', attempts = attempts + 1, last_attempt = get_tx_timestamp() WHERE id = $1
		`, m.ID); err != nil {
			return delivered, fmt.Errorf("outbox: mark processed: %w", err)
		}
		delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return delivered, fmt.Errorf("outbox: commit dispatch: %w", err)
	}
	return delivered, nil
}

func (d *Dispatcher) deliver(ctx context.Context, m Message) error {
	ev, err := d.shape(ctx, m)
	if err != nil {
		return err
	}
	return d.gateway.Publish(ctx, ev)
}

// shape turns a raw outbox payload into a gateway event, resolving recipient
// display names through the identity collaborator. An unresolvable user
// falls back to a bare id recipient rather than failing delivery.
func (d *Dispatcher) shape(ctx context.Context, m Message) (notify.Event, error) {
	payload, err := notify.DecodePayload(m.Payload)
	if err != nil {
		return notify.Event{}, fmt.Errorf("outbox: decode payload for %s: %w", m.ID, err)
	}

	ev := notify.Event{
		Topic:      m.Topic,
		ListingID:  stringField(payload, notify.KeyListingID),
		RequestID:  stringField(payload, notify.KeyRequestID),
		Reason:     stringField(payload, notify.KeyReason),
		OccurredAt: d.now().UTC(),
	}
	if ts := stringField(payload, notify.KeyOccurredAt); ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ev.OccurredAt = parsed
		}
	}

	for _, key := range recipientKeys(m.Topic) {
		id := stringField(payload, key)
		if id == "" {
			continue
		}
		ev.Recipients = append(ev.Recipients, d.resolveRecipient(ctx, id))
	}
	return ev, nil
}

func (d *Dispatcher) resolveRecipient(ctx context.Context, userID string) notify.Recipient {
	if d.resolver == nil {
		return notify.Recipient{ID: userID}
	}
	rec, err := d.resolver.Resolve(ctx, userID)
	if err != nil {
		d.log.Warn("recipient resolve failed", "user_id", userID, "error", err)
		return notify.Recipient{ID: userID}
	}
	return rec
}

// recipientKeys maps a topic to the payload fields naming its recipients.
func recipientKeys(topic string) []string {
	switch topic {
	case notify.TopicRequestSubmitted:
		return []string{notify.KeyOwnerID}
	case notify.TopicRequestApproved, notify.TopicRequestRejected:
		return []string{notify.KeyRequesterID}
	case notify.TopicListingReturned:
		return []string{notify.KeyOwnerID, notify.KeyRequesterID}
	case notify.TopicLoanOverdue:
		return []string{notify.KeyRequesterID, notify.KeyOwnerID}
	default:
		return nil
	}
}

func stringField(payload map[string]any, key string) string {
	v, ok := payload[key].(string)
	if !ok {
		return ""
	}
	return v
}
