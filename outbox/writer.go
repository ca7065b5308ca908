package outbox

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/jackc/pgx/v5"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// Writer enqueues outbox messages inside the caller's transaction so the
// message commits atomically with the state change it describes.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// Enqueue inserts a pending outbox message.
func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: empty topic")
	}

	body, err := jsonCodec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}
