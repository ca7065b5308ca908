package notify

import (
	"context"
	"log/slog"
)

// Gateway is the consumed notification collaborator. Publish is
// fire-and-forget from the coordinator's perspective; the coordinator never
// blocks a state-transition commit on it.
type Gateway interface {
	Publish(ctx context.Context, ev Event) error
}

// Resolver looks up the display name used to shape notification payloads.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (Recipient, error)
}

// LogGateway writes events to the structured log. It stands in for the
// external delivery transport in development and tests.
type LogGateway struct {
	log *slog.Logger
}

func NewLogGateway(log *slog.Logger) *LogGateway {
	if log == nil {
		log = slog.Default()
	}
	return &LogGateway{log: log}
}

func (g *LogGateway) Publish(_ context.Context, ev Event) error {
	g.log.Info("notification published",
		"topic", ev.Topic,
		"listing_id", ev.ListingID,
		"request_id", ev.RequestID,
		"recipients", len(ev.Recipients),
		"reason", ev.Reason,
	)
	return nil
}
