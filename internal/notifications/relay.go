package notifications

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"duet/internal/feed"
	"duet/internal/models"
	"duet/internal/observability"
)

const relayPublishTimeout = 2 * time.Second

// Relay publishes committed change records to the local feed and to Redis,
// and injects records committed by other instances into the local feed.
type Relay struct {
	feed     *feed.Feed
	notifier *Notifier
	origin   string
}

// NewRelay creates a Relay. origin identifies this instance on the wire.
func NewRelay(f *feed.Feed, n *Notifier, origin string) *Relay {
	return &Relay{feed: f, notifier: n, origin: origin}
}

// Publish delivers rec locally, then forwards it to other instances.
func (r *Relay) Publish(rec models.ChangeRecord) {
	rec.Origin = r.origin
	r.feed.Publish(rec)

	if !r.notifier.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), relayPublishTimeout)
	defer cancel()
	if err := r.notifier.PublishChange(ctx, rec); err != nil {
		// Peers miss this record until they re-read; local delivery already happened.
		observability.LogAsyncOperationError(ctx, "relay_publish", err, map[string]any{
			"post_id": rec.PostID(),
			"kind":    string(rec.Kind),
		})
	}
}

// Start subscribes to records from other instances until ctx is done.
func (r *Relay) Start(ctx context.Context) error {
	return r.notifier.StartChangeSubscriber(ctx, func(channel, payload string) {
		var rec models.ChangeRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			observability.GlobalLogger.Warn("invalid change record",
				slog.String("channel", channel),
				slog.String("error", err.Error()),
			)
			return
		}
		if rec.Origin == r.origin {
			return
		}
		r.feed.Publish(rec)
	})
}
