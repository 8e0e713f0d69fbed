// Package notify broadcasts committed summary changes over Redis pub/sub.
// Delivery is at-most-once and best-effort; the billing engine never waits
// for subscribers.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lineabill/lineabill/internal/billing"
)

// Channel is the pub/sub channel summary updates are announced on.
const Channel = "rcc.summary.updated"

// SummaryEvent is the wire form of one announcement.
type SummaryEvent struct {
	SummaryID int64          `json:"summary_id"`
	Totals    billing.Totals `json:"totals"`
	At        time.Time      `json:"at"`
}

// Publisher announces summary snapshots to any number of subscribers.
type Publisher struct {
	client *redis.Client
	now    func() time.Time
}

// NewPublisher wraps the Redis client.
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client, now: time.Now}
}

// PublishSummary broadcasts the new totals for a summary. A nil client makes
// the publisher a no-op so tests and single-process setups can skip Redis.
func (p *Publisher) PublishSummary(ctx context.Context, summaryID int64, totals billing.Totals) error {
	if p == nil || p.client == nil {
		return nil
	}
	payload, err := json.Marshal(SummaryEvent{SummaryID: summaryID, Totals: totals, At: p.now().UTC()})
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, Channel, payload).Err()
}

// Listen subscribes to summary announcements and forwards decoded events
// until the context is cancelled. Malformed payloads are skipped.
func Listen(ctx context.Context, client *redis.Client, events chan<- SummaryEvent) error {
	if client == nil {
		return nil
	}
	sub := client.Subscribe(ctx, Channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}
	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event SummaryEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return nil
}
