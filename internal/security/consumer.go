package security

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	inats "github.com/pixelforge-ai/pixelforge/internal/nats"
)

// Consumer listens on the security event NATS subject and persists entries
// to the database.
type Consumer struct {
	repo        *Repository
	consumerMgr *inats.ConsumerManager
}

func NewConsumer(repo *Repository, consumerMgr *inats.ConsumerManager) *Consumer {
	return &Consumer{
		repo:        repo,
		consumerMgr: consumerMgr,
	}
}

// Start begins the consume loop. Blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	consumer, err := c.consumerMgr.EnsureConsumer(ctx, inats.StreamEvents, "security-persister", inats.SubjectSecurityEvent)
	if err != nil {
		return err
	}

	slog.Info("security event consumer started", "consumer", "security-persister")

	for {
		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(inats.FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("security consumer: fetching events", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handleEvent(ctx, msg)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) handleEvent(ctx context.Context, msg jetstream.Msg) {
	var event inats.SecurityEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		slog.Error("security consumer: unmarshaling event", "error", err)
		_ = msg.Nak()
		return
	}

	row := convertEvent(event)
	if err := c.repo.InsertEvent(ctx, row); err != nil {
		slog.Error("security consumer: persisting event", "error", err, "event_type", event.EventType)
		_ = msg.Nak()
		return
	}

	_ = msg.Ack()

	slog.Debug("security consumer: persisted event",
		"event_type", event.EventType,
		"severity", event.Severity,
	)
}

func convertEvent(event inats.SecurityEvent) *Event {
	return &Event{
		ID:        uuid.New(),
		UserID:    event.UserID,
		APIKeyID:  event.APIKeyID,
		EventType: event.EventType,
		Severity:  event.Severity,
		IPAddress: event.IPAddress,
		Details:   event.Details,
		CreatedAt: event.Timestamp,
	}
}
