package security

import (
	"context"
	"log/slog"
	"time"

	inats "github.com/pixelforge-ai/pixelforge/internal/nats"
)

// EventPublisher is the subset of the NATS publisher the recorder needs.
type EventPublisher interface {
	PublishSecurityEvent(ctx context.Context, ev inats.SecurityEvent) error
}

// Recorder emits security events. Events go through JetStream when it is
// available so request latency is not tied to the insert; when publishing
// fails or NATS is disabled, the event is written to the database directly.
// Recording never fails the request that triggered it.
type Recorder struct {
	publisher EventPublisher
	repo      *Repository
}

func NewRecorder(publisher EventPublisher, repo *Repository) *Recorder {
	return &Recorder{publisher: publisher, repo: repo}
}

// Record emits one event. The context is detached from the request so a
// cancelled request still leaves its trail.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	if r.publisher != nil {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()

		err := r.publisher.PublishSecurityEvent(pubCtx, inats.SecurityEvent{
			UserID:    ev.UserID,
			APIKeyID:  ev.APIKeyID,
			EventType: ev.EventType,
			Severity:  ev.Severity,
			IPAddress: ev.IPAddress,
			Details:   ev.Details,
			Timestamp: ev.CreatedAt,
		})
		if err == nil {
			return
		}
		slog.Warn("publishing security event, falling back to direct insert",
			"event_type", ev.EventType, "error", err)
	}

	insertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := r.repo.InsertEvent(insertCtx, &ev); err != nil {
		slog.Error("recording security event", "event_type", ev.EventType, "error", err)
	}
}
