// Package events carries delivery status notifications out of the relay.
package events

import (
	"context"
	"log/slog"
	"time"

	"duster/internal/util"
)

type Status string

const (
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "delivery_failed"
)

// DeliveryEvent is kept small; SQS caps a message at 256KB.
type DeliveryEvent struct {
	EventID    string    `json:"eventId"`
	MessageID  int64     `json:"messageId"`
	DeviceID   string    `json:"deviceId"`
	Command    string    `json:"command,omitempty"`
	Status     Status    `json:"status"`
	OccurredAt time.Time `json:"occurredAt"`
}

type Publisher interface {
	Publish(ctx context.Context, ev DeliveryEvent) error
}

// Nop discards events. Used when no events queue is configured.
type Nop struct{}

func (Nop) Publish(context.Context, DeliveryEvent) error { return nil }

// EmitTimeout bounds one Publish call made by Emit.
var EmitTimeout = 3 * time.Second

// Emit publishes an event through p. Failures are logged and swallowed.
func Emit(ctx context.Context, p Publisher, ev DeliveryEvent) {
	if p == nil {
		return
	}
	if ev.EventID == "" {
		ev.EventID = util.NewEventID()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = util.NowUTC()
	}
	ctx, cancel := context.WithTimeout(ctx, EmitTimeout)
	defer cancel()
	if err := p.Publish(ctx, ev); err != nil {
		slog.Error("delivery event publish failed",
			"err", err,
			"message_id", ev.MessageID,
			"device_id", ev.DeviceID,
			"status", ev.Status,
		)
	}
}
