// Package inbound turns relay topic traffic into store updates and immediate sends.
package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/goccy/go-json"

	"duster/internal/domain"
	"duster/internal/events"
	"duster/internal/observability"
	"duster/internal/store"
	"duster/internal/topic"
	"duster/internal/transport"
)

// Sender is the part of the dispatcher used for immediate sends.
type Sender interface {
	TrySend(ctx context.Context, m domain.Message, period time.Duration) (bool, error)
}

type Handler struct {
	Store  store.Store
	Sender Sender
	Events events.Publisher
	// SendPeriod is the rate window opened by an immediate send.
	SendPeriod time.Duration
	Now        func() time.Time
}

// Handle processes one inbound message. It never panics and never returns an
// error: failures are logged and the message is dropped.
func (h *Handler) Handle(ctx context.Context, msg transport.Message) {
	route, err := topic.Classify(msg.Topic)
	if err != nil {
		observability.InboundMessages.WithLabelValues("unknown", "ignored").Inc()
		slog.Warn("ignoring message on unknown topic", "topic", msg.Topic, "err", err)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			observability.InboundMessages.WithLabelValues(route.Source.String(), "error").Inc()
			slog.Error("inbound handler panic",
				"topic", msg.Topic,
				"device_id", route.DeviceID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()

	switch route.Source {
	case topic.Producer:
		err = h.handleProducer(ctx, route.DeviceID, msg.Payload)
	case topic.Consumer:
		err = h.handleConsumer(ctx, route.DeviceID, msg.Payload)
	}
	result := "ok"
	if err != nil {
		result = "error"
		slog.Error("inbound message failed",
			"source", route.Source.String(),
			"topic", msg.Topic,
			"device_id", route.DeviceID,
			"err", err,
		)
	}
	observability.InboundMessages.WithLabelValues(route.Source.String(), result).Inc()
}

func (h *Handler) handleProducer(ctx context.Context, deviceID string, payload []byte) error {
	var in domain.ProducerMessageIn
	if err := json.Unmarshal(payload, &in); err != nil {
		return fmt.Errorf("decode producer payload: %w", err)
	}
	if err := in.Validate(); err != nil {
		return err
	}

	// Checked before saving so the new message does not count as its own backlog.
	backlog, err := h.Store.ExistsUndeliveredFor(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("check backlog: %w", err)
	}

	m, err := h.Store.Save(ctx, domain.NewMessage(in, deviceID, h.now()))
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	slog.Info("producer command received",
		"device_id", deviceID,
		"message_id", m.ID,
		"command", m.Command,
		"guarantee", string(m.DeliveryGuarantee),
	)

	if backlog {
		observability.ImmediateSends.WithLabelValues("backlog").Inc()
		slog.Warn("immediate send skipped",
			"device_id", deviceID,
			"message_id", m.ID,
			"reason", "backlog",
			"rate_window", "not_checked",
		)
		return nil
	}

	sent, err := h.Sender.TrySend(ctx, m, h.SendPeriod)
	if err != nil {
		observability.ImmediateSends.WithLabelValues("error").Inc()
		return fmt.Errorf("send message %d: %w", m.ID, err)
	}
	if !sent {
		observability.ImmediateSends.WithLabelValues("rate_limited").Inc()
		slog.Warn("immediate send skipped", "device_id", deviceID, "message_id", m.ID, "reason", "rate_limited")
		return nil
	}
	observability.ImmediateSends.WithLabelValues("sent").Inc()

	now := h.now()
	if m.DeliveryGuarantee != domain.GuaranteeNo {
		if _, err := h.Store.UpdateDeliveryStatus(ctx, m.ID, false, now); err != nil {
			return fmt.Errorf("record send of message %d: %w", m.ID, err)
		}
		return nil
	}
	if _, err := h.Store.UpdateDeliveryStatus(ctx, m.ID, true, now); err != nil {
		return fmt.Errorf("mark message %d delivered: %w", m.ID, err)
	}
	events.Emit(ctx, h.Events, events.DeliveryEvent{
		MessageID:  m.ID,
		DeviceID:   deviceID,
		Command:    m.Command,
		Status:     events.StatusDelivered,
		OccurredAt: now,
	})
	return nil
}

func (h *Handler) handleConsumer(ctx context.Context, deviceID string, payload []byte) error {
	var in domain.ConsumerMessageIn
	if err := json.Unmarshal(payload, &in); err != nil {
		return fmt.Errorf("decode consumer payload: %w", err)
	}
	if in.ID == 0 {
		return domain.ErrMissingID
	}

	now := h.now()
	n, err := h.Store.UpdateDeliveryStatus(ctx, in.ID, true, now)
	if err != nil {
		return fmt.Errorf("mark message %d delivered: %w", in.ID, err)
	}
	if n == 0 {
		slog.Error("acknowledgement for unknown message", "device_id", deviceID, "message_id", in.ID)
		return nil
	}
	slog.Info("message acknowledged", "device_id", deviceID, "message_id", in.ID)
	events.Emit(ctx, h.Events, events.DeliveryEvent{
		MessageID:  in.ID,
		DeviceID:   deviceID,
		Command:    in.Command,
		Status:     events.StatusDelivered,
		OccurredAt: now,
	})
	return nil
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}
