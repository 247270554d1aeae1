// Package worker runs the delivery orchestrator: periodic redelivery of
// overdue, unacknowledged messages.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"duster/internal/domain"
	"duster/internal/events"
	"duster/internal/observability"
)

type Store interface {
	FindUndeliveredCreatedBefore(ctx context.Context, before time.Time) ([]domain.Message, error)
	FindDeliveredFlag(ctx context.Context, id int64) (delivered bool, found bool, err error)
	UpdateDeliveryStatus(ctx context.Context, id int64, delivered bool, at time.Time) (int64, error)
	UpdateDeliveryError(ctx context.Context, id int64, deliveredError bool) (int64, error)
}

type Sender interface {
	SendPaced(ctx context.Context, m domain.Message, window time.Duration) error
}

type RetryLoop struct {
	Store  Store
	Sender Sender
	Events events.Publisher

	// WaitResponseTimeout is how old an undelivered message must be to be retried.
	WaitResponseTimeout time.Duration
	// SendPeriod is the pause between a send and its delivery check.
	SendPeriod time.Duration
	// MaxConcurrentDevices bounds the per-cycle fan-out. 0 means one goroutine per device.
	MaxConcurrentDevices int

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// RunCycle retries every overdue undelivered message once. Devices are served
// concurrently, messages of one device strictly in creation order. A device
// stops for this cycle at its first unacknowledged message or publish error.
// Only the initial store query can fail the cycle.
func (l *RetryLoop) RunCycle(ctx context.Context) error {
	start := time.Now()
	defer func() {
		observability.RetryCycleDuration.Observe(time.Since(start).Seconds())
	}()

	before := l.now().Add(-l.WaitResponseTimeout)
	msgs, err := l.Store.FindUndeliveredCreatedBefore(ctx, before)
	if err != nil {
		observability.RetryCycles.WithLabelValues("error").Inc()
		return fmt.Errorf("find undelivered messages: %w", err)
	}
	if len(msgs) == 0 {
		observability.RetryCycles.WithLabelValues("empty").Inc()
		return nil
	}

	for _, m := range msgs {
		if !m.DeliveredError {
			continue
		}
		if _, err := l.Store.UpdateDeliveryError(ctx, m.ID, true); err != nil {
			slog.Error("re-affirm delivery error failed", "message_id", m.ID, "err", err)
		}
	}

	byDevice := groupByDevice(msgs)
	devices := make([]string, 0, len(byDevice))
	for d := range byDevice {
		devices = append(devices, d)
	}
	sort.Strings(devices)

	slog.Info("retry cycle started", "messages", len(msgs), "devices", len(devices))

	var g errgroup.Group
	if l.MaxConcurrentDevices > 0 {
		g.SetLimit(l.MaxConcurrentDevices)
	}
	for _, deviceID := range devices {
		deviceID := deviceID
		queue := byDevice[deviceID]
		g.Go(func() error {
			l.drainDevice(ctx, deviceID, queue)
			return nil
		})
	}
	_ = g.Wait()

	observability.RetryCycles.WithLabelValues("ok").Inc()
	slog.Info("retry cycle finished", "messages", len(msgs), "devices", len(devices), "took", time.Since(start).String())
	return nil
}

func (l *RetryLoop) drainDevice(ctx context.Context, deviceID string, queue []domain.Message) {
	for i, m := range queue {
		if ctx.Err() != nil {
			return
		}

		if err := l.Sender.SendPaced(ctx, m, 2*l.SendPeriod); err != nil {
			observability.RetryAttempts.WithLabelValues("publish_error").Inc()
			slog.Error("retry publish failed", "device_id", deviceID, "message_id", m.ID, "err", err)
			return
		}

		fireAndForget := m.DeliveryGuarantee == domain.GuaranteeNo
		at := l.now()
		if _, err := l.Store.UpdateDeliveryStatus(ctx, m.ID, fireAndForget, at); err != nil {
			slog.Error("record retry attempt failed", "device_id", deviceID, "message_id", m.ID, "err", err)
		}
		if fireAndForget {
			events.Emit(ctx, l.Events, deliveryEvent(m, events.StatusDelivered, at))
		}

		if err := l.sleep(ctx, l.SendPeriod); err != nil {
			return
		}

		delivered, found, err := l.Store.FindDeliveredFlag(ctx, m.ID)
		switch {
		case err != nil:
			observability.RetryAttempts.WithLabelValues("error").Inc()
			slog.Error("check delivery failed", "device_id", deviceID, "message_id", m.ID, "err", err)
			return
		case !found:
			observability.RetryAttempts.WithLabelValues("not_found").Inc()
			slog.Error("retried message vanished from store", "device_id", deviceID, "message_id", m.ID)
			continue
		case delivered:
			observability.RetryAttempts.WithLabelValues("delivered").Inc()
			continue
		}

		observability.RetryAttempts.WithLabelValues("unacknowledged").Inc()
		if _, err := l.Store.UpdateDeliveryError(ctx, m.ID, true); err != nil {
			slog.Error("flag delivery error failed", "device_id", deviceID, "message_id", m.ID, "err", err)
		}
		events.Emit(ctx, l.Events, deliveryEvent(m, events.StatusFailed, l.now()))
		slog.Warn("device did not acknowledge, skipping its queue until next cycle",
			"device_id", deviceID,
			"message_id", m.ID,
			"skipped", len(queue)-i-1,
		)
		return
	}
}

// groupByDevice keeps the store order within each device.
func groupByDevice(msgs []domain.Message) map[string][]domain.Message {
	out := make(map[string][]domain.Message)
	for _, m := range msgs {
		out[m.DeviceID] = append(out[m.DeviceID], m)
	}
	return out
}

func deliveryEvent(m domain.Message, status events.Status, at time.Time) events.DeliveryEvent {
	return events.DeliveryEvent{
		MessageID:  m.ID,
		DeviceID:   m.DeviceID,
		Command:    m.Command,
		Status:     status,
		OccurredAt: at,
	}
}

func (l *RetryLoop) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *RetryLoop) sleep(ctx context.Context, d time.Duration) error {
	if l.Sleep != nil {
		return l.Sleep(ctx, d)
	}
	return sleepCtx(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
