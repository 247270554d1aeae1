// Package dispatch publishes commands to devices.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"duster/internal/domain"
	"duster/internal/observability"
	"duster/internal/topic"
	"duster/internal/transport"
)

// RateLimiter holds the per-device rate windows.
type RateLimiter interface {
	TryReserve(ctx context.Context, deviceID string, period time.Duration) (bool, error)
	Reserve(ctx context.Context, deviceID string, period time.Duration) error
}

// Dispatcher builds the outbound envelope and hands it to the transport.
// Success means the transport accepted the publish, not that the device got it.
type Dispatcher struct {
	Publisher transport.Publisher
	RateLimit RateLimiter
	// Limiter paces all outbound publishes of this process. Optional.
	Limiter *rate.Limiter
	// Breaker stops hammering a broker that keeps failing. Optional.
	Breaker *gobreaker.CircuitBreaker
	Now     func() time.Time
}

// TrySend publishes m only if the device's rate window is open, closing it for
// period first. It reports whether a publish was attempted.
func (d *Dispatcher) TrySend(ctx context.Context, m domain.Message, period time.Duration) (bool, error) {
	ok, err := d.RateLimit.TryReserve(ctx, m.DeviceID, period)
	if err != nil {
		return false, fmt.Errorf("rate limiter: %w", err)
	}
	if !ok {
		return false, nil
	}
	return true, d.Send(ctx, m)
}

// SendPaced closes the device's rate window for window and publishes m.
func (d *Dispatcher) SendPaced(ctx context.Context, m domain.Message, window time.Duration) error {
	if err := d.RateLimit.Reserve(ctx, m.DeviceID, window); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return d.Send(ctx, m)
}

// Send publishes m to consumer/request/<deviceId>.
func (d *Dispatcher) Send(ctx context.Context, m domain.Message) error {
	out := domain.OutFor(m, d.now())
	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode message %d: %w", m.ID, err)
	}
	t := topic.RequestTopic(m.DeviceID)

	if d.Limiter != nil {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := d.Limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			observability.Publishes.WithLabelValues("rate_limited_local").Inc()
			return fmt.Errorf("publish limiter: %w", err)
		}
	}

	start := time.Now()
	err = d.publish(ctx, t, payload)
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		observability.Publishes.WithLabelValues("cb_open").Inc()
		return err
	case err != nil:
		observability.Publishes.WithLabelValues("error").Inc()
		return fmt.Errorf("publish to %s: %w", t, err)
	}

	observability.Publishes.WithLabelValues("ok").Inc()
	observability.PublishLatency.Observe(time.Since(start).Seconds())
	slog.Info("command published",
		"device_id", m.DeviceID,
		"message_id", m.ID,
		"topic", t,
		"payload", string(payload),
	)
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, t string, payload []byte) error {
	if d.Breaker == nil {
		return d.Publisher.Publish(ctx, t, payload)
	}
	_, err := d.Breaker.Execute(func() (any, error) {
		return nil, d.Publisher.Publish(ctx, t, payload)
	})
	return err
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}
