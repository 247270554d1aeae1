package events_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duster/internal/events"
	"duster/internal/events/eventstest"
)

type failing struct{}

func (failing) Publish(context.Context, events.DeliveryEvent) error { return errors.New("queue down") }

type stalled struct{ err chan error }

func (s stalled) Publish(ctx context.Context, _ events.DeliveryEvent) error {
	<-ctx.Done()
	s.err <- ctx.Err()
	return ctx.Err()
}

func TestEmitFillsIdentityAndTime(t *testing.T) {
	var r eventstest.Recorder
	events.Emit(context.Background(), &r, events.DeliveryEvent{MessageID: 3, DeviceID: "d", Status: events.StatusDelivered})

	got := r.Events()
	require.Len(t, got, 1)
	assert.True(t, strings.HasPrefix(got[0].EventID, "evt_"))
	assert.False(t, got[0].OccurredAt.IsZero())
	assert.Equal(t, int64(3), got[0].MessageID)
}

func TestEmitSwallowsErrors(t *testing.T) {
	assert.NotPanics(t, func() {
		events.Emit(context.Background(), failing{}, events.DeliveryEvent{MessageID: 1})
		events.Emit(context.Background(), nil, events.DeliveryEvent{MessageID: 1})
		events.Emit(context.Background(), events.Nop{}, events.DeliveryEvent{MessageID: 1})
	})
}

func TestEmitBoundsSlowPublisher(t *testing.T) {
	prev := events.EmitTimeout
	events.EmitTimeout = 20 * time.Millisecond
	t.Cleanup(func() { events.EmitTimeout = prev })

	p := stalled{err: make(chan error, 1)}
	start := time.Now()
	events.Emit(context.Background(), p, events.DeliveryEvent{MessageID: 1})

	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, <-p.err, context.DeadlineExceeded)
}
