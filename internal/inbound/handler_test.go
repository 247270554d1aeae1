package inbound

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duster/internal/dispatch"
	"duster/internal/domain"
	"duster/internal/events"
	"duster/internal/events/eventstest"
	"duster/internal/ratelimit"
	"duster/internal/store"
	"duster/internal/store/memory"
	"duster/internal/transport"
)

type published struct {
	Topic string
	Out   domain.ConsumerMessageOut
}

type fakeGateway struct {
	mu   sync.Mutex
	sent []published
}

func (g *fakeGateway) Publish(_ context.Context, t string, payload []byte) error {
	var out domain.ConsumerMessageOut
	if err := json.Unmarshal(payload, &out); err != nil {
		return err
	}
	g.mu.Lock()
	g.sent = append(g.sent, published{Topic: t, Out: out})
	g.mu.Unlock()
	return nil
}

func (g *fakeGateway) Sent() []published {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]published(nil), g.sent...)
}

type fixture struct {
	h      *Handler
	store  *memory.Store
	gw     *fakeGateway
	events *eventstest.Recorder
}

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newFixture() *fixture {
	st := memory.New()
	gw := &fakeGateway{}
	rec := &eventstest.Recorder{}
	clock := func() time.Time { return now }
	d := &dispatch.Dispatcher{
		Publisher: gw,
		RateLimit: ratelimit.NewCache(10 * time.Minute).WithClock(clock),
		Now:       clock,
	}
	return &fixture{
		h:      &Handler{Store: st, Sender: d, Events: rec, SendPeriod: 5 * time.Second, Now: clock},
		store:  st,
		gw:     gw,
		events: rec,
	}
}

func (f *fixture) produce(deviceID, body string) {
	f.h.Handle(context.Background(), transport.Message{Topic: "producer/request/" + deviceID, Payload: []byte(body)})
}

func (f *fixture) ack(deviceID string, id int64) {
	body, _ := json.Marshal(domain.ConsumerMessageIn{ID: id})
	f.h.Handle(context.Background(), transport.Message{Topic: "consumer/response/" + deviceID, Payload: body})
}

func (f *fixture) message(t *testing.T, id int64) domain.Message {
	t.Helper()
	m, err := f.store.GetMessage(context.Background(), id)
	require.NoError(t, err)
	return m
}

func TestFireAndForgetIsDeliveredOnSend(t *testing.T) {
	f := newFixture()

	f.produce("dev42", `{"believerGuarantee":"NO","command":"blink","data":{"times":3}}`)

	m := f.message(t, 1)
	assert.True(t, m.Delivered)
	require.NotNil(t, m.DeliveredDate)
	assert.Equal(t, now, *m.DeliveredDate)
	assert.Equal(t, "blink", m.Command)

	sent := f.gw.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "consumer/request/dev42", sent[0].Topic)
	assert.Equal(t, int64(1), sent[0].Out.ID)
	assert.Equal(t, float64(3), sent[0].Out.Data["times"])

	evs := f.events.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.StatusDelivered, evs[0].Status)
}

func TestReceiptConfirmationWaitsForAck(t *testing.T) {
	f := newFixture()

	f.produce("dev42", `{"believerGuarantee":"RECEIPT_CONFIRMATION","command":"reboot"}`)

	require.Len(t, f.gw.Sent(), 1)
	sent := f.message(t, 1)
	assert.False(t, sent.Delivered)
	require.NotNil(t, sent.DeliveredDate, "the immediate attempt is recorded")
	assert.Equal(t, now, *sent.DeliveredDate)
	assert.Empty(t, f.events.Events())

	f.ack("dev42", 1)

	m := f.message(t, 1)
	assert.True(t, m.Delivered)
	assert.False(t, m.DeliveredError)
	assert.Len(t, f.events.Events(), 1)
}

func TestMissingGuaranteeDefaultsToReceiptConfirmation(t *testing.T) {
	f := newFixture()

	f.produce("dev1", `{"command":"reboot"}`)

	m := f.message(t, 1)
	assert.Equal(t, domain.GuaranteeReceiptConfirmation, m.DeliveryGuarantee)
	assert.False(t, m.Delivered)
}

func TestBacklogBlocksImmediateSend(t *testing.T) {
	f := newFixture()

	f.produce("dev42", `{"believerGuarantee":"RECEIPT_CONFIRMATION","command":"first"}`)

	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	f.produce("dev42", `{"believerGuarantee":"NO","command":"second"}`)

	require.Len(t, f.gw.Sent(), 1)
	second := f.message(t, 2)
	assert.False(t, second.Delivered)
	assert.Equal(t, "second", second.Command)

	assert.Contains(t, logs.String(), `"reason":"backlog"`)
	assert.Contains(t, logs.String(), `"rate_window":"not_checked"`)
}

func TestRateWindowBlocksImmediateSend(t *testing.T) {
	f := newFixture()

	f.produce("dev42", `{"believerGuarantee":"NO","command":"first"}`)
	f.produce("dev42", `{"believerGuarantee":"NO","command":"second"}`)

	require.Len(t, f.gw.Sent(), 1)
	assert.True(t, f.message(t, 1).Delivered)
	assert.False(t, f.message(t, 2).Delivered)
}

func TestDevicesDoNotShareWindows(t *testing.T) {
	f := newFixture()

	f.produce("a", `{"believerGuarantee":"NO","command":"x"}`)
	f.produce("b", `{"believerGuarantee":"NO","command":"x"}`)

	assert.Len(t, f.gw.Sent(), 2)
}

func TestDroppedMessagesLeaveNoTrace(t *testing.T) {
	tests := []struct {
		name  string
		topic string
		body  string
	}{
		{"unknown prefix", "unknown/x/dev42", `{"command":"x"}`},
		{"no device segment", "producer", `{"command":"x"}`},
		{"malformed json", "producer/request/dev42", `{"command":`},
		{"invalid guarantee", "producer/request/dev42", `{"believerGuarantee":"MAYBE","command":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			assert.NotPanics(t, func() {
				f.h.Handle(context.Background(), transport.Message{Topic: tt.topic, Payload: []byte(tt.body)})
			})
			_, err := f.store.GetMessage(context.Background(), 1)
			assert.ErrorIs(t, err, store.ErrNotFound)
			assert.Empty(t, f.gw.Sent())
		})
	}
}

func TestAckForUnknownMessageIsIgnored(t *testing.T) {
	f := newFixture()

	assert.NotPanics(t, func() { f.ack("dev42", 999) })
	assert.NotPanics(t, func() {
		f.h.Handle(context.Background(), transport.Message{Topic: "consumer/response/dev42", Payload: []byte(`{]`)})
	})
	assert.Empty(t, f.events.Events())
}

func TestAckNeverUndoesDelivery(t *testing.T) {
	f := newFixture()
	f.produce("dev42", `{"believerGuarantee":"RECEIPT_CONFIRMATION","command":"x"}`)
	f.ack("dev42", 1)
	f.ack("dev42", 1)

	assert.True(t, f.message(t, 1).Delivered)
}

type panickingStore struct {
	store.Store
}

func (panickingStore) ExistsUndeliveredFor(context.Context, string) (bool, error) {
	panic("boom")
}

func TestPanicIsContained(t *testing.T) {
	f := newFixture()
	f.h.Store = panickingStore{Store: f.store}

	assert.NotPanics(t, func() {
		f.produce("dev42", `{"command":"x"}`)
	})
}

func TestUnsentMessageHasNoAttemptDate(t *testing.T) {
	f := newFixture()

	f.produce("dev1", `{"command":"first"}`)
	f.produce("dev1", `{"command":"queued"}`)

	require.Len(t, f.gw.Sent(), 1)
	assert.NotNil(t, f.message(t, 1).DeliveredDate)
	assert.Nil(t, f.message(t, 2).DeliveredDate)
}
