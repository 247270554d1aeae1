package main

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duster/internal/config"
	"duster/internal/domain"
	"duster/internal/events/eventstest"
	"duster/internal/ratelimit"
	"duster/internal/store/memory"
	"duster/internal/transport/broker"
)

type harness struct {
	store  *memory.Store
	events *eventstest.Recorder
	url    string
}

func startRelay(t *testing.T) *harness {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := config.RelayConfig{
		MQTTMode:            "embedded",
		MQTTQoS:             1,
		WaitResponseTimeout: 100 * time.Millisecond,
		SendMessagePeriod:   50 * time.Millisecond,
		CheckInterval:       50 * time.Millisecond,
		CollectorPeriod:     time.Minute,
		BreakerMaxFailures:  5,
		BreakerOpenTimeout:  time.Second,
	}
	st := memory.New()
	rec := &eventstest.Recorder{}
	cache := ratelimit.NewCache(cfg.CollectorPeriod)
	d := &deps{
		store:     st,
		rateLimit: cache,
		cache:     cache,
		gateway:   broker.New(broker.Options{Listener: ln, QoS: 1}),
		events:    rec,
	}

	ctx, cancel := context.WithCancel(context.Background())
	wg, err := newRelay(cfg, d).start(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		_ = d.gateway.Close(context.Background())
	})
	require.Eventually(t, d.gateway.Connected, 2*time.Second, 10*time.Millisecond)

	return &harness{store: st, events: rec, url: "tcp://" + ln.Addr().String()}
}

func (h *harness) connect(t *testing.T, id string) paho.Client {
	t.Helper()
	c := paho.NewClient(paho.NewClientOptions().AddBroker(h.url).SetClientID(id))
	tok := c.Connect()
	require.True(t, tok.WaitTimeout(2*time.Second))
	require.NoError(t, tok.Error())
	t.Cleanup(func() { c.Disconnect(50) })
	return c
}

// fakeDevice acknowledges requests except the first dropFirst ones.
type fakeDevice struct {
	mu        sync.Mutex
	requests  []domain.ConsumerMessageOut
	dropFirst int
}

func (d *fakeDevice) attach(t *testing.T, c paho.Client, deviceID string) {
	t.Helper()
	tok := c.Subscribe("consumer/request/"+deviceID, 1, func(c paho.Client, m paho.Message) {
		var out domain.ConsumerMessageOut
		if json.Unmarshal(m.Payload(), &out) != nil {
			return
		}
		d.mu.Lock()
		d.requests = append(d.requests, out)
		drop := len(d.requests) <= d.dropFirst
		d.mu.Unlock()
		if drop || out.BelieverGuarantee == domain.GuaranteeNo {
			return
		}
		body, _ := json.Marshal(domain.ConsumerMessageIn{ID: out.ID})
		go c.Publish("consumer/response/"+deviceID, 1, false, body)
	})
	require.True(t, tok.WaitTimeout(2*time.Second))
	require.NoError(t, tok.Error())
}

func (d *fakeDevice) seen() []domain.ConsumerMessageOut {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.ConsumerMessageOut(nil), d.requests...)
}

func publish(t *testing.T, c paho.Client, deviceID, body string) {
	t.Helper()
	tok := c.Publish("producer/request/"+deviceID, 1, false, []byte(body))
	require.True(t, tok.WaitTimeout(2*time.Second))
	require.NoError(t, tok.Error())
}

func (h *harness) delivered(id int64) func() bool {
	return func() bool {
		m, err := h.store.GetMessage(context.Background(), id)
		return err == nil && m.Delivered
	}
}

func TestRelayFireAndForget(t *testing.T) {
	h := startRelay(t)
	dev := &fakeDevice{}
	dev.attach(t, h.connect(t, "dev-a"), "a")

	publish(t, h.connect(t, "producer"), "a", `{"believerGuarantee":"NO","command":"blink"}`)

	require.Eventually(t, h.delivered(1), 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(dev.seen()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "blink", dev.seen()[0].Command)
}

func TestRelayAcknowledgedDelivery(t *testing.T) {
	h := startRelay(t)
	dev := &fakeDevice{}
	dev.attach(t, h.connect(t, "dev-b"), "b")

	publish(t, h.connect(t, "producer"), "b", `{"believerGuarantee":"RECEIPT_CONFIRMATION","command":"reboot"}`)

	require.Eventually(t, h.delivered(1), 2*time.Second, 10*time.Millisecond)
	assert.Len(t, dev.seen(), 1)
}

func TestRelayRetriesUnacknowledgedCommand(t *testing.T) {
	h := startRelay(t)
	dev := &fakeDevice{dropFirst: 1}
	dev.attach(t, h.connect(t, "dev-c"), "c")

	publish(t, h.connect(t, "producer"), "c", `{"command":"reboot"}`)

	require.Eventually(t, h.delivered(1), 5*time.Second, 20*time.Millisecond)
	seen := dev.seen()
	require.GreaterOrEqual(t, len(seen), 2)
	assert.Equal(t, seen[0].ID, seen[1].ID)
}

func TestRelayQueuesBehindOutstandingCommand(t *testing.T) {
	h := startRelay(t)
	dev := &fakeDevice{dropFirst: 1}
	dev.attach(t, h.connect(t, "dev-d"), "d")
	producer := h.connect(t, "producer")

	publish(t, producer, "d", `{"command":"first"}`)
	require.Eventually(t, func() bool { return len(dev.seen()) == 1 }, 2*time.Second, 10*time.Millisecond)
	publish(t, producer, "d", `{"command":"second"}`)

	require.Eventually(t, h.delivered(2), 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, h.delivered(1), 5*time.Second, 20*time.Millisecond)

	var order []string
	for _, r := range dev.seen() {
		order = append(order, r.Command)
	}
	assert.Equal(t, "first", order[0])
	assert.Equal(t, "first", order[1], "the outstanding command is retried before the queued one")
}
