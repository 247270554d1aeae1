// Package transport defines the pub/sub boundary of the relay.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"duster/internal/observability"
	"duster/internal/topic"
)

// Message is one inbound publication.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Handler consumes inbound messages. Calls for one device are serialized;
// calls for different devices may run concurrently.
type Handler func(ctx context.Context, msg Message)

type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Gateway connects to the pub/sub system, subscribes to the relay topics and
// feeds inbound messages to the handler in per-device arrival order.
type Gateway interface {
	Publisher
	Start(ctx context.Context, h Handler) error
	Connected() bool
	Close(ctx context.Context) error
}

var (
	ErrPublishTimeout = errors.New("publish timed out")
	ErrNotConnected   = errors.New("transport not connected")
)

// Inbox decouples the transport's network goroutines from message handling.
// Messages are spread over lanes by device id. Each lane is handled by one
// goroutine, so messages for one device are handled in push order while
// different devices proceed in parallel.
type Inbox struct {
	lanes []chan Message
}

// NewInbox returns an inbox with workers lanes of size slots each.
func NewInbox(size, workers int) *Inbox {
	if size <= 0 {
		size = 1024
	}
	if workers <= 0 {
		workers = 1
	}
	lanes := make([]chan Message, workers)
	for n := range lanes {
		lanes[n] = make(chan Message, size)
	}
	return &Inbox{lanes: lanes}
}

func (i *Inbox) lane(t string) chan Message {
	key := t
	if r, err := topic.Classify(t); err == nil {
		key = r.DeviceID
	}
	return i.lanes[xxhash.Sum64String(key)%uint64(len(i.lanes))]
}

// Push queues m, waiting for room when its lane is full. The transport only
// acknowledges a message after Push returns, so a full lane slows the sender
// instead of losing the message. Push returns false only when ctx is done.
func (i *Inbox) Push(ctx context.Context, m Message) bool {
	ch := i.lane(m.Topic)
	select {
	case ch <- m:
		return true
	default:
	}

	observability.InboxBackpressure.Inc()
	slog.Debug("inbox lane full, waiting", "topic", m.Topic)
	select {
	case ch <- m:
		return true
	case <-ctx.Done():
		slog.Warn("inbox closed before message was queued", "topic", m.Topic, "err", ctx.Err())
		return false
	}
}

// Run hands queued messages to h until ctx is done.
func (i *Inbox) Run(ctx context.Context, h Handler) {
	var wg sync.WaitGroup
	for _, ch := range i.lanes {
		wg.Add(1)
		go func(ch chan Message) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case m := <-ch:
					h(ctx, m)
				}
			}
		}(ch)
	}
	wg.Wait()
}
