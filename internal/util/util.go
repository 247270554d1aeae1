package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewClientID returns a unique MQTT client id. Brokers kick the older session
// when two clients share an id, so every process start gets a fresh one.
func NewClientID(prefix string) string {
	if prefix == "" {
		prefix = "duster"
	}
	return prefix + "-" + newULID()
}

func NewEventID() string {
	return "evt_" + newULID()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}

func newULID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
}
