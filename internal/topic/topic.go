// Package topic classifies transport topics of the form <source>/<...>/<deviceId>.
package topic

import (
	"errors"
	"strings"
)

// Source is the logical sender of an inbound message.
type Source int

const (
	Producer Source = iota + 1
	Consumer
)

var prefixes = map[string]Source{
	"producer": Producer,
	"consumer": Consumer,
}

// Prefix is the first topic segment owned by the source.
func (s Source) Prefix() string {
	switch s {
	case Producer:
		return "producer"
	case Consumer:
		return "consumer"
	}
	return ""
}

func (s Source) String() string {
	if p := s.Prefix(); p != "" {
		return p
	}
	return "unknown"
}

var (
	ErrUnknownSource  = errors.New("unknown message source")
	ErrMalformedTopic = errors.New("malformed topic")
)

// Route is the result of classifying an inbound topic.
type Route struct {
	Source   Source
	DeviceID string
}

// Classify matches the first segment against the prefix table and takes the
// device id from the last one.
func Classify(t string) (Route, error) {
	parts := strings.Split(t, "/")
	if len(parts) < 2 {
		return Route{}, ErrMalformedTopic
	}
	src, ok := prefixes[parts[0]]
	if !ok {
		return Route{}, ErrUnknownSource
	}
	deviceID := parts[len(parts)-1]
	if deviceID == "" {
		return Route{}, ErrMalformedTopic
	}
	return Route{Source: src, DeviceID: deviceID}, nil
}

// RequestTopic is where commands for a device are published.
func RequestTopic(deviceID string) string {
	return Consumer.Prefix() + "/request/" + deviceID
}

// ResponseTopic is where a device publishes acknowledgements.
func ResponseTopic(deviceID string) string {
	return Consumer.Prefix() + "/response/" + deviceID
}

// Subscriptions are the inbound topic filters the relay listens on.
func Subscriptions() []string {
	return []string{
		Producer.Prefix() + "/request/#",
		Consumer.Prefix() + "/response/#",
	}
}

// Subscribed reports whether t falls under one of Subscriptions.
func Subscribed(t string) bool {
	return strings.HasPrefix(t, Producer.Prefix()+"/request/") ||
		strings.HasPrefix(t, Consumer.Prefix()+"/response/")
}
