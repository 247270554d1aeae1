package main

import (
	"math/rand"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duster/internal/config"
	"duster/internal/domain"
)

func TestAckForReceiptConfirmation(t *testing.T) {
	req := `{"id":12,"currentTimestamp":1700000000000,"command":"reboot","believerGuarantee":"RECEIPT_CONFIRMATION","data":{"delay":5}}`

	respTopic, body, ok := ackFor("consumer/request/dev42", []byte(req))

	require.True(t, ok)
	assert.Equal(t, "consumer/response/dev42", respTopic)
	var ack domain.ConsumerMessageIn
	require.NoError(t, json.Unmarshal(body, &ack))
	assert.Equal(t, int64(12), ack.ID)
	assert.Equal(t, "reboot", ack.Command)
}

func TestAckForSkips(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
	}{
		{"fire and forget", "consumer/request/dev42", `{"id":1,"believerGuarantee":"NO"}`},
		{"malformed", "consumer/request/dev42", `{"id":`},
		{"producer topic", "producer/request/dev42", `{"id":1,"believerGuarantee":"RECEIPT_CONFIRMATION"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, ok := ackFor(tt.topic, []byte(tt.payload))
			assert.False(t, ok)
		})
	}
}

func TestDropRateBounds(t *testing.T) {
	d := &device{cfg: config.DeviceConfig{DropRate: 0}}
	assert.False(t, d.drop())

	d = newTestDevice(1)
	for i := 0; i < 10; i++ {
		assert.True(t, d.drop())
	}
}

func newTestDevice(dropRate float64) *device {
	return &device{cfg: config.DeviceConfig{DropRate: dropRate}, rng: rand.New(rand.NewSource(1))}
}
