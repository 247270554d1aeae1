package domain

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProducerValidateDefaultsToReceiptConfirmation(t *testing.T) {
	var in ProducerMessageIn
	require.NoError(t, json.Unmarshal([]byte(`{"command":"reboot"}`), &in))
	require.NoError(t, in.Validate())
	assert.Equal(t, GuaranteeReceiptConfirmation, in.BelieverGuarantee)
}

func TestProducerValidateRejectsUnknownGuarantee(t *testing.T) {
	in := ProducerMessageIn{BelieverGuarantee: "MAYBE", Command: "x"}
	assert.ErrorIs(t, in.Validate(), ErrInvalidGuarantee)
}

func TestNewMessageStartsUndelivered(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	m := NewMessage(ProducerMessageIn{
		BelieverGuarantee: GuaranteeNo,
		Command:           "open",
		Data:              map[string]any{"door": "front"},
	}, "dev42", now)

	assert.Equal(t, "dev42", m.DeviceID)
	assert.Equal(t, "open", m.Command)
	assert.Equal(t, GuaranteeNo, m.DeliveryGuarantee)
	assert.Equal(t, now, m.CreatedDate)
	assert.False(t, m.Delivered)
	assert.False(t, m.DeliveredError)
	assert.Nil(t, m.DeliveredDate)
}

func TestOutForWireShape(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	out := OutFor(Message{ID: 7, Command: "ping", DeliveryGuarantee: GuaranteeReceiptConfirmation}, now)

	b, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":7,"currentTimestamp":1700000000123,"command":"ping","believerGuarantee":"RECEIPT_CONFIRMATION","data":null}`, string(b))
}
