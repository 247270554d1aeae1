package domain

import (
	"errors"
	"time"
)

// DeliveryGuarantee decides whether "sent" or only "acknowledged" counts as delivered.
type DeliveryGuarantee string

const (
	// GuaranteeNo is fire-and-forget: a successful publish marks the message delivered.
	GuaranteeNo DeliveryGuarantee = "NO"
	// GuaranteeReceiptConfirmation waits for the device to acknowledge the message id.
	GuaranteeReceiptConfirmation DeliveryGuarantee = "RECEIPT_CONFIRMATION"
)

func (g DeliveryGuarantee) Valid() bool {
	return g == GuaranteeNo || g == GuaranteeReceiptConfirmation
}

// Message is a command addressed to one device together with its delivery state.
type Message struct {
	ID                int64             `json:"id"`
	DeviceID          string            `json:"deviceId"`
	Command           string            `json:"command"`
	Data              map[string]any    `json:"data"`
	DeliveryGuarantee DeliveryGuarantee `json:"deliveryGuarantee"`
	CreatedDate       time.Time         `json:"createdDate"`
	DeliveredDate     *time.Time        `json:"deliveredDate"`
	Delivered         bool              `json:"delivered"`
	DeliveredError    bool              `json:"deliveredError"`
}

// ProducerMessageIn is the payload published on producer/request/<deviceId>.
//
//	{"believerGuarantee": "RECEIPT_CONFIRMATION", "command": "reboot", "data": {"delay": 5}}
type ProducerMessageIn struct {
	BelieverGuarantee DeliveryGuarantee `json:"believerGuarantee"`
	Command           string            `json:"command"`
	Data              map[string]any    `json:"data"`
}

// Validate fills in the default guarantee and rejects unknown ones.
func (p *ProducerMessageIn) Validate() error {
	if p.BelieverGuarantee == "" {
		p.BelieverGuarantee = GuaranteeReceiptConfirmation
	}
	if !p.BelieverGuarantee.Valid() {
		return ErrInvalidGuarantee
	}
	return nil
}

// ConsumerMessageIn is the acknowledgement a device publishes on consumer/response/<deviceId>.
// Only ID is used.
type ConsumerMessageIn struct {
	ID      int64          `json:"id"`
	Command string         `json:"command,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// ConsumerMessageOut is what a device receives on consumer/request/<deviceId>.
// CurrentTimestamp lets devices sync their clock.
type ConsumerMessageOut struct {
	ID                int64             `json:"id"`
	CurrentTimestamp  int64             `json:"currentTimestamp"`
	Command           string            `json:"command"`
	BelieverGuarantee DeliveryGuarantee `json:"believerGuarantee"`
	Data              map[string]any    `json:"data"`
}

var (
	ErrInvalidGuarantee = errors.New("invalid delivery guarantee")
	ErrMissingID        = errors.New("missing message id")
)
