package domain

import "time"

// NewMessage builds the undelivered entity stored for a producer command.
func NewMessage(in ProducerMessageIn, deviceID string, now time.Time) Message {
	return Message{
		DeviceID:          deviceID,
		Command:           in.Command,
		Data:              in.Data,
		DeliveryGuarantee: in.BelieverGuarantee,
		CreatedDate:       now,
	}
}

// OutFor builds the envelope sent to the device.
func OutFor(m Message, now time.Time) ConsumerMessageOut {
	return ConsumerMessageOut{
		ID:                m.ID,
		CurrentTimestamp:  now.UnixMilli(),
		Command:           m.Command,
		BelieverGuarantee: m.DeliveryGuarantee,
		Data:              m.Data,
	}
}
