package store

import (
	"context"
	"errors"
	"time"

	"duster/internal/domain"
)

var ErrNotFound = errors.New("message not found")

// Store is the durable message storage used by the relay.
//
// UpdateDeliveryStatus never clears delivered: it stores delivered OR the
// given flag, and clears deliveredError in the same write that sets delivered.
// UpdateDeliveryError only touches undelivered rows. Both return the number of
// rows changed.
type Store interface {
	Save(ctx context.Context, m domain.Message) (domain.Message, error)
	ExistsUndeliveredFor(ctx context.Context, deviceID string) (bool, error)
	FindUndeliveredCreatedBefore(ctx context.Context, before time.Time) ([]domain.Message, error)
	FindDeliveredFlag(ctx context.Context, id int64) (delivered bool, found bool, err error)
	UpdateDeliveryStatus(ctx context.Context, id int64, delivered bool, at time.Time) (int64, error)
	UpdateDeliveryError(ctx context.Context, id int64, deliveredError bool) (int64, error)
	GetMessage(ctx context.Context, id int64) (domain.Message, error)
	Ping(ctx context.Context) error
}
