// Package memory is a Store kept in process memory, for development runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"duster/internal/domain"
	"duster/internal/store"
)

type Store struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]domain.Message
}

func New() *Store {
	return &Store{rows: make(map[int64]domain.Message)}
}

var _ store.Store = (*Store)(nil)

func (s *Store) Save(_ context.Context, m domain.Message) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	m.ID = s.nextID
	s.rows[m.ID] = clone(m)
	return clone(m), nil
}

func (s *Store) ExistsUndeliveredFor(_ context.Context, deviceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.rows {
		if m.DeviceID == deviceID && !m.Delivered {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) FindUndeliveredCreatedBefore(_ context.Context, before time.Time) ([]domain.Message, error) {
	s.mu.Lock()
	var out []domain.Message
	for _, m := range s.rows {
		if !m.Delivered && m.CreatedDate.Before(before) {
			out = append(out, clone(m))
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedDate.Equal(out[j].CreatedDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedDate.Before(out[j].CreatedDate)
	})
	return out, nil
}

func (s *Store) FindDeliveredFlag(_ context.Context, id int64) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[id]
	if !ok {
		return false, false, nil
	}
	return m.Delivered, true, nil
}

func (s *Store) UpdateDeliveryStatus(_ context.Context, id int64, delivered bool, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[id]
	if !ok {
		return 0, nil
	}
	if !(m.Delivered && !delivered) {
		t := at
		m.DeliveredDate = &t
	}
	if delivered {
		m.Delivered = true
		m.DeliveredError = false
	}
	s.rows[id] = m
	return 1, nil
}

func (s *Store) UpdateDeliveryError(_ context.Context, id int64, deliveredError bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[id]
	if !ok || m.Delivered {
		return 0, nil
	}
	m.DeliveredError = deliveredError
	s.rows[id] = m
	return 1, nil
}

func (s *Store) GetMessage(_ context.Context, id int64) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[id]
	if !ok {
		return domain.Message{}, store.ErrNotFound
	}
	return clone(m), nil
}

func (s *Store) Ping(context.Context) error { return nil }

func clone(m domain.Message) domain.Message {
	if m.DeliveredDate != nil {
		t := *m.DeliveredDate
		m.DeliveredDate = &t
	}
	if m.Data != nil {
		data := make(map[string]any, len(m.Data))
		for k, v := range m.Data {
			data[k] = v
		}
		m.Data = data
	}
	return m
}
