package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/example/dispatch-core/internal/trip"
)

var ErrTripNotFound = errors.New("trip not found")

// TripStore is the persistence collaborator: a transactional key-value view
// of trips keyed by id.
type TripStore interface {
	CreateTrip(ctx context.Context, t *trip.Trip) error
	GetTrip(ctx context.Context, id string) (*trip.Trip, error)
	UpdateTrip(ctx context.Context, t *trip.Trip) error
}

type MemoryStore struct {
	mu    sync.RWMutex
	trips map[string]trip.Trip
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]trip.Trip)}
}

func (m *MemoryStore) CreateTrip(_ context.Context, t *trip.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[t.ID] = *t
	return nil
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (*trip.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrTripNotFound
	}
	cp := t
	return &cp, nil
}

func (m *MemoryStore) UpdateTrip(_ context.Context, t *trip.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[t.ID]; !ok {
		return ErrTripNotFound
	}
	m.trips[t.ID] = *t
	return nil
}
