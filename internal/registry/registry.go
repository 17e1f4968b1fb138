// Package registry owns the authoritative driver availability bit and the
// reservation binding. The dispatch engine never flips availability itself;
// it goes through TryReserve/Release so there is a single source of truth.
package registry

import (
	"sync"

	"github.com/example/dispatch-core/internal/models"
)

// Registry is the atomic claim/release contract.
type Registry interface {
	// TryReserve succeeds only if the driver is currently available and not
	// reserved elsewhere; on success it flips available=false and records
	// the driver->trip binding in one indivisible step.
	TryReserve(driverID, tripID string) bool
	// Release restores availability (while the driver is still online) and
	// clears the binding.
	Release(driverID string)
	Get(driverID string) (models.Driver, bool)
	// RecordResponse folds an offer outcome into the driver's rolling
	// acceptance rate.
	RecordResponse(driverID string, accepted bool)
}

// DriverPool is the Registry plus the mutations the ingestion side needs:
// location/state refresh and the online toggle.
type DriverPool interface {
	Registry
	Upsert(d models.Driver)
	SetOnline(driverID string, online bool)
}

// acceptanceAlpha is the EMA weight for one accept/reject event.
const acceptanceAlpha = 0.1

type entry struct {
	mu          sync.Mutex
	d           models.Driver
	reservedFor string // trip id, "" when free
}

// Pool is the in-memory registry. Each driver gets its own lock so
// concurrent dispatch rounds only contend when they want the same driver.
type Pool struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewPool() *Pool {
	return &Pool{entries: make(map[string]*entry)}
}

func (p *Pool) entryFor(id string) *entry {
	p.mu.RLock()
	e, ok := p.entries[id]
	p.mu.RUnlock()
	if ok {
		return e
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[id]; ok {
		return e
	}
	e = &entry{}
	e.d.ID = id
	p.entries[id] = e
	return e
}

// Upsert registers or refreshes a driver. A pending reservation survives the
// update: availability stays off until the binding clears.
func (p *Pool) Upsert(d models.Driver) {
	e := p.entryFor(d.ID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reservedFor != "" {
		d.Available = false
	}
	if !d.Online {
		d.Available = false
	}
	// rolling stats are owned here, not by location updates
	if e.d.TotalTrips > 0 || e.d.AcceptanceRate > 0 || e.d.CompletionRate > 0 {
		d.AcceptanceRate = e.d.AcceptanceRate
		d.CompletionRate = e.d.CompletionRate
		d.TotalTrips = e.d.TotalTrips
	}
	e.d = d
}

func (p *Pool) Get(driverID string) (models.Driver, bool) {
	p.mu.RLock()
	e, ok := p.entries[driverID]
	p.mu.RUnlock()
	if !ok {
		return models.Driver{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.d, true
}

func (p *Pool) TryReserve(driverID, tripID string) bool {
	p.mu.RLock()
	e, ok := p.entries[driverID]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.d.Online || !e.d.Available || e.reservedFor != "" {
		return false
	}
	e.d.Available = false
	e.reservedFor = tripID
	return true
}

func (p *Pool) Release(driverID string) {
	p.mu.RLock()
	e, ok := p.entries[driverID]
	p.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reservedFor = ""
	e.d.Available = e.d.Online
}

// ReservedFor returns the trip currently holding the driver, if any.
func (p *Pool) ReservedFor(driverID string) (string, bool) {
	p.mu.RLock()
	e, ok := p.entries[driverID]
	p.mu.RUnlock()
	if !ok {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reservedFor, e.reservedFor != ""
}

// SetOnline flips the online flag; going offline also clears availability
// (available implies online).
func (p *Pool) SetOnline(driverID string, online bool) {
	e := p.entryFor(driverID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.d.Online = online
	if !online {
		e.d.Available = false
	} else if e.reservedFor == "" {
		e.d.Available = true
	}
}

func (p *Pool) RecordResponse(driverID string, accepted bool) {
	p.mu.RLock()
	e, ok := p.entries[driverID]
	p.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	target := 0.0
	if accepted {
		target = 100.0
	}
	e.d.AcceptanceRate = e.d.AcceptanceRate*(1-acceptanceAlpha) + target*acceptanceAlpha
}

// RecordCompletion bumps the trip counter and completion rate.
func (p *Pool) RecordCompletion(driverID string, completed bool) {
	p.mu.RLock()
	e, ok := p.entries[driverID]
	p.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.d.TotalTrips++
	target := 0.0
	if completed {
		target = 100.0
	}
	e.d.CompletionRate = e.d.CompletionRate*(1-acceptanceAlpha) + target*acceptanceAlpha
}
