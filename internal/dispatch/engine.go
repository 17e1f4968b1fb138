// Package dispatch orchestrates one matching round per trip: query
// candidates, score them, atomically reserve the winner, then supervise the
// driver's accept/reject/timeout response.
package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/dispatch-core/internal/geo"
	"github.com/example/dispatch-core/internal/models"
	"github.com/example/dispatch-core/internal/observability"
	"github.com/example/dispatch-core/internal/params"
	"github.com/example/dispatch-core/internal/payments"
	"github.com/example/dispatch-core/internal/pricing"
	"github.com/example/dispatch-core/internal/registry"
	"github.com/example/dispatch-core/internal/scoring"
	"github.com/example/dispatch-core/internal/storage"
	"github.com/example/dispatch-core/internal/trip"
)

// OutcomeKind classifies the result of a dispatch round.
type OutcomeKind string

const (
	// OutcomeAssigned means a driver was reserved and the trip moved to assigned.
	OutcomeAssigned OutcomeKind = "assigned"
	// OutcomeNoDrivers means the geo query produced no eligible candidate.
	// The trip stays requested; the caller may retry later.
	OutcomeNoDrivers OutcomeKind = "no_drivers_available"
	// OutcomeExhausted means candidates existed but every reservation was
	// lost to a concurrent round.
	OutcomeExhausted OutcomeKind = "all_candidates_exhausted"
)

type Outcome struct {
	Kind     OutcomeKind `json:"kind"`
	DriverID string      `json:"driver_id,omitempty"`
	Score    float64     `json:"score,omitempty"`
}

var (
	// ErrDispatchFailed wraps a transient infrastructure error that survived
	// the bounded retries.
	ErrDispatchFailed = errors.New("dispatch failed")
	// ErrNoPendingOffer is returned for a driver response that does not match
	// a live reservation (late, duplicate, or spoofed).
	ErrNoPendingOffer = errors.New("no pending offer for driver")
)

// PriceFunc finalizes or estimates a trip price.
type PriceFunc func(distanceKm float64, duration time.Duration, class models.VehicleClass) float64

// Options tune the engine's retry and rematch behavior.
type Options struct {
	// CandidateListTTL bounds how long a ranked candidate list may be reused
	// by reject/timeout continuations before a fresh geo query is issued.
	CandidateListTTL time.Duration
	RetryAttempts    int
	RetryBaseDelay   time.Duration
}

func (o *Options) applyDefaults() {
	if o.CandidateListTTL <= 0 {
		o.CandidateListTTL = 30 * time.Second
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 100 * time.Millisecond
	}
}

type Engine struct {
	geo      geo.Index
	pool     registry.Registry
	trips    storage.TripStore
	params   params.Provider
	notify   Notifier
	payments payments.Settler      // optional
	penalty  scoring.PenaltyPolicy // optional
	price    PriceFunc
	log      *slog.Logger
	opts     Options

	mu        sync.Mutex
	tripLocks map[string]*tripLock
	attempts  map[string]*matchAttempt
}

func New(gi geo.Index, pool registry.Registry, trips storage.TripStore, provider params.Provider, notify Notifier, log *slog.Logger, opts Options) *Engine {
	opts.applyDefaults()
	if notify == nil {
		notify = NopNotifier{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		geo:       gi,
		pool:      pool,
		trips:     trips,
		params:    provider,
		notify:    notify,
		price:     pricing.Estimate,
		log:       log,
		opts:      opts,
		tripLocks: make(map[string]*tripLock),
		attempts:  make(map[string]*matchAttempt),
	}
}

// WithPayments wires the settlement collaborator.
func (e *Engine) WithPayments(s payments.Settler) *Engine {
	e.payments = s
	return e
}

// WithPricing overrides the default fare function.
func (e *Engine) WithPricing(f PriceFunc) *Engine {
	if f != nil {
		e.price = f
	}
	return e
}

// WithPenalty plugs a per-driver score deduction (fraud heuristics and the
// like) into candidate ranking.
func (e *Engine) WithPenalty(p scoring.PenaltyPolicy) *Engine {
	e.penalty = p
	return e
}

// Request creates a trip in the requested state with an up-front price
// estimate and an optional payment hold. It does not start matching; callers
// follow up with Dispatch.
func (e *Engine) Request(ctx context.Context, req models.TripRequest) (*trip.Trip, error) {
	t, err := trip.New(newID(), req)
	if err != nil {
		return nil, err
	}
	dist := geo.HaversineKm(req.Pickup, req.Dropoff)
	est := e.price(dist, scoring.ArrivalEstimate(dist), req.Class)
	t.EstimatedPrice = &est

	if e.payments != nil {
		ref, err := e.payments.Hold(ctx, int64(est), "usd", req.ClientID)
		if err != nil {
			e.log.Warn("payment hold failed", "trip_id", t.ID, "error", err)
		} else {
			t.PaymentRef = &ref
		}
	}

	if err := e.withRetry(ctx, func() error { return e.trips.CreateTrip(ctx, t) }); err != nil {
		return nil, fmt.Errorf("%w: creating trip: %v", ErrDispatchFailed, err)
	}
	return t, nil
}

// Dispatch runs one matching round for the trip using the current matching
// parameters.
func (e *Engine) Dispatch(ctx context.Context, tripID string) (Outcome, error) {
	return e.DispatchWith(ctx, tripID, nil)
}

// DispatchWith runs one matching round with a caller-supplied parameter
// override (simulation); the override is never persisted.
func (e *Engine) DispatchWith(ctx context.Context, tripID string, override *scoring.Params) (Outcome, error) {
	start := time.Now()
	unlock := e.lockTrip(tripID)
	defer unlock()

	out, err := e.dispatchLocked(ctx, tripID, override)
	if err == nil {
		observability.DispatchRounds.WithLabelValues(string(out.Kind)).Inc()
		observability.DispatchLatency.Observe(time.Since(start).Seconds())
	}
	return out, err
}

func (e *Engine) dispatchLocked(ctx context.Context, tripID string, override *scoring.Params) (Outcome, error) {
	t, err := e.loadTrip(ctx, tripID)
	if err != nil {
		return Outcome{}, err
	}

	switch t.Status {
	case trip.StatusAssigned, trip.StatusActive, trip.StatusCompleted:
		// re-dispatch of a matched trip is a no-op returning the existing
		// assignment
		out := Outcome{Kind: OutcomeAssigned}
		if t.DriverID != nil {
			out.DriverID = *t.DriverID
		}
		if t.MatchScore != nil {
			out.Score = *t.MatchScore
		}
		return out, nil
	case trip.StatusCanceled, trip.StatusIncident:
		return Outcome{}, &trip.InvalidTransitionError{From: t.Status, To: trip.StatusAssigned}
	}

	p := e.params.Current()
	if override != nil {
		p = *override
	}
	if err := p.Validate(); err != nil {
		return Outcome{}, err
	}

	ranked, err := e.rankedCandidates(ctx, t, p)
	if err != nil {
		return Outcome{}, err
	}
	if len(ranked) == 0 {
		return Outcome{Kind: OutcomeNoDrivers}, nil
	}

	att := &matchAttempt{
		tripID:    tripID,
		params:    p,
		ranked:    ranked,
		createdAt: time.Now(),
		tried:     make(map[string]bool),
	}
	return e.reserveNext(ctx, t, att)
}

func (e *Engine) rankedCandidates(ctx context.Context, t *trip.Trip, p scoring.Params) ([]scoring.Ranked, error) {
	var cands []geo.Candidate
	err := e.withRetry(ctx, func() error {
		var err error
		cands, err = e.geo.CandidatesWithin(ctx, t.Pickup, p.MaxDriverDistanceKm, t.Class)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: querying candidates: %v", ErrDispatchFailed, err)
	}
	return scoring.RankWithPenalty(cands, p, e.penalty), nil
}

// reserveNext walks the ranked list in order and claims the first driver
// whose reservation succeeds. A lost reservation race falls through to the
// next candidate; it is never surfaced to the caller.
func (e *Engine) reserveNext(ctx context.Context, t *trip.Trip, att *matchAttempt) (Outcome, error) {
	for att.next < len(att.ranked) {
		c := att.ranked[att.next]
		att.next++
		if att.tried[c.Driver.ID] {
			continue
		}
		att.tried[c.Driver.ID] = true

		if !e.pool.TryReserve(c.Driver.ID, t.ID) {
			observability.ReservationRacesLost.Inc()
			continue
		}

		if err := t.Assign(c.Driver.ID, c.Score); err != nil {
			e.pool.Release(c.Driver.ID)
			return Outcome{}, err
		}
		if err := e.withRetry(ctx, func() error { return e.trips.UpdateTrip(ctx, t) }); err != nil {
			// roll the claim back so the driver is not stuck reserved for a
			// trip that is still requested
			_ = t.Unassign()
			e.pool.Release(c.Driver.ID)
			return Outcome{}, fmt.Errorf("%w: persisting assignment: %v", ErrDispatchFailed, err)
		}

		att.reserved = c.Driver.ID
		deadline := time.Now().Add(att.params.MaxWaitTime)
		e.mu.Lock()
		e.attempts[t.ID] = att
		e.mu.Unlock()
		att.timer = time.AfterFunc(att.params.MaxWaitTime, func() {
			e.handleTimeout(t.ID, c.Driver.ID)
		})

		offer := models.TripOffer{
			TripID:     t.ID,
			Pickup:     t.Pickup,
			Dropoff:    t.Dropoff,
			DistanceKm: c.DistanceKm,
			Score:      c.Score,
			Deadline:   deadline,
		}
		e.notifyDriver(c.Driver.ID, offer)
		e.notifyClient(t.ClientID, models.ClientEvent{
			TripID: t.ID, Event: "driver_assigned", DriverID: c.Driver.ID,
		})

		return Outcome{Kind: OutcomeAssigned, DriverID: c.Driver.ID, Score: c.Score}, nil
	}

	e.mu.Lock()
	delete(e.attempts, t.ID)
	e.mu.Unlock()
	return Outcome{Kind: OutcomeExhausted}, nil
}

// notifyDriver and notifyClient are fire-and-forget: state transitions never
// wait on delivery.
func (e *Engine) notifyDriver(driverID string, offer models.TripOffer) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.notify.NotifyDriver(ctx, driverID, offer); err != nil {
			e.log.Warn("driver notification failed", "driver_id", driverID, "trip_id", offer.TripID, "error", err)
		}
	}()
}

func (e *Engine) notifyClient(clientID string, ev models.ClientEvent) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.notify.NotifyClient(ctx, clientID, ev); err != nil {
			e.log.Warn("client notification failed", "client_id", clientID, "trip_id", ev.TripID, "error", err)
		}
	}()
}

func (e *Engine) loadTrip(ctx context.Context, tripID string) (*trip.Trip, error) {
	var t *trip.Trip
	err := e.withRetry(ctx, func() error {
		var err error
		t, err = e.trips.GetTrip(ctx, tripID)
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrTripNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: loading trip: %v", ErrDispatchFailed, err)
	}
	return t, nil
}

// withRetry retries fn with exponential backoff. Not-found is permanent and
// returned immediately.
func (e *Engine) withRetry(ctx context.Context, fn func() error) error {
	delay := e.opts.RetryBaseDelay
	var err error
	for i := 0; i < e.opts.RetryAttempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, storage.ErrTripNotFound) {
			return err
		}
		if i < e.opts.RetryAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return err
}

// tripLock is a refcounted per-trip mutex; the entry is dropped once no
// goroutine holds or waits on it, so the map does not grow with trip history.
type tripLock struct {
	mu   sync.Mutex
	refs int
}

func (e *Engine) lockTrip(id string) func() {
	e.mu.Lock()
	l, ok := e.tripLocks[id]
	if !ok {
		l = &tripLock{}
		e.tripLocks[id] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.tripLocks, id)
		}
		e.mu.Unlock()
	}
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
