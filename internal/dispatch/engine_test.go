package dispatch_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/dispatch-core/internal/dispatch"
	"github.com/example/dispatch-core/internal/geo"
	"github.com/example/dispatch-core/internal/models"
	"github.com/example/dispatch-core/internal/params"
	"github.com/example/dispatch-core/internal/registry"
	"github.com/example/dispatch-core/internal/scoring"
	"github.com/example/dispatch-core/internal/storage"
	"github.com/example/dispatch-core/internal/trip"
)

type fakeGeo struct {
	mu    sync.Mutex
	cands []geo.Candidate
	err   error
	calls int
}

func (f *fakeGeo) CandidatesWithin(context.Context, models.Coord, float64, models.VehicleClass) ([]geo.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]geo.Candidate, len(f.cands))
	copy(out, f.cands)
	return out, nil
}

func (f *fakeGeo) Upsert(context.Context, models.Driver) error { return nil }

func (f *fakeGeo) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakePool scripts reservation outcomes per driver and records every call.
type fakePool struct {
	mu        sync.Mutex
	deny      map[string]bool
	reserves  []string
	released  []string
	responses map[string][]bool
	bound     map[string]string
}

func newFakePool() *fakePool {
	return &fakePool{
		deny:      make(map[string]bool),
		responses: make(map[string][]bool),
		bound:     make(map[string]string),
	}
}

func (p *fakePool) TryReserve(driverID, tripID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reserves = append(p.reserves, driverID)
	if p.deny[driverID] || p.bound[driverID] != "" {
		return false
	}
	p.bound[driverID] = tripID
	return true
}

func (p *fakePool) Release(driverID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, driverID)
	delete(p.bound, driverID)
}

func (p *fakePool) Get(driverID string) (models.Driver, bool) {
	return models.Driver{ID: driverID, Online: true}, true
}

func (p *fakePool) RecordResponse(driverID string, accepted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses[driverID] = append(p.responses[driverID], accepted)
}

func (p *fakePool) reserveCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.reserves))
	copy(out, p.reserves)
	return out
}

func testParams() scoring.Params {
	return scoring.Params{
		MaxDriverDistanceKm:  5,
		MaxWaitTime:          10 * time.Minute,
		DistanceWeight:       0.5,
		DriverRatingWeight:   0.3,
		AcceptanceRateWeight: 0.2,
	}
}

func cand(id string, distanceKm float64) geo.Candidate {
	return geo.Candidate{
		Driver: models.Driver{
			ID: id, Online: true, Available: true,
			Class: models.ClassEconomy, Rating: 4.5, AcceptanceRate: 75,
		},
		DistanceKm: distanceKm,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(g geo.Index, pool registry.Registry, store storage.TripStore, p scoring.Params) *dispatch.Engine {
	return dispatch.New(g, pool, store, params.Static{P: p}, dispatch.NopNotifier{}, quietLogger(), dispatch.Options{
		RetryAttempts:    2,
		RetryBaseDelay:   time.Millisecond,
		CandidateListTTL: time.Minute,
	})
}

func mustCreateTrip(t *testing.T, store storage.TripStore, id string) *trip.Trip {
	t.Helper()
	tr, err := trip.New(id, models.TripRequest{ClientID: "c1", Class: models.ClassEconomy})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.CreateTrip(context.Background(), tr); err != nil {
		t.Fatal(err)
	}
	return tr
}

func seedPool(p *registry.Pool, ids ...string) {
	for _, id := range ids {
		p.Upsert(models.Driver{ID: id, Online: true, Available: true, Class: models.ClassEconomy})
	}
}

func tripStatus(t *testing.T, store storage.TripStore, id string) trip.Status {
	t.Helper()
	tr, err := store.GetTrip(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return tr.Status
}

func TestRequestCreatesEstimatedTrip(t *testing.T) {
	store := storage.NewMemoryStore()
	e := newEngine(&fakeGeo{}, registry.NewPool(), store, testParams())

	tr, err := e.Request(context.Background(), models.TripRequest{
		ClientID: "c1",
		Pickup:   models.Coord{Lat: 40.0, Lon: -74.0},
		Dropoff:  models.Coord{Lat: 40.02, Lon: -74.0},
		Class:    models.ClassEconomy,
	})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Status != trip.StatusRequested {
		t.Fatalf("status = %s", tr.Status)
	}
	if tr.EstimatedPrice == nil || *tr.EstimatedPrice <= 0 {
		t.Fatal("expected a positive price estimate")
	}
	if _, err := store.GetTrip(context.Background(), tr.ID); err != nil {
		t.Fatalf("trip not persisted: %v", err)
	}
}

func TestDispatchNoDrivers(t *testing.T) {
	store := storage.NewMemoryStore()
	e := newEngine(&fakeGeo{}, registry.NewPool(), store, testParams())
	tr := mustCreateTrip(t, store, "t1")

	out, err := e.Dispatch(context.Background(), tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != dispatch.OutcomeNoDrivers {
		t.Fatalf("outcome = %s", out.Kind)
	}
	if got := tripStatus(t, store, tr.ID); got != trip.StatusRequested {
		t.Fatalf("trip must stay requested, got %s", got)
	}
}

func TestDispatchAssignsHighestScore(t *testing.T) {
	g := &fakeGeo{cands: []geo.Candidate{
		cand("far", 4.0),
		cand("near", 1.0),
		cand("mid", 2.5),
	}}
	store := storage.NewMemoryStore()
	pool := registry.NewPool()
	seedPool(pool, "far", "near", "mid")
	e := newEngine(g, pool, store, testParams())
	tr := mustCreateTrip(t, store, "t1")

	out, err := e.Dispatch(context.Background(), tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != dispatch.OutcomeAssigned {
		t.Fatalf("outcome = %s", out.Kind)
	}
	if out.DriverID != "near" {
		t.Fatalf("winner = %s, want near", out.DriverID)
	}
	// 0.5*(1-1/5) + 0.3*(4.5/5) + 0.2*(75/100)
	if diff := out.Score - 0.82; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("score = %f, want 0.82", out.Score)
	}

	got, _ := store.GetTrip(context.Background(), tr.ID)
	if got.Status != trip.StatusAssigned || !got.AssignedTo("near") {
		t.Fatalf("trip = %s / %v", got.Status, got.DriverID)
	}
	if bound, ok := pool.ReservedFor("near"); !ok || bound != tr.ID {
		t.Fatalf("reservation binding = %q, %v", bound, ok)
	}
}

func TestDispatchFallsThroughLostReservations(t *testing.T) {
	g := &fakeGeo{cands: []geo.Candidate{
		cand("d1", 1.0),
		cand("d2", 2.0),
		cand("d3", 3.0),
	}}
	pool := newFakePool()
	pool.deny["d1"] = true
	pool.deny["d2"] = true
	store := storage.NewMemoryStore()
	e := newEngine(g, pool, store, testParams())
	tr := mustCreateTrip(t, store, "t1")

	out, err := e.Dispatch(context.Background(), tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != dispatch.OutcomeAssigned || out.DriverID != "d3" {
		t.Fatalf("outcome = %+v", out)
	}
	want := []string{"d1", "d2", "d3"}
	got := pool.reserveCalls()
	if len(got) != len(want) {
		t.Fatalf("reserve calls = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("reserve calls = %v, want %v", got, want)
		}
	}
}

func TestDispatchExhaustsCandidates(t *testing.T) {
	g := &fakeGeo{cands: []geo.Candidate{cand("d1", 1.0), cand("d2", 2.0)}}
	pool := newFakePool()
	pool.deny["d1"] = true
	pool.deny["d2"] = true
	store := storage.NewMemoryStore()
	e := newEngine(g, pool, store, testParams())
	tr := mustCreateTrip(t, store, "t1")

	out, err := e.Dispatch(context.Background(), tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != dispatch.OutcomeExhausted {
		t.Fatalf("outcome = %s", out.Kind)
	}
	if got := tripStatus(t, store, tr.ID); got != trip.StatusRequested {
		t.Fatalf("trip must stay requested, got %s", got)
	}
}

func TestDispatchIsIdempotentForAssignedTrip(t *testing.T) {
	g := &fakeGeo{cands: []geo.Candidate{cand("d1", 1.0)}}
	pool := newFakePool()
	store := storage.NewMemoryStore()
	e := newEngine(g, pool, store, testParams())
	tr := mustCreateTrip(t, store, "t1")

	first, err := e.Dispatch(context.Background(), tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.Dispatch(context.Background(), tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if second.Kind != dispatch.OutcomeAssigned || second.DriverID != first.DriverID {
		t.Fatalf("re-dispatch = %+v, want existing assignment %+v", second, first)
	}
	if calls := pool.reserveCalls(); len(calls) != 1 {
		t.Fatalf("re-dispatch must not reserve again, calls = %v", calls)
	}
}

func TestDispatchRejectsTerminalTrip(t *testing.T) {
	store := storage.NewMemoryStore()
	e := newEngine(&fakeGeo{}, registry.NewPool(), store, testParams())
	tr := mustCreateTrip(t, store, "t1")
	if err := tr.Cancel(trip.ActorClient, "changed my mind"); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateTrip(context.Background(), tr); err != nil {
		t.Fatal(err)
	}

	_, err := e.Dispatch(context.Background(), tr.ID)
	var ite *trip.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}
}

func TestDispatchInvalidOverrideParams(t *testing.T) {
	store := storage.NewMemoryStore()
	e := newEngine(&fakeGeo{cands: []geo.Candidate{cand("d1", 1.0)}}, registry.NewPool(), store, testParams())
	tr := mustCreateTrip(t, store, "t1")

	bad := testParams()
	bad.DistanceWeight = 0.9 // sum now 1.4
	if _, err := e.DispatchWith(context.Background(), tr.ID, &bad); err == nil {
		t.Fatal("expected validation error for unbalanced weights")
	}
}

func TestDispatchFailedAfterGeoRetries(t *testing.T) {
	g := &fakeGeo{err: errors.New("redis down")}
	store := storage.NewMemoryStore()
	e := newEngine(g, registry.NewPool(), store, testParams())
	tr := mustCreateTrip(t, store, "t1")

	_, err := e.Dispatch(context.Background(), tr.ID)
	if !errors.Is(err, dispatch.ErrDispatchFailed) {
		t.Fatalf("err = %v, want ErrDispatchFailed", err)
	}
	if got := g.callCount(); got != 2 {
		t.Fatalf("geo queried %d times, want 2 (retry limit)", got)
	}
}

func TestDispatchUnknownTrip(t *testing.T) {
	e := newEngine(&fakeGeo{}, registry.NewPool(), storage.NewMemoryStore(), testParams())
	if _, err := e.Dispatch(context.Background(), "ghost"); !errors.Is(err, storage.ErrTripNotFound) {
		t.Fatalf("err = %v, want ErrTripNotFound", err)
	}
}

func TestAcceptConfirmsAssignment(t *testing.T) {
	g := &fakeGeo{cands: []geo.Candidate{cand("d1", 1.0)}}
	pool := newFakePool()
	store := storage.NewMemoryStore()
	e := newEngine(g, pool, store, testParams())
	tr := mustCreateTrip(t, store, "t1")

	if _, err := e.Dispatch(context.Background(), tr.ID); err != nil {
		t.Fatal(err)
	}
	resp := models.DriverResponse{TripID: tr.ID, DriverID: "d1", Accepted: true}
	if err := e.HandleResponse(context.Background(), resp); err != nil {
		t.Fatal(err)
	}
	if got := tripStatus(t, store, tr.ID); got != trip.StatusAssigned {
		t.Fatalf("trip = %s, want assigned", got)
	}
	if got := pool.responses["d1"]; len(got) != 1 || !got[0] {
		t.Fatalf("responses = %v, want one accept", got)
	}
	// the offer is consumed; a duplicate response has nothing to match
	if err := e.HandleResponse(context.Background(), resp); !errors.Is(err, dispatch.ErrNoPendingOffer) {
		t.Fatalf("duplicate response err = %v, want ErrNoPendingOffer", err)
	}
}

func TestRejectFallsThroughToNextCandidate(t *testing.T) {
	g := &fakeGeo{cands: []geo.Candidate{cand("d1", 1.0), cand("d2", 2.0)}}
	pool := newFakePool()
	store := storage.NewMemoryStore()
	e := newEngine(g, pool, store, testParams())
	tr := mustCreateTrip(t, store, "t1")

	out, err := e.Dispatch(context.Background(), tr.ID)
	if err != nil || out.DriverID != "d1" {
		t.Fatalf("dispatch = %+v, %v", out, err)
	}
	err = e.HandleResponse(context.Background(), models.DriverResponse{TripID: tr.ID, DriverID: "d1", Accepted: false})
	if err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetTrip(context.Background(), tr.ID)
	if got.Status != trip.StatusAssigned || !got.AssignedTo("d2") {
		t.Fatalf("trip = %s / %v, want assigned to d2", got.Status, got.DriverID)
	}
	if got := pool.responses["d1"]; len(got) != 1 || got[0] {
		t.Fatalf("d1 responses = %v, want one reject", got)
	}
	if len(pool.released) != 1 || pool.released[0] != "d1" {
		t.Fatalf("released = %v, want [d1]", pool.released)
	}
}

func TestRejectWithNoFurtherCandidates(t *testing.T) {
	g := &fakeGeo{cands: []geo.Candidate{cand("d1", 1.0)}}
	pool := registry.NewPool()
	seedPool(pool, "d1")
	store := storage.NewMemoryStore()
	e := newEngine(g, pool, store, testParams())
	tr := mustCreateTrip(t, store, "t1")

	if _, err := e.Dispatch(context.Background(), tr.ID); err != nil {
		t.Fatal(err)
	}
	err := e.HandleResponse(context.Background(), models.DriverResponse{TripID: tr.ID, DriverID: "d1", Accepted: false})
	if err != nil {
		t.Fatal(err)
	}

	// trip goes back to requested; the driver is free for other trips but is
	// never re-offered this one
	if got := tripStatus(t, store, tr.ID); got != trip.StatusRequested {
		t.Fatalf("trip = %s, want requested", got)
	}
	d, _ := pool.Get("d1")
	if !d.Available {
		t.Fatal("rejecting driver must be released")
	}
}

func TestResponseWithoutPendingOffer(t *testing.T) {
	e := newEngine(&fakeGeo{}, registry.NewPool(), storage.NewMemoryStore(), testParams())
	err := e.HandleResponse(context.Background(), models.DriverResponse{TripID: "t1", DriverID: "d1", Accepted: true})
	if !errors.Is(err, dispatch.ErrNoPendingOffer) {
		t.Fatalf("err = %v, want ErrNoPendingOffer", err)
	}
}

func TestResponseFromWrongDriver(t *testing.T) {
	g := &fakeGeo{cands: []geo.Candidate{cand("d1", 1.0)}}
	pool := registry.NewPool()
	seedPool(pool, "d1")
	store := storage.NewMemoryStore()
	e := newEngine(g, pool, store, testParams())
	tr := mustCreateTrip(t, store, "t1")

	if _, err := e.Dispatch(context.Background(), tr.ID); err != nil {
		t.Fatal(err)
	}
	err := e.HandleResponse(context.Background(), models.DriverResponse{TripID: tr.ID, DriverID: "impostor", Accepted: true})
	if !errors.Is(err, dispatch.ErrNoPendingOffer) {
		t.Fatalf("err = %v, want ErrNoPendingOffer", err)
	}
}

func TestOfferTimeoutReturnsTripToRequested(t *testing.T) {
	p := testParams()
	p.MaxWaitTime = 30 * time.Millisecond

	// near-zero distance keeps the arrival estimate inside the tiny window
	g := &fakeGeo{cands: []geo.Candidate{cand("d1", 0.00001)}}
	pool := registry.NewPool()
	seedPool(pool, "d1")
	store := storage.NewMemoryStore()
	e := newEngine(g, pool, store, p)
	tr := mustCreateTrip(t, store, "t1")

	out, err := e.Dispatch(context.Background(), tr.ID)
	if err != nil || out.Kind != dispatch.OutcomeAssigned {
		t.Fatalf("dispatch = %+v, %v", out, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if tripStatus(t, store, tr.ID) == trip.StatusRequested {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("trip never returned to requested after offer timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
	d, _ := pool.Get("d1")
	if !d.Available {
		t.Fatal("timed-out driver must be released")
	}
}

func TestCancelReleasesPendingReservation(t *testing.T) {
	g := &fakeGeo{cands: []geo.Candidate{cand("d1", 1.0)}}
	pool := registry.NewPool()
	seedPool(pool, "d1")
	store := storage.NewMemoryStore()
	e := newEngine(g, pool, store, testParams())
	tr := mustCreateTrip(t, store, "t1")

	if _, err := e.Dispatch(context.Background(), tr.ID); err != nil {
		t.Fatal(err)
	}
	if err := e.Cancel(context.Background(), tr.ID, trip.ActorClient, "changed my mind"); err != nil {
		t.Fatal(err)
	}

	if got := tripStatus(t, store, tr.ID); got != trip.StatusCanceled {
		t.Fatalf("trip = %s, want canceled", got)
	}
	d, _ := pool.Get("d1")
	if !d.Available {
		t.Fatal("canceling the trip must free the reserved driver")
	}
	if _, held := pool.ReservedFor("d1"); held {
		t.Fatal("binding must be cleared")
	}
	err := e.HandleResponse(context.Background(), models.DriverResponse{TripID: tr.ID, DriverID: "d1", Accepted: true})
	if !errors.Is(err, dispatch.ErrNoPendingOffer) {
		t.Fatalf("late response err = %v, want ErrNoPendingOffer", err)
	}
}

func TestDriverCancelTriggersRematch(t *testing.T) {
	g := &fakeGeo{cands: []geo.Candidate{cand("d1", 1.0), cand("d2", 2.0)}}
	pool := registry.NewPool()
	seedPool(pool, "d1", "d2")
	store := storage.NewMemoryStore()
	e := newEngine(g, pool, store, testParams())
	tr := mustCreateTrip(t, store, "t1")

	if _, err := e.Dispatch(context.Background(), tr.ID); err != nil {
		t.Fatal(err)
	}
	if err := e.HandleResponse(context.Background(), models.DriverResponse{TripID: tr.ID, DriverID: "d1", Accepted: true}); err != nil {
		t.Fatal(err)
	}

	// the accepted driver bails before pickup; the trip is not canceled but
	// immediately rematched, excluding the bailing driver
	if err := e.Cancel(context.Background(), tr.ID, trip.ActorDriver, "vehicle issue"); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetTrip(context.Background(), tr.ID)
	if got.Status != trip.StatusAssigned || !got.AssignedTo("d2") {
		t.Fatalf("trip = %s / %v, want reassigned to d2", got.Status, got.DriverID)
	}
	d1, _ := pool.Get("d1")
	if !d1.Available {
		t.Fatal("bailing driver must be released")
	}
	if bound, ok := pool.ReservedFor("d2"); !ok || bound != tr.ID {
		t.Fatalf("d2 binding = %q, %v", bound, ok)
	}
}

func TestStartConsumesPendingOffer(t *testing.T) {
	g := &fakeGeo{cands: []geo.Candidate{cand("d1", 1.0)}}
	pool := newFakePool()
	store := storage.NewMemoryStore()
	e := newEngine(g, pool, store, testParams())
	tr := mustCreateTrip(t, store, "t1")

	if _, err := e.Dispatch(context.Background(), tr.ID); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(context.Background(), tr.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	if got := tripStatus(t, store, tr.ID); got != trip.StatusActive {
		t.Fatalf("trip = %s, want active", got)
	}
	if got := pool.responses["d1"]; len(got) != 1 || !got[0] {
		t.Fatalf("starting must count as accepting, responses = %v", got)
	}
}

func TestStartByWrongDriver(t *testing.T) {
	g := &fakeGeo{cands: []geo.Candidate{cand("d1", 1.0)}}
	pool := registry.NewPool()
	seedPool(pool, "d1")
	store := storage.NewMemoryStore()
	e := newEngine(g, pool, store, testParams())
	tr := mustCreateTrip(t, store, "t1")

	if _, err := e.Dispatch(context.Background(), tr.ID); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(context.Background(), tr.ID, "impostor"); !errors.Is(err, trip.ErrWrongDriver) {
		t.Fatalf("err = %v, want ErrWrongDriver", err)
	}
}

func TestCompleteFinalizesPriceAndFreesDriver(t *testing.T) {
	g := &fakeGeo{cands: []geo.Candidate{cand("d1", 1.0)}}
	pool := registry.NewPool()
	seedPool(pool, "d1")
	store := storage.NewMemoryStore()
	e := newEngine(g, pool, store, testParams())
	tr := mustCreateTrip(t, store, "t1")

	if _, err := e.Dispatch(context.Background(), tr.ID); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(context.Background(), tr.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	if err := e.Complete(context.Background(), tr.ID, "d1", 2.0, 10*time.Minute); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetTrip(context.Background(), tr.ID)
	if got.Status != trip.StatusCompleted {
		t.Fatalf("trip = %s, want completed", got.Status)
	}
	// economy: 250 base + 2km*90 + 10min*20
	if got.FinalPrice == nil || *got.FinalPrice != 630 {
		t.Fatalf("final price = %v, want 630", got.FinalPrice)
	}
	d, _ := pool.Get("d1")
	if !d.Available {
		t.Fatal("completing must free the driver")
	}
	if d.TotalTrips != 1 {
		t.Fatalf("total trips = %d, want 1", d.TotalTrips)
	}
}

func TestIncidentFreezesTripAndFreesDriver(t *testing.T) {
	g := &fakeGeo{cands: []geo.Candidate{cand("d1", 1.0)}}
	pool := registry.NewPool()
	seedPool(pool, "d1")
	store := storage.NewMemoryStore()
	e := newEngine(g, pool, store, testParams())
	tr := mustCreateTrip(t, store, "t1")

	if _, err := e.Dispatch(context.Background(), tr.ID); err != nil {
		t.Fatal(err)
	}
	if err := e.ReportIncident(context.Background(), tr.ID, trip.ActorAdmin, "collision reported"); err != nil {
		t.Fatal(err)
	}

	if got := tripStatus(t, store, tr.ID); got != trip.StatusIncident {
		t.Fatalf("trip = %s, want incident", got)
	}
	d, _ := pool.Get("d1")
	if !d.Available {
		t.Fatal("incident must free the driver")
	}
	if err := e.Start(context.Background(), tr.ID, "d1"); err == nil {
		t.Fatal("frozen trip must reject further transitions")
	}
}

// gatedStore stalls the first matching UpdateTrip so a test can observe the
// window while that write is in flight.
type gatedStore struct {
	*storage.MemoryStore
	hold    func(*trip.Trip) bool
	once    sync.Once
	entered chan struct{}
	gate    chan struct{}
}

func (s *gatedStore) UpdateTrip(ctx context.Context, t *trip.Trip) error {
	if s.hold(t) {
		s.once.Do(func() {
			close(s.entered)
			<-s.gate
		})
	}
	return s.MemoryStore.UpdateTrip(ctx, t)
}

func TestRejectPersistsUnassignBeforeRelease(t *testing.T) {
	g := &fakeGeo{cands: []geo.Candidate{cand("d1", 1.0)}}
	pool := registry.NewPool()
	seedPool(pool, "d1")
	store := &gatedStore{
		MemoryStore: storage.NewMemoryStore(),
		entered:     make(chan struct{}),
		gate:        make(chan struct{}),
	}
	store.hold = func(tr *trip.Trip) bool {
		return tr.ID == "t1" && tr.Status == trip.StatusRequested
	}
	e := newEngine(g, pool, store, testParams())
	t1 := mustCreateTrip(t, store, "t1")
	t2 := mustCreateTrip(t, store, "t2")

	if _, err := e.Dispatch(context.Background(), t1.ID); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- e.HandleResponse(context.Background(), models.DriverResponse{TripID: t1.ID, DriverID: "d1", Accepted: false})
	}()
	<-store.entered

	// the unassignment write is still in flight, so the store shows t1
	// assigned to d1; another round must not be able to claim d1 yet
	out, err := e.Dispatch(context.Background(), t2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind == dispatch.OutcomeAssigned {
		t.Fatalf("driver claimed before the unassignment was durable: %+v", out)
	}

	close(store.gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if got := tripStatus(t, store, t1.ID); got != trip.StatusRequested {
		t.Fatalf("t1 = %s, want requested", got)
	}
	d, _ := pool.Get("d1")
	if !d.Available {
		t.Fatal("driver must be free once the continuation completes")
	}
	out, err = e.Dispatch(context.Background(), t2.ID)
	if err != nil || out.Kind != dispatch.OutcomeAssigned || out.DriverID != "d1" {
		t.Fatalf("retry = %+v, %v", out, err)
	}
}

// scriptedGeo returns a different candidate batch per query.
type scriptedGeo struct {
	mu      sync.Mutex
	batches [][]geo.Candidate
	calls   int
}

func (s *scriptedGeo) CandidatesWithin(context.Context, models.Coord, float64, models.VehicleClass) ([]geo.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.batches) {
		i = len(s.batches) - 1
	}
	s.calls++
	return s.batches[i], nil
}

func (s *scriptedGeo) Upsert(context.Context, models.Driver) error { return nil }

func (s *scriptedGeo) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestStaleCandidateListIsRefreshed(t *testing.T) {
	g := &scriptedGeo{batches: [][]geo.Candidate{
		{cand("d1", 1.0)},
		{cand("d1", 1.0), cand("d2", 2.0)},
	}}
	pool := registry.NewPool()
	seedPool(pool, "d1", "d2")
	store := storage.NewMemoryStore()
	e := dispatch.New(g, pool, store, params.Static{P: testParams()}, dispatch.NopNotifier{}, quietLogger(), dispatch.Options{
		RetryAttempts:    2,
		RetryBaseDelay:   time.Millisecond,
		CandidateListTTL: time.Nanosecond,
	})
	tr := mustCreateTrip(t, store, "t1")

	out, err := e.Dispatch(context.Background(), tr.ID)
	if err != nil || out.DriverID != "d1" {
		t.Fatalf("dispatch = %+v, %v", out, err)
	}

	// the list is already older than the TTL, so the reject continuation must
	// issue a fresh geo query; the refreshed list ranks d1 first again, but
	// an already-offered driver is never retried
	err = e.HandleResponse(context.Background(), models.DriverResponse{TripID: tr.ID, DriverID: "d1", Accepted: false})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetTrip(context.Background(), tr.ID)
	if got.Status != trip.StatusAssigned || !got.AssignedTo("d2") {
		t.Fatalf("trip = %s / %v, want assigned to d2", got.Status, got.DriverID)
	}
	if n := g.callCount(); n != 2 {
		t.Fatalf("geo queried %d times, want 2 (refresh on stale list)", n)
	}
}

type penaltyByID map[string]float64

func (p penaltyByID) ScorePenalty(d models.Driver) float64 { return p[d.ID] }

func TestPenaltyPolicyDemotesDriver(t *testing.T) {
	g := &fakeGeo{cands: []geo.Candidate{cand("near", 1.0), cand("far", 3.0)}}
	pool := registry.NewPool()
	seedPool(pool, "near", "far")
	store := storage.NewMemoryStore()
	e := newEngine(g, pool, store, testParams()).WithPenalty(penaltyByID{"near": 0.5})
	tr := mustCreateTrip(t, store, "t1")

	out, err := e.Dispatch(context.Background(), tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	// near scores 0.82 - 0.5 = 0.32, far scores 0.62
	if out.DriverID != "far" {
		t.Fatalf("winner = %s, want far", out.DriverID)
	}
}

func TestConcurrentDispatchSingleAssignment(t *testing.T) {
	g := &fakeGeo{cands: []geo.Candidate{cand("d1", 1.0)}}
	pool := registry.NewPool()
	seedPool(pool, "d1")
	store := storage.NewMemoryStore()
	e := newEngine(g, pool, store, testParams())

	const trips = 10
	ids := make([]string, trips)
	for i := range ids {
		ids[i] = mustCreateTrip(t, store, "t"+string(rune('a'+i))).ID
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	assigned := 0
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			out, err := e.Dispatch(context.Background(), id)
			if err != nil {
				t.Error(err)
				return
			}
			if out.Kind == dispatch.OutcomeAssigned {
				mu.Lock()
				assigned++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	if assigned != 1 {
		t.Fatalf("one driver can serve exactly one trip, got %d assignments", assigned)
	}
}
