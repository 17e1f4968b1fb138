package dispatch

import (
	"context"
	"time"

	"github.com/example/dispatch-core/internal/models"
	"github.com/example/dispatch-core/internal/trip"
)

// Start moves an assigned trip to active. Only the assigned driver may
// start; a pending offer is treated as accepted first.
func (e *Engine) Start(ctx context.Context, tripID, driverID string) error {
	unlock := e.lockTrip(tripID)
	defer unlock()

	t, err := e.loadTrip(ctx, tripID)
	if err != nil {
		return err
	}
	if err := t.Start(driverID); err != nil {
		return err
	}
	if err := e.withRetry(ctx, func() error { return e.trips.UpdateTrip(ctx, t) }); err != nil {
		return err
	}

	// starting implies accepting if the offer was still open
	if att := e.attemptFor(tripID); att != nil && att.reserved == driverID {
		att.stopTimer()
		e.mu.Lock()
		delete(e.attempts, tripID)
		e.mu.Unlock()
		e.pool.RecordResponse(driverID, true)
	}

	e.notifyClient(t.ClientID, models.ClientEvent{
		TripID: t.ID, Event: "trip_started", DriverID: driverID,
	})
	return nil
}

// Complete moves an active trip to completed, finalizes the price from the
// actual distance and duration, frees the driver, and emits the settlement
// event to the payment collaborator.
func (e *Engine) Complete(ctx context.Context, tripID, driverID string, distanceKm float64, duration time.Duration) error {
	unlock := e.lockTrip(tripID)
	defer unlock()

	t, err := e.loadTrip(ctx, tripID)
	if err != nil {
		return err
	}
	fare := e.price(distanceKm, duration, t.Class)
	if err := t.Complete(driverID, distanceKm, duration, fare); err != nil {
		return err
	}
	if err := e.withRetry(ctx, func() error { return e.trips.UpdateTrip(ctx, t) }); err != nil {
		return err
	}

	e.pool.Release(driverID)
	if rec, ok := e.pool.(interface{ RecordCompletion(string, bool) }); ok {
		rec.RecordCompletion(driverID, true)
	}

	if e.payments != nil && t.PaymentRef != nil {
		ref := *t.PaymentRef
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := e.payments.Capture(ctx, ref); err != nil {
				e.log.Error("payment capture failed", "trip_id", tripID, "payment_ref", ref, "error", err)
			}
		}()
	}

	e.notifyClient(t.ClientID, models.ClientEvent{
		TripID: t.ID, Event: "trip_completed", DriverID: driverID,
	})
	return nil
}

// Cancel handles cancellation by the client, the assigned driver, or an
// admin. A pending reservation is always released and its timer aborted: a
// canceled trip never leaves a driver stuck reserved. When the assigned
// driver bails out pre-start the trip is not canceled; it immediately
// re-enters matching so it is never stranded.
func (e *Engine) Cancel(ctx context.Context, tripID string, by trip.Actor, reason string) error {
	unlock := e.lockTrip(tripID)
	defer unlock()

	t, err := e.loadTrip(ctx, tripID)
	if err != nil {
		return err
	}

	if by == trip.ActorDriver && t.Status == trip.StatusAssigned && t.DriverID != nil {
		return e.driverBailout(ctx, t)
	}

	if err := t.Cancel(by, reason); err != nil {
		return err
	}

	att := e.attemptFor(tripID)
	if att != nil {
		att.stopTimer()
	}

	// persist the cancellation before freeing the driver so the store never
	// shows the driver assigned here once another trip can reserve them
	if err := e.withRetry(ctx, func() error { return e.trips.UpdateTrip(ctx, t) }); err != nil {
		return err
	}

	if att != nil {
		if att.reserved != "" {
			e.pool.Release(att.reserved)
			att.reserved = ""
		}
		e.mu.Lock()
		delete(e.attempts, tripID)
		e.mu.Unlock()
	} else if t.DriverID != nil {
		// accepted but not yet started; free the driver
		e.pool.Release(*t.DriverID)
	}

	if e.payments != nil && t.PaymentRef != nil {
		ref := *t.PaymentRef
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := e.payments.Cancel(ctx, ref); err != nil {
				e.log.Error("payment release failed", "trip_id", tripID, "payment_ref", ref, "error", err)
			}
		}()
	}

	e.notifyClient(t.ClientID, models.ClientEvent{
		TripID: t.ID, Event: "trip_canceled", Detail: reason,
	})
	if t.DriverID != nil {
		e.notifyClient(*t.DriverID, models.ClientEvent{
			TripID: t.ID, Event: "trip_canceled", Detail: reason,
		})
	}
	return nil
}

// driverBailout releases the bailing driver, penalizes its acceptance rate,
// and restarts matching for the trip right away.
func (e *Engine) driverBailout(ctx context.Context, t *trip.Trip) error {
	driverID := *t.DriverID
	e.pool.RecordResponse(driverID, false)

	if att := e.attemptFor(t.ID); att != nil && att.reserved == driverID {
		att.stopTimer()
		_, err := e.rematch(ctx, att)
		return err
	}

	// the driver had already accepted; synthesize a fresh attempt that
	// excludes them and re-enter dispatch directly
	att := &matchAttempt{
		tripID: t.ID,
		params: e.params.Current(),
		tried:  map[string]bool{driverID: true},
	}
	if err := t.Unassign(); err != nil {
		return err
	}
	// unassignment reaches the store before the driver is freed
	if err := e.withRetry(ctx, func() error { return e.trips.UpdateTrip(ctx, t) }); err != nil {
		return err
	}
	e.pool.Release(driverID)
	ranked, err := e.rankedCandidates(ctx, t, att.params)
	if err != nil {
		return err
	}
	att.ranked = ranked
	att.createdAt = time.Now()
	out, err := e.reserveNext(ctx, t, att)
	if err != nil {
		return err
	}
	if out.Kind != OutcomeAssigned {
		e.notifyClient(t.ClientID, models.ClientEvent{TripID: t.ID, Event: "no_driver_found"})
	}
	return nil
}

// ReportIncident freezes a non-terminal trip pending manual intervention and
// frees any bound driver.
func (e *Engine) ReportIncident(ctx context.Context, tripID string, by trip.Actor, note string) error {
	unlock := e.lockTrip(tripID)
	defer unlock()

	t, err := e.loadTrip(ctx, tripID)
	if err != nil {
		return err
	}
	if err := t.ReportIncident(by, note); err != nil {
		return err
	}

	att := e.attemptFor(tripID)
	if att != nil {
		att.stopTimer()
	}

	if err := e.withRetry(ctx, func() error { return e.trips.UpdateTrip(ctx, t) }); err != nil {
		return err
	}

	if att != nil {
		if att.reserved != "" {
			e.pool.Release(att.reserved)
			att.reserved = ""
		}
		e.mu.Lock()
		delete(e.attempts, tripID)
		e.mu.Unlock()
	} else if t.DriverID != nil {
		e.pool.Release(*t.DriverID)
	}
	e.notifyClient(t.ClientID, models.ClientEvent{
		TripID: t.ID, Event: "incident_reported", Detail: note,
	})
	return nil
}
