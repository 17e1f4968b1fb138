package dispatch

import (
	"context"
	"time"

	"github.com/example/dispatch-core/internal/models"
	"github.com/example/dispatch-core/internal/observability"
	"github.com/example/dispatch-core/internal/scoring"
	"github.com/example/dispatch-core/internal/trip"
)

// matchAttempt is the ephemeral bookkeeping for one trip's matching round:
// the ordered candidate list, the cursor into it, the currently reserved
// driver, and the acceptance deadline timer. It is discarded when a driver
// accepts or the list is exhausted.
type matchAttempt struct {
	tripID    string
	params    scoring.Params
	ranked    []scoring.Ranked
	next      int
	reserved  string
	tried     map[string]bool
	createdAt time.Time
	timer     *time.Timer
}

func (a *matchAttempt) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
	}
}

func (a *matchAttempt) stale(ttl time.Duration) bool {
	return time.Since(a.createdAt) > ttl
}

// HandleResponse processes a driver's accept or reject of a pending offer.
// Accept keeps the trip assigned and cancels the deadline timer. Reject
// releases the driver, penalizes its acceptance rate, and falls through to
// the next-ranked candidate. A response with no matching live reservation
// returns ErrNoPendingOffer.
func (e *Engine) HandleResponse(ctx context.Context, resp models.DriverResponse) error {
	unlock := e.lockTrip(resp.TripID)
	defer unlock()

	att := e.attemptFor(resp.TripID)
	if att == nil || att.reserved != resp.DriverID {
		return ErrNoPendingOffer
	}
	att.stopTimer()

	if resp.Accepted {
		e.mu.Lock()
		delete(e.attempts, resp.TripID)
		e.mu.Unlock()
		e.pool.RecordResponse(resp.DriverID, true)
		observability.DriverResponses.WithLabelValues("accepted").Inc()
		e.log.Info("offer accepted", "trip_id", resp.TripID, "driver_id", resp.DriverID)

		t, err := e.loadTrip(ctx, resp.TripID)
		if err != nil {
			return err
		}
		e.notifyClient(t.ClientID, models.ClientEvent{
			TripID: t.ID, Event: "driver_confirmed", DriverID: resp.DriverID,
		})
		return nil
	}

	e.pool.RecordResponse(resp.DriverID, false)
	observability.DriverResponses.WithLabelValues("rejected").Inc()
	e.log.Info("offer rejected", "trip_id", resp.TripID, "driver_id", resp.DriverID)
	_, err := e.rematch(ctx, att)
	return err
}

// handleTimeout fires when a reserved driver never answered within the
// acceptance window. Normalized to the same path as an explicit reject.
func (e *Engine) handleTimeout(tripID, driverID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	unlock := e.lockTrip(tripID)
	defer unlock()

	att := e.attemptFor(tripID)
	if att == nil || att.reserved != driverID {
		// a response or cancellation won the race with the timer
		return
	}
	e.pool.RecordResponse(driverID, false)
	observability.DriverResponses.WithLabelValues("timeout").Inc()
	e.log.Info("offer timed out", "trip_id", tripID, "driver_id", driverID)

	if _, err := e.rematch(ctx, att); err != nil {
		e.log.Error("rematch after timeout failed", "trip_id", tripID, "error", err)
	}
}

// rematch releases the current reservation, returns the trip to requested,
// and re-enters the candidate list at the next-ranked candidate. A list
// older than CandidateListTTL is refreshed with a new geo query; drivers
// already offered this attempt are never retried.
func (e *Engine) rematch(ctx context.Context, att *matchAttempt) (Outcome, error) {
	released := att.reserved

	t, err := e.loadTrip(ctx, att.tripID)
	if err != nil {
		return Outcome{}, err
	}
	if t.Status == trip.StatusAssigned && t.AssignedTo(released) {
		if err := t.Unassign(); err != nil {
			return Outcome{}, err
		}
		// persist the unassignment before releasing the driver: a concurrent
		// round may reserve the driver the instant it is free, and the store
		// must never show two assigned trips for one driver. On persist
		// failure the reservation is kept so the trip stays consistently
		// assigned in both views.
		if err := e.withRetry(ctx, func() error { return e.trips.UpdateTrip(ctx, t) }); err != nil {
			return Outcome{}, err
		}
	} else if t.Status != trip.StatusRequested {
		// trip moved on (canceled, incident) while the response was pending
		att.reserved = ""
		if released != "" {
			e.pool.Release(released)
		}
		e.mu.Lock()
		delete(e.attempts, att.tripID)
		e.mu.Unlock()
		return Outcome{}, nil
	}
	att.reserved = ""
	if released != "" {
		e.pool.Release(released)
	}

	if att.stale(e.opts.CandidateListTTL) {
		ranked, err := e.rankedCandidates(ctx, t, att.params)
		if err != nil {
			return Outcome{}, err
		}
		att.ranked = ranked
		att.next = 0
		att.createdAt = time.Now()
	}

	out, err := e.reserveNext(ctx, t, att)
	if err != nil {
		return out, err
	}
	if out.Kind != OutcomeAssigned {
		// list exhausted: trip stays requested, eligible for manual retry or
		// scheduled re-dispatch
		e.notifyClient(t.ClientID, models.ClientEvent{
			TripID: t.ID, Event: "no_driver_found",
		})
	}
	return out, nil
}

func (e *Engine) attemptFor(tripID string) *matchAttempt {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts[tripID]
}
