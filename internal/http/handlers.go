package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/dispatch-core/internal/dispatch"
	"github.com/example/dispatch-core/internal/models"
	"github.com/example/dispatch-core/internal/observability"
	"github.com/example/dispatch-core/internal/scoring"
	"github.com/example/dispatch-core/internal/storage"
	"github.com/example/dispatch-core/internal/trip"
)

func (s *Server) handleTripRequest(w http.ResponseWriter, r *http.Request) {
	var req models.TripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t, err := s.engine.Request(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out, err := s.engine.Dispatch(r.Context(), t.ID)
	if err != nil {
		// the trip exists; hand back its id so the client can retry the
		// dispatch endpoint instead of creating a duplicate trip
		s.logger.Warn("initial dispatch failed", "trip_id", t.ID, "error", err)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"trip_id":         t.ID,
			"estimated_price": t.EstimatedPrice,
			"error":           err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"trip_id":         t.ID,
		"estimated_price": t.EstimatedPrice,
		"outcome":         out,
	})
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.trips.GetTrip(r.Context(), mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleDispatch retries matching for a requested trip. An optional JSON
// body carries a parameter override for simulation; it is not persisted.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	var override *scoring.Params
	if r.ContentLength > 0 {
		var p scoring.Params
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		override = &p
	}
	out, err := s.engine.DispatchWith(r.Context(), tripID, override)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDriverResponse(w http.ResponseWriter, r *http.Request) {
	var resp models.DriverResponse
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp.TripID = mux.Vars(r)["trip_id"]
	if err := s.engine.HandleResponse(r.Context(), resp); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.engine.Start(r.Context(), mux.Vars(r)["trip_id"], body.DriverID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID    string  `json:"driver_id"`
		DistanceKm  float64 `json:"distance_km"`
		DurationMin float64 `json:"duration_min"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dur := time.Duration(body.DurationMin * float64(time.Minute))
	if err := s.engine.Complete(r.Context(), mux.Vars(r)["trip_id"], body.DriverID, body.DistanceKm, dur); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		By     string `json:"by"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	actor := trip.Actor(body.By)
	if actor != trip.ActorClient && actor != trip.ActorDriver && actor != trip.ActorAdmin {
		http.Error(w, "by must be client, driver, or admin", http.StatusBadRequest)
		return
	}
	if err := s.engine.Cancel(r.Context(), mux.Vars(r)["trip_id"], actor, body.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIncident(w http.ResponseWriter, r *http.Request) {
	var body struct {
		By   string `json:"by"`
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.engine.ReportIncident(r.Context(), mux.Vars(r)["trip_id"], trip.Actor(body.By), body.Note); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d.Online = true
	if d.LocUpdated.IsZero() {
		d.LocUpdated = time.Now().UTC()
	}

	if s.kafka != nil {
		if err := s.kafka.PublishDriver(d); err != nil {
			s.logger.Warn("kafka publish failed", "driver_id", d.ID, "error", err)
		}
	}

	// the gauge moves only on an actual offline->online edge
	if prev, known := s.pool.Get(d.ID); !known || !prev.Online {
		observability.DriversOnline.Inc()
	}
	s.pool.Upsert(d)
	if err := s.geo.Upsert(r.Context(), d); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverOnline(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := mux.Vars(r)["driver_id"]
	prev, known := s.pool.Get(id)
	s.pool.SetOnline(id, body.Online)
	switch {
	case body.Online && (!known || !prev.Online):
		observability.DriversOnline.Inc()
	case !body.Online && known && prev.Online:
		observability.DriversOnline.Dec()
	}
	if d, ok := s.pool.Get(id); ok {
		_ = s.geo.Upsert(r.Context(), d)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetParams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.params.Current())
}

func (s *Server) handleUpdateParams(w http.ResponseWriter, r *http.Request) {
	var p scoring.Params
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.params.Update(p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.params.Current())
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.hub.AddDriver(id, conn)
}

func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["client_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.hub.AddClient(id, conn)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var transition *trip.InvalidTransitionError
	switch {
	case errors.Is(err, storage.ErrTripNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &transition), errors.Is(err, dispatch.ErrNoPendingOffer):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, dispatch.ErrDispatchFailed):
		http.Error(w, err.Error(), http.StatusBadGateway)
	case errors.Is(err, trip.ErrWrongDriver), errors.Is(err, trip.ErrNotAssigned):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
