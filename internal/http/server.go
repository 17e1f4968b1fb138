package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/dispatch-core/internal/dispatch"
	"github.com/example/dispatch-core/internal/geo"
	"github.com/example/dispatch-core/internal/ingest"
	"github.com/example/dispatch-core/internal/params"
	"github.com/example/dispatch-core/internal/registry"
	"github.com/example/dispatch-core/internal/storage"
)

// Server is the thin HTTP wrapper around the dispatch core.
type Server struct {
	engine *dispatch.Engine
	geo    geo.Index
	pool   registry.DriverPool
	trips  storage.TripStore
	params *params.Store
	kafka  *ingest.KafkaProducer // optional
	hub    *dispatch.WSNotifier
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(engine *dispatch.Engine, gi geo.Index, pool registry.DriverPool, trips storage.TripStore, ps *params.Store, kafka *ingest.KafkaProducer, hub *dispatch.WSNotifier, logger *slog.Logger) *Server {
	s := &Server{
		engine: engine,
		geo:    gi,
		pool:   pool,
		trips:  trips,
		params: ps,
		kafka:  kafka,
		hub:    hub,
		logger: logger,
		mux:    mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/trips", s.handleTripRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}", s.handleGetTrip).Methods("GET")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/dispatch", s.handleDispatch).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/response", s.handleDriverResponse).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/start", s.handleStart).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/complete", s.handleComplete).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/incident", s.handleIncident).Methods("POST")

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/internal/driver/{driver_id}/online", s.handleDriverOnline).Methods("POST")

	s.mux.HandleFunc("/api/v1/admin/params", s.handleGetParams).Methods("GET")
	s.mux.HandleFunc("/api/v1/admin/params", s.handleUpdateParams).Methods("PUT")

	s.mux.HandleFunc("/ws/driver/{driver_id}", s.handleDriverWS)
	s.mux.HandleFunc("/ws/client/{client_id}", s.handleClientWS)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
