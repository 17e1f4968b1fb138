package registry

import (
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/dispatch-core/internal/models"
)

// PostgresRegistry performs the atomic claim as a conditional UPDATE so
// multiple engine instances can share one driver pool. The WHERE clause is
// the reservation guard: zero rows affected means the race was lost.
type PostgresRegistry struct {
	db *sql.DB
}

func NewPostgresRegistry(dsn string) (*PostgresRegistry, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresRegistry{db: db}, nil
}

// NewPostgresRegistryFromDB shares an existing handle (the trip store's).
func NewPostgresRegistryFromDB(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

func (r *PostgresRegistry) TryReserve(driverID, tripID string) bool {
	res, err := r.db.Exec(`
		UPDATE drivers
		SET is_available = false, reserved_trip_id = $2, updated_at = $3
		WHERE id = $1 AND is_online AND is_available AND reserved_trip_id IS NULL`,
		driverID, tripID, time.Now().UTC())
	if err != nil {
		return false
	}
	n, err := res.RowsAffected()
	return err == nil && n == 1
}

func (r *PostgresRegistry) Release(driverID string) {
	_, _ = r.db.Exec(`
		UPDATE drivers
		SET is_available = is_online, reserved_trip_id = NULL, updated_at = $2
		WHERE id = $1`,
		driverID, time.Now().UTC())
}

func (r *PostgresRegistry) Get(driverID string) (models.Driver, bool) {
	var d models.Driver
	var class string
	err := r.db.QueryRow(`
		SELECT id, lat, lon, class, is_online, is_available,
		       rating, acceptance_rate, completion_rate, total_trips, loc_updated
		FROM drivers WHERE id = $1`, driverID).Scan(
		&d.ID, &d.Loc.Lat, &d.Loc.Lon, &class, &d.Online, &d.Available,
		&d.Rating, &d.AcceptanceRate, &d.CompletionRate, &d.TotalTrips, &d.LocUpdated)
	if err != nil {
		return models.Driver{}, false
	}
	d.Class = models.VehicleClass(class)
	return d, true
}

func (r *PostgresRegistry) RecordResponse(driverID string, accepted bool) {
	target := 0.0
	if accepted {
		target = 100.0
	}
	_, _ = r.db.Exec(`
		UPDATE drivers
		SET acceptance_rate = acceptance_rate * (1 - $2) + $3 * $2, updated_at = $4
		WHERE id = $1`,
		driverID, acceptanceAlpha, target, time.Now().UTC())
}

func (r *PostgresRegistry) RecordCompletion(driverID string, completed bool) {
	target := 0.0
	if completed {
		target = 100.0
	}
	_, _ = r.db.Exec(`
		UPDATE drivers
		SET total_trips = total_trips + 1,
		    completion_rate = completion_rate * (1 - $2) + $3 * $2,
		    updated_at = $4
		WHERE id = $1`,
		driverID, acceptanceAlpha, target, time.Now().UTC())
}

// Upsert mirrors Pool.Upsert for deployments running on the shared store.
// Best effort like Release; a failed refresh surfaces on the next one.
func (r *PostgresRegistry) Upsert(d models.Driver) {
	_, _ = r.db.Exec(`
		INSERT INTO drivers (id, lat, lon, class, is_online, is_available,
		                     rating, acceptance_rate, completion_rate, total_trips, loc_updated, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			lat = EXCLUDED.lat, lon = EXCLUDED.lon, class = EXCLUDED.class,
			is_online = EXCLUDED.is_online,
			is_available = EXCLUDED.is_available AND drivers.reserved_trip_id IS NULL,
			rating = EXCLUDED.rating, loc_updated = EXCLUDED.loc_updated,
			updated_at = EXCLUDED.updated_at`,
		d.ID, d.Loc.Lat, d.Loc.Lon, string(d.Class), d.Online, d.Available && d.Online,
		d.Rating, d.AcceptanceRate, d.CompletionRate, d.TotalTrips,
		d.LocUpdated, time.Now().UTC())
}

func (r *PostgresRegistry) SetOnline(driverID string, online bool) {
	_, _ = r.db.Exec(`
		UPDATE drivers
		SET is_online = $2,
		    is_available = $2 AND reserved_trip_id IS NULL,
		    updated_at = $3
		WHERE id = $1`,
		driverID, online, time.Now().UTC())
}
