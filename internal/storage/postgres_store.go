package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/dispatch-core/internal/models"
	"github.com/example/dispatch-core/internal/trip"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// DB exposes the handle for migrations at boot.
func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) CreateTrip(ctx context.Context, t *trip.Trip) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trips (id, client_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
		                   class, status, driver_id, match_score, estimated_price, payment_ref,
		                   created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		t.ID, t.ClientID, t.Pickup.Lat, t.Pickup.Lon, t.Dropoff.Lat, t.Dropoff.Lon,
		string(t.Class), t.Status.String(), t.DriverID, t.MatchScore, t.EstimatedPrice,
		t.PaymentRef, t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*trip.Trip, error) {
	var t trip.Trip
	var class, status string
	var canceledBy, cancelReason sql.NullString
	var durationSec sql.NullInt64
	err := p.db.QueryRowContext(ctx, `
		SELECT id, client_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
		       class, status, driver_id, match_score, estimated_price, final_price, payment_ref,
		       actual_distance_km, actual_duration_sec, canceled_by, cancel_reason,
		       created_at, updated_at, assigned_at, started_at, completed_at, canceled_at
		FROM trips WHERE id = $1`, id).Scan(
		&t.ID, &t.ClientID, &t.Pickup.Lat, &t.Pickup.Lon, &t.Dropoff.Lat, &t.Dropoff.Lon,
		&class, &status, &t.DriverID, &t.MatchScore, &t.EstimatedPrice, &t.FinalPrice,
		&t.PaymentRef, &t.ActualDistanceKm, &durationSec, &canceledBy, &cancelReason,
		&t.CreatedAt, &t.UpdatedAt, &t.AssignedAt, &t.StartedAt, &t.CompletedAt, &t.CanceledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTripNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Class = models.VehicleClass(class)
	st, err := trip.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	t.Status = st
	if canceledBy.Valid {
		actor := trip.Actor(canceledBy.String)
		t.CanceledBy = &actor
	}
	if cancelReason.Valid {
		t.CancelReason = &cancelReason.String
	}
	if durationSec.Valid {
		d := time.Duration(durationSec.Int64) * time.Second
		t.ActualDuration = &d
	}
	return &t, nil
}

func (p *PostgresStore) UpdateTrip(ctx context.Context, t *trip.Trip) error {
	var durationSec *int64
	if t.ActualDuration != nil {
		sec := int64(t.ActualDuration.Seconds())
		durationSec = &sec
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE trips SET status=$2, driver_id=$3, match_score=$4, final_price=$5, payment_ref=$6,
		                 actual_distance_km=$7, actual_duration_sec=$8,
		                 canceled_by=$9, cancel_reason=$10, updated_at=$11,
		                 assigned_at=$12, started_at=$13, completed_at=$14, canceled_at=$15
		WHERE id=$1`,
		t.ID, t.Status.String(), t.DriverID, t.MatchScore, t.FinalPrice, t.PaymentRef,
		t.ActualDistanceKm, durationSec, actorString(t.CanceledBy), t.CancelReason,
		t.UpdatedAt, t.AssignedAt, t.StartedAt, t.CompletedAt, t.CanceledAt)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTripNotFound
	}
	return nil
}

func actorString(a *trip.Actor) *string {
	if a == nil {
		return nil
	}
	s := string(*a)
	return &s
}
