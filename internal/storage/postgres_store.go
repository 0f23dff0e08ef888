package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) DB() *sql.DB { return p.db }

const rideColumns = `id, rider_id, pickup_lat, pickup_lng, pickup_address, dropoff_lat, dropoff_lng, dropoff_address,
	car_type, status, assigned_driver_id, cancel_reason, search_radius_km, search_history, is_airport,
	airport_zone_id, parking_queue_id, surge_tier, surge_multiplier, payment_hold_id, expires_at, created_at, updated_at`

func (p *PostgresStore) SaveRide(ctx context.Context, r *models.RideRequest) error {
	history, err := json.Marshal(r.SearchHistory)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	created := r.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
		ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, assigned_driver_id=EXCLUDED.assigned_driver_id,
			cancel_reason=EXCLUDED.cancel_reason, search_radius_km=EXCLUDED.search_radius_km,
			search_history=EXCLUDED.search_history, parking_queue_id=EXCLUDED.parking_queue_id,
			surge_tier=EXCLUDED.surge_tier, surge_multiplier=EXCLUDED.surge_multiplier,
			payment_hold_id=EXCLUDED.payment_hold_id, expires_at=EXCLUDED.expires_at, updated_at=EXCLUDED.updated_at`,
		r.ID, r.RiderID, r.Pickup.Lat, r.Pickup.Lng, r.Pickup.Address, r.Dropoff.Lat, r.Dropoff.Lng, r.Dropoff.Address,
		r.CarType, string(r.Status), r.AssignedDriverID, r.CancelReason, r.SearchRadiusKm, history, r.IsAirport,
		r.AirportZoneID, r.ParkingQueueID, r.SurgeTier, r.SurgeMultiplier, r.PaymentHoldID, r.ExpiresAt, created, now)
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.RideRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to models.RideStatus, driverID, reason string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET status=$1,
			assigned_driver_id=COALESCE(NULLIF($2, ''), assigned_driver_id),
			cancel_reason=COALESCE(NULLIF($3, ''), cancel_reason),
			updated_at=$4
		WHERE id=$5 AND status=$6`,
		string(to), driverID, reason, time.Now().UTC(), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// distinguish a lost race from a missing row
		if _, err := p.GetRide(ctx, id); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func (p *PostgresStore) UpdateSearch(ctx context.Context, id string, entry models.SearchEntry, expiresAt *time.Time) error {
	b, err := json.Marshal([]models.SearchEntry{entry})
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET search_radius_km=$1,
			search_history=COALESCE(search_history, '[]'::jsonb) || $2::jsonb,
			expires_at=COALESCE($3, expires_at), updated_at=$4
		WHERE id=$5`, entry.RadiusKm, string(b), expiresAt, time.Now().UTC(), id)
	return affectedOrNotFound(res, err)
}

func (p *PostgresStore) SetParkingQueue(ctx context.Context, id, queueID string, expiresAt time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET parking_queue_id=$1, expires_at=$2, updated_at=$3 WHERE id=$4`,
		queueID, expiresAt, time.Now().UTC(), id)
	return affectedOrNotFound(res, err)
}

func (p *PostgresStore) EscalateSurge(ctx context.Context, id string, tier int, multiplier float64) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET surge_tier=$1, surge_multiplier=$2, updated_at=$3
		WHERE id=$4 AND status=$5 AND surge_tier < $1`,
		tier, multiplier, time.Now().UTC(), id, string(models.StatusRequested))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ListPending narrows with a bounding box in SQL and applies the exact
// radius in Go.
func (p *PostgresStore) ListPending(ctx context.Context, f PendingFilter) ([]*models.RideRequest, error) {
	dLat := f.RadiusMeters / 111195.0
	dLng := dLat / math.Max(math.Cos(f.Center.Lat*math.Pi/180), 0.01)
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE status=$1 AND pickup_lat BETWEEN $2 AND $3 AND pickup_lng BETWEEN $4 AND $5
			AND ($6 = '' OR car_type=$6) AND created_at >= $7 AND id <> $8`,
		string(models.StatusRequested), f.Center.Lat-dLat, f.Center.Lat+dLat, f.Center.Lng-dLng, f.Center.Lng+dLng,
		f.CarType, f.Since, f.ExcludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.RideRequest, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		if matchesPending(r, f) {
			out = append(out, r)
		}
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListOverdue(ctx context.Context, now time.Time) ([]*models.RideRequest, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE status=$1 AND expires_at IS NOT NULL AND expires_at < $2 ORDER BY expires_at LIMIT 500`,
		string(models.StatusRequested), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.RideRequest, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (*models.RideRequest, error) {
	var r models.RideRequest
	var status string
	var history []byte
	var expires sql.NullTime
	err := s.Scan(&r.ID, &r.RiderID, &r.Pickup.Lat, &r.Pickup.Lng, &r.Pickup.Address,
		&r.Dropoff.Lat, &r.Dropoff.Lng, &r.Dropoff.Address, &r.CarType, &status, &r.AssignedDriverID,
		&r.CancelReason, &r.SearchRadiusKm, &history, &r.IsAirport, &r.AirportZoneID, &r.ParkingQueueID,
		&r.SurgeTier, &r.SurgeMultiplier, &r.PaymentHoldID, &expires, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = models.RideStatus(status)
	if len(history) > 0 {
		if err := json.Unmarshal(history, &r.SearchHistory); err != nil {
			return nil, fmt.Errorf("decode search history: %w", err)
		}
	}
	if expires.Valid {
		t := expires.Time
		r.ExpiresAt = &t
	}
	return &r, nil
}

func affectedOrNotFound(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
