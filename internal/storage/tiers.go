package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/zones"
)

// PostgresTierSource reads surge tables from the surge_tiers table. Rows with
// a NULL zone_id form the default table; weekday -1 matches every day.
type PostgresTierSource struct {
	db       *sql.DB
	resolver *zones.Resolver
}

func NewPostgresTierSource(db *sql.DB, resolver *zones.Resolver) *PostgresTierSource {
	return &PostgresTierSource{db: db, resolver: resolver}
}

// Tiers tries the matched zone first and then the default table. A day
// specific table wins over the every-day rows.
func (s *PostgresTierSource) Tiers(ctx context.Context, p models.Point, carType string, day time.Weekday) ([]models.SurgeTier, string, error) {
	if s.resolver != nil {
		if z, ok := s.resolver.Match(p); ok {
			t, err := s.query(ctx, sql.NullString{String: z.ID, Valid: true}, carType, day)
			if err != nil {
				return nil, "", err
			}
			if len(t) > 0 {
				return t, z.ID, nil
			}
		}
	}
	t, err := s.query(ctx, sql.NullString{}, carType, day)
	return t, "", err
}

func (s *PostgresTierSource) query(ctx context.Context, zone sql.NullString, carType string, day time.Weekday) ([]models.SurgeTier, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT weekday, tier, min_ratio, multiplier FROM surge_tiers
		WHERE zone_id IS NOT DISTINCT FROM $1 AND car_type=$2 AND weekday IN ($3, -1)
		ORDER BY tier`, zone, carType, int(day))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var daily, everyDay []models.SurgeTier
	for rows.Next() {
		var wd int
		var t models.SurgeTier
		if err := rows.Scan(&wd, &t.Tier, &t.MinRatio, &t.Multiplier); err != nil {
			return nil, err
		}
		if wd == int(day) {
			daily = append(daily, t)
		} else {
			everyDay = append(everyDay, t)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(daily) > 0 {
		return daily, nil
	}
	return everyDay, nil
}
