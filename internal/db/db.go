// Package db is the durable side of the tracker: a write-through target for
// vehicle status/position and a read-only directory of route stops. The
// in-memory store is authoritative; nothing here sits on the publish path.
package db

import (
	"context"
	"database/sql"
	"math"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"shuttle-tracker/internal/track"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// UpdateVehicleLocation persists the latest accepted report for a vehicle.
func UpdateVehicleLocation(ctx context.Context, db *sql.DB, st track.VehicleState) error {
	const q = `
UPDATE vehicles
SET latitude = $1, longitude = $2, speed = $3, heading = $4, last_location_update = $5
WHERE id = $6`
	_, err := db.ExecContext(ctx, q, st.Latitude, st.Longitude, st.Speed, st.Heading, st.UpdatedAt, st.VehicleID)
	return err
}

// UpdateVehicleStatus persists a status transition. The route is cleared
// when the vehicle leaves service.
func UpdateVehicleStatus(ctx context.Context, db *sql.DB, vehicleID string, status track.Status, routeID string) error {
	const q = `
UPDATE vehicles
SET status = $1, current_route_id = NULLIF($2, '')
WHERE id = $3`
	_, err := db.ExecContext(ctx, q, string(status), routeID, vehicleID)
	return err
}

// Haversine distance in meters
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
