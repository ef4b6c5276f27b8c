package db

import (
	"context"
	"database/sql"

	"shuttle-tracker/internal/session"
)

// StopDirectory answers next-stop and stop-name lookups from the stops
// table. Read-only; implements session.StopDirectory.
type StopDirectory struct {
	db *sql.DB
}

func NewStopDirectory(sqlDB *sql.DB) *StopDirectory {
	return &StopDirectory{db: sqlDB}
}

// NextStop returns the stop on the route nearest to the vehicle's position,
// with its haversine distance in meters. Nearest-stop is a deliberate
// approximation; road-network routing is out of scope.
func (d *StopDirectory) NextStop(ctx context.Context, routeID string, lat, lon float64) (session.StopInfo, bool, error) {
	const q = `
SELECT id, name, latitude, longitude
FROM stops
WHERE route_id = $1
ORDER BY sequence`
	rows, err := d.db.QueryContext(ctx, q, routeID)
	if err != nil {
		return session.StopInfo{}, false, err
	}
	defer rows.Close()

	var best session.StopInfo
	found := false
	for rows.Next() {
		var id, name string
		var stopLat, stopLon float64
		if err := rows.Scan(&id, &name, &stopLat, &stopLon); err != nil {
			return session.StopInfo{}, false, err
		}
		dist := haversine(lat, lon, stopLat, stopLon)
		if !found || dist < best.DistanceMeters {
			best = session.StopInfo{StopID: id, Name: name, DistanceMeters: dist}
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		return session.StopInfo{}, false, err
	}
	return best, found, nil
}

// StopName returns the human-readable name for a stop id.
func (d *StopDirectory) StopName(ctx context.Context, stopID string) (string, bool, error) {
	const q = `SELECT name FROM stops WHERE id = $1`
	var name string
	err := d.db.QueryRowContext(ctx, q, stopID).Scan(&name)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return name, true, nil
}
