package track

import (
	"sync"
	"time"
)

// Status is a vehicle's operational state. The core transitions between
// available and in_service; offline is reserved for staleness detection.
type Status string

const (
	StatusAvailable Status = "available"
	StatusInService Status = "in_service"
	StatusOffline   Status = "offline"
)

// VehicleState is the authoritative latest-known state for one vehicle.
// Not a history log: each accepted report overwrites the previous one.
type VehicleState struct {
	VehicleID string
	RouteID   string // empty when not in service
	Latitude  float64
	Longitude float64
	Speed     float64 // km/h
	Heading   float64 // compass degrees
	Status    Status
	UpdatedAt time.Time
}

// Store holds one VehicleState per vehicle. Entries are created lazily on
// first use and never deleted. Each entry has its own mutex so updates to
// distinct vehicles do not contend; the outer RWMutex only guards the map.
type Store struct {
	mu       sync.RWMutex
	vehicles map[string]*vehicleEntry
	now      func() time.Time
}

type vehicleEntry struct {
	mu    sync.Mutex
	state VehicleState
}

func NewStore() *Store {
	return &Store{vehicles: make(map[string]*vehicleEntry), now: time.Now}
}

func (s *Store) entry(vehicleID string) *vehicleEntry {
	s.mu.RLock()
	e, ok := s.vehicles[vehicleID]
	s.mu.RUnlock()
	if ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.vehicles[vehicleID]; ok {
		return e
	}
	e = &vehicleEntry{state: VehicleState{VehicleID: vehicleID, Status: StatusAvailable}}
	s.vehicles[vehicleID] = e
	return e
}

// ApplyReport overwrites position, speed, heading and the update timestamp.
// Route and status are left untouched; they belong to the registration
// transitions. Returns the resulting state.
func (s *Store) ApplyReport(r Report) VehicleState {
	e := s.entry(r.VehicleID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Latitude = r.Latitude
	e.state.Longitude = r.Longitude
	if r.Speed != nil {
		e.state.Speed = *r.Speed
	}
	if r.Heading != nil {
		e.state.Heading = *r.Heading
	}
	e.state.UpdatedAt = s.now()
	return e.state
}

// SetStatus transitions the vehicle's operational status. routeID is
// recorded for in_service and cleared otherwise (route is unset when the
// vehicle is not in service).
func (s *Store) SetStatus(vehicleID string, status Status, routeID string) VehicleState {
	e := s.entry(vehicleID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Status = status
	if status == StatusInService {
		e.state.RouteID = routeID
	} else {
		e.state.RouteID = ""
	}
	return e.state
}

func (s *Store) Get(vehicleID string) (VehicleState, bool) {
	s.mu.RLock()
	e, ok := s.vehicles[vehicleID]
	s.mu.RUnlock()
	if !ok {
		return VehicleState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

func (s *Store) ListByStatus(status Status) []VehicleState {
	s.mu.RLock()
	entries := make([]*vehicleEntry, 0, len(s.vehicles))
	for _, e := range s.vehicles {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []VehicleState
	for _, e := range entries {
		e.mu.Lock()
		st := e.state
		e.mu.Unlock()
		if st.Status == status {
			out = append(out, st)
		}
	}
	return out
}
