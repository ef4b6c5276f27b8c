// Package session orchestrates connection lifecycles: it owns the
// register/report/subscribe/disconnect transitions and wires the validator,
// vehicle store, registry and topic router together into one pipeline.
package session

import (
	"context"
	"errors"
	"log"
	"time"

	"shuttle-tracker/internal/event"
	"shuttle-tracker/internal/metrics"
	"shuttle-tracker/internal/registry"
	"shuttle-tracker/internal/router"
	"shuttle-tracker/internal/track"
)

// ErrUnregisteredDriver rejects a location report or stop arrival arriving
// before driver:register. Nothing is mutated.
var ErrUnregisteredDriver = errors.New("driver not registered")

// Fallback next-stop distance when the stop directory has no answer. Keeps
// the published ETA a bounded guess instead of omitting it entirely.
const defaultNextStopDistanceMeters = 500.0

// StopInfo describes the next stop ahead of a vehicle, supplied by the
// read-only route/stop directory.
type StopInfo struct {
	StopID         string
	Name           string
	DistanceMeters float64
}

// StopDirectory is the route/stop collaborator. Implementations must be
// safe for concurrent use; the core never mutates stop data.
type StopDirectory interface {
	NextStop(ctx context.Context, routeID string, lat, lon float64) (StopInfo, bool, error)
	StopName(ctx context.Context, stopID string) (string, bool, error)
}

// VehicleWriter receives durable write-through updates after each accepted
// report or status transition. Implementations must not block; the
// in-memory store stays authoritative regardless of persistence outcome.
type VehicleWriter interface {
	WriteLocation(st track.VehicleState)
	WriteStatus(vehicleID string, status track.Status, routeID string)
}

// Manager drives the per-connection state machine:
// unbound -> driver_active or unbound -> observing, closed from anywhere.
type Manager struct {
	registry *registry.Registry
	store    *track.Store
	router   *router.Router
	stops    StopDirectory // may be nil
	writer   VehicleWriter // may be nil
	metrics  *metrics.Collector

	now func() time.Time
}

func NewManager(reg *registry.Registry, store *track.Store, rtr *router.Router, stops StopDirectory, writer VehicleWriter, mcol *metrics.Collector) *Manager {
	return &Manager{
		registry: reg,
		store:    store,
		router:   rtr,
		stops:    stops,
		writer:   writer,
		metrics:  mcol,
		now:      time.Now,
	}
}

// Connect attaches a new connection's outbound sink. The connection starts
// unbound; it becomes a driver or an observer on its first message.
func (m *Manager) Connect(connID string, sink router.Sink) {
	m.router.Attach(connID, sink)
	if m.metrics != nil {
		m.metrics.ActiveConnections.Inc()
	}
}

// RegisterDriver binds the connection to a vehicle and marks the vehicle in
// service. Re-registration with identical arguments is an idempotent no-op
// beyond refreshing the binding.
func (m *Manager) RegisterDriver(connID, vehicleID, routeID string) error {
	prior, hadPrior := m.registry.Lookup(connID)
	if err := m.registry.RegisterDriver(connID, vehicleID, routeID); err != nil {
		return err
	}
	m.store.SetStatus(vehicleID, track.StatusInService, routeID)
	if m.writer != nil {
		m.writer.WriteStatus(vehicleID, track.StatusInService, routeID)
	}
	if m.metrics != nil && (!hadPrior || prior.Role() != registry.RoleDriver) {
		m.metrics.ActiveDrivers.Inc()
	}
	log.Printf("driver registered: conn=%s vehicle=%s route=%s", connID, vehicleID, routeID)
	return nil
}

// Report runs the location pipeline: validate, apply to the store, estimate
// the next-stop ETA, publish vehicle:update to the route topic. Invalid
// reports are rejected before any state mutation.
func (m *Manager) Report(ctx context.Context, connID string, lr track.LocationReport) error {
	b, ok := m.registry.Lookup(connID)
	if !ok {
		m.countRejected("unregistered")
		return ErrUnregisteredDriver
	}
	d, ok := b.(registry.Driver)
	if !ok {
		m.countRejected("role_conflict")
		return registry.ErrRoleConflict
	}

	rep, err := track.ValidateReport(lr)
	if err != nil {
		var ve *track.ValidationError
		if errors.As(err, &ve) {
			m.countRejected(ve.Reason)
		}
		return err
	}

	st := m.store.ApplyReport(rep)
	if m.writer != nil {
		m.writer.WriteLocation(st)
	}

	nextStopID := ""
	distance := defaultNextStopDistanceMeters
	if m.stops != nil {
		info, found, err := m.stops.NextStop(ctx, d.RouteID, rep.Latitude, rep.Longitude)
		if err != nil {
			log.Printf("stop lookup failed for route %s: %v", d.RouteID, err)
		} else if found {
			nextStopID = info.StopID
			distance = info.DistanceMeters
		}
	}

	m.publish(router.RouteTopic(d.RouteID), event.Event{
		Type: event.TypeVehicleUpdate,
		Payload: event.VehicleUpdate{
			VehicleID:   rep.VehicleID,
			RouteID:     d.RouteID,
			Latitude:    st.Latitude,
			Longitude:   st.Longitude,
			Speed:       st.Speed,
			Heading:     st.Heading,
			Status:      string(st.Status),
			NextStopID:  nextStopID,
			NextStopETA: track.EstimateETA(rep.Speed, distance),
			Timestamp:   m.now(),
		},
	})
	if m.metrics != nil {
		m.metrics.ReportsAccepted.Inc()
	}
	return nil
}

// Subscribe joins the connection to a route topic, or to the all group when
// routeID is "all". Rejected with role_conflict for driver connections.
func (m *Manager) Subscribe(connID, routeID string) error {
	if err := m.registry.Subscribe(connID, routeID); err != nil {
		return err
	}
	m.router.Join(connID, topicFor(routeID))
	return nil
}

func (m *Manager) Unsubscribe(connID, routeID string) error {
	if err := m.registry.Unsubscribe(connID, routeID); err != nil {
		return err
	}
	m.router.Leave(connID, topicFor(routeID))
	return nil
}

// StopArrived publishes a stop:arrival event to the vehicle's current route
// topic. A vehicle with no known route has no addressable destination, so
// the event is dropped as a no-op; ok reports whether it was published.
func (m *Manager) StopArrived(ctx context.Context, connID, vehicleID, stopID string) (ok bool, err error) {
	b, found := m.registry.Lookup(connID)
	if !found {
		return false, ErrUnregisteredDriver
	}
	if b.Role() != registry.RoleDriver {
		return false, registry.ErrRoleConflict
	}

	st, found := m.store.Get(vehicleID)
	if !found || st.RouteID == "" {
		log.Printf("stop arrival for unknown vehicle %s dropped", vehicleID)
		return false, nil
	}

	name := stopID
	if m.stops != nil {
		if n, found, err := m.stops.StopName(ctx, stopID); err != nil {
			log.Printf("stop name lookup failed for %s: %v", stopID, err)
		} else if found {
			name = n
		}
	}

	m.publish(router.RouteTopic(st.RouteID), event.Event{
		Type: event.TypeStopArrival,
		Payload: event.StopArrival{
			VehicleID: vehicleID,
			StopID:    stopID,
			StopName:  name,
			Timestamp: m.now(),
		},
	})
	return true, nil
}

// BroadcastAlert delivers an admin announcement to one route topic, or to
// every connection when routeID is "*". Authorization of the caller is the
// admin surface's concern, not ours.
func (m *Manager) BroadcastAlert(routeID string, level event.AlertLevel, title, message string) {
	ev := event.Event{
		Type: event.TypeAlertBroadcast,
		Payload: event.Alert{
			Level:     level,
			Title:     title,
			Message:   message,
			Timestamp: m.now(),
		},
	}
	start := time.Now()
	if routeID == "*" {
		m.router.Broadcast(ev)
	} else {
		m.router.Publish(router.RouteTopic(routeID), ev)
	}
	m.observePublish(ev.Type, start)
}

// Disconnect runs the cleanup cascade: leave all topics, revert the bound
// vehicle (only if this connection still owns it), remove the binding.
// Best-effort on purpose; partial cleanup beats a fully registered ghost.
func (m *Manager) Disconnect(connID string) {
	m.router.Detach(connID)

	if m.metrics != nil {
		m.metrics.ActiveConnections.Dec()
	}

	b, found := m.registry.Remove(connID)
	if found && b.Role() == registry.RoleDriver && m.metrics != nil {
		m.metrics.ActiveDrivers.Dec()
	}
	if !found {
		return
	}

	if d, isDriver := b.(registry.Driver); isDriver {
		// A newer registration may have taken the vehicle; reverting it
		// then would clobber the new driver's state.
		if m.registry.ReleaseVehicle(d.VehicleID, connID) {
			m.store.SetStatus(d.VehicleID, track.StatusAvailable, "")
			if m.writer != nil {
				m.writer.WriteStatus(d.VehicleID, track.StatusAvailable, "")
			}
			log.Printf("driver disconnected: conn=%s vehicle=%s", connID, d.VehicleID)
		}
	}
}

// ActiveVehicles lists every vehicle currently in service.
func (m *Manager) ActiveVehicles() []track.VehicleState {
	return m.store.ListByStatus(track.StatusInService)
}

func (m *Manager) publish(topic string, ev event.Event) {
	start := time.Now()
	m.router.Publish(topic, ev)
	m.observePublish(ev.Type, start)
}

func (m *Manager) observePublish(t event.Type, start time.Time) {
	if m.metrics == nil {
		return
	}
	m.metrics.EventsPublished.WithLabelValues(string(t)).Inc()
	m.metrics.PublishDuration.Observe(time.Since(start).Seconds())
}

func (m *Manager) countRejected(reason string) {
	if m.metrics != nil {
		m.metrics.ReportsRejected.WithLabelValues(reason).Inc()
	}
}

func topicFor(routeID string) string {
	if routeID == registry.TopicAllRoutes {
		return router.TopicAll
	}
	return router.RouteTopic(routeID)
}
