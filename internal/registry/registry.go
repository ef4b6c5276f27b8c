// Package registry maps active connection identities to the logical role
// they play: a driver bound to one vehicle and route, or an observer
// subscribed to route topics. A connection is one or the other, never both.
package registry

import (
	"errors"
	"sync"
)

// ErrRoleConflict rejects an operation invalid for the connection's current
// role, leaving the binding unchanged.
var ErrRoleConflict = errors.New("role_conflict")

// TopicAllRoutes subscribes a privileged observer to every route.
const TopicAllRoutes = "all"

type Role string

const (
	RoleDriver   Role = "driver"
	RoleObserver Role = "observer"
)

// Binding is the tagged variant attached to one connection: Driver or
// Observer. Values returned by Lookup and Remove are snapshots; mutating
// them does not affect the registry.
type Binding interface {
	Role() Role
}

type Driver struct {
	VehicleID string
	RouteID   string
}

func (Driver) Role() Role { return RoleDriver }

type Observer struct {
	Routes map[string]struct{}
	All    bool
}

func (Observer) Role() Role { return RoleObserver }

type observerState struct {
	routes map[string]struct{}
	all    bool
}

// Registry is the process-wide connection table. Created at startup and
// injected into the session manager; safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	drivers  map[string]Driver         // connection id -> binding
	watchers map[string]*observerState // connection id -> subscriptions
	owners   map[string]string         // vehicle id -> connection that registered it last
}

func New() *Registry {
	return &Registry{
		drivers:  make(map[string]Driver),
		watchers: make(map[string]*observerState),
		owners:   make(map[string]string),
	}
}

// RegisterDriver binds the connection to a vehicle and route. Re-registering
// the same connection replaces its binding; registering a vehicle already
// held by another connection transfers ownership to the newer registration.
// A connection currently observing cannot become a driver.
func (r *Registry) RegisterDriver(connID, vehicleID, routeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, observing := r.watchers[connID]; observing {
		return ErrRoleConflict
	}
	r.drivers[connID] = Driver{VehicleID: vehicleID, RouteID: routeID}
	r.owners[vehicleID] = connID
	return nil
}

// Subscribe adds a route subscription (or the all-routes flag) to the
// connection's observer binding, creating the binding on first use.
func (r *Registry) Subscribe(connID, routeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, driving := r.drivers[connID]; driving {
		return ErrRoleConflict
	}
	o := r.watchers[connID]
	if o == nil {
		o = &observerState{routes: make(map[string]struct{})}
		r.watchers[connID] = o
	}
	if routeID == TopicAllRoutes {
		o.all = true
		return nil
	}
	o.routes[routeID] = struct{}{}
	return nil
}

// Unsubscribe drops one route subscription. Unsubscribing a route the
// connection never joined still leaves it in the observing state.
func (r *Registry) Unsubscribe(connID, routeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, driving := r.drivers[connID]; driving {
		return ErrRoleConflict
	}
	o := r.watchers[connID]
	if o == nil {
		o = &observerState{routes: make(map[string]struct{})}
		r.watchers[connID] = o
	}
	if routeID == TopicAllRoutes {
		o.all = false
		return nil
	}
	delete(o.routes, routeID)
	return nil
}

// Lookup returns a snapshot of the connection's binding.
func (r *Registry) Lookup(connID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.drivers[connID]; ok {
		return d, true
	}
	if o, ok := r.watchers[connID]; ok {
		return o.snapshot(), true
	}
	return nil, false
}

// Remove deletes the binding and returns its last state so the caller can
// run cleanup. The vehicle ownership table is untouched; release it
// separately with ReleaseVehicle.
func (r *Registry) Remove(connID string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.drivers[connID]; ok {
		delete(r.drivers, connID)
		return d, true
	}
	if o, ok := r.watchers[connID]; ok {
		delete(r.watchers, connID)
		return o.snapshot(), true
	}
	return nil, false
}

// ReleaseVehicle clears the ownership entry if connID still owns the
// vehicle, reporting whether it did. A connection displaced by a newer
// registration gets false and must not revert the vehicle's status.
func (r *Registry) ReleaseVehicle(vehicleID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.owners[vehicleID] != connID {
		return false
	}
	delete(r.owners, vehicleID)
	return true
}

func (o *observerState) snapshot() Observer {
	routes := make(map[string]struct{}, len(o.routes))
	for id := range o.routes {
		routes[id] = struct{}{}
	}
	return Observer{Routes: routes, All: o.all}
}
