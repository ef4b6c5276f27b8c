// Package router fans published events out to topic subscribers. Delivery
// is fire-and-forget, at most once per currently joined member: a sink that
// errors is detached and misses everything after that publish.
package router

import (
	"encoding/json"
	"log"
	"sync"

	"shuttle-tracker/internal/event"
)

// TopicAll is the implicit group receiving every route-scoped publish.
const TopicAll = "all"

// RouteTopic names the broadcast group for one route.
func RouteTopic(routeID string) string { return "route:" + routeID }

// Sink is a connection's outbound half. Send must be safe for concurrent
// use and should fail fast once the connection is gone.
type Sink interface {
	Send(data []byte) error
}

// Router owns topic membership. Connections are known only by identity;
// membership sets never hold transport references, so a disconnect cannot
// leave a dangling member once Detach runs.
type Router struct {
	mu      sync.Mutex
	sinks   map[string]Sink
	members map[string]map[string]struct{} // topic -> connection ids
}

func New() *Router {
	return &Router{
		sinks:   make(map[string]Sink),
		members: make(map[string]map[string]struct{}),
	}
}

// Attach registers the connection's outbound sink. Until a connection
// attaches, joins are recorded but nothing is delivered to it.
func (r *Router) Attach(connID string, s Sink) {
	r.mu.Lock()
	r.sinks[connID] = s
	r.mu.Unlock()
}

// Detach drops the sink and every topic membership for the connection.
func (r *Router) Detach(connID string) {
	r.mu.Lock()
	delete(r.sinks, connID)
	r.leaveAllLocked(connID)
	r.mu.Unlock()
}

func (r *Router) Join(connID, topic string) {
	r.mu.Lock()
	m := r.members[topic]
	if m == nil {
		m = make(map[string]struct{})
		r.members[topic] = m
	}
	m[connID] = struct{}{}
	r.mu.Unlock()
}

func (r *Router) Leave(connID, topic string) {
	r.mu.Lock()
	if m := r.members[topic]; m != nil {
		delete(m, connID)
		if len(m) == 0 {
			delete(r.members, topic)
		}
	}
	r.mu.Unlock()
}

func (r *Router) LeaveAll(connID string) {
	r.mu.Lock()
	r.leaveAllLocked(connID)
	r.mu.Unlock()
}

func (r *Router) leaveAllLocked(connID string) {
	for topic, m := range r.members {
		delete(m, connID)
		if len(m) == 0 {
			delete(r.members, topic)
		}
	}
}

func (r *Router) MemberCount(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members[topic])
}

// Publish delivers ev to every member of topic plus every member of the
// implicit all group, once per connection. Returns the delivery count.
func (r *Router) Publish(topic string, ev event.Event) int {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("router: marshal %s event: %v", ev.Type, err)
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	targets := make(map[string]struct{}, len(r.members[topic])+len(r.members[TopicAll]))
	for id := range r.members[topic] {
		targets[id] = struct{}{}
	}
	for id := range r.members[TopicAll] {
		targets[id] = struct{}{}
	}
	return r.deliverLocked(targets, data)
}

// Broadcast delivers ev to every attached connection regardless of topic.
func (r *Router) Broadcast(ev event.Event) int {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("router: marshal %s event: %v", ev.Type, err)
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	targets := make(map[string]struct{}, len(r.sinks))
	for id := range r.sinks {
		targets[id] = struct{}{}
	}
	return r.deliverLocked(targets, data)
}

func (r *Router) deliverLocked(targets map[string]struct{}, data []byte) int {
	delivered := 0
	for id := range targets {
		s, ok := r.sinks[id]
		if !ok {
			continue
		}
		if err := s.Send(data); err != nil {
			// Dead connection: drop it now rather than on the next publish.
			delete(r.sinks, id)
			r.leaveAllLocked(id)
			continue
		}
		delivered++
	}
	return delivered
}
