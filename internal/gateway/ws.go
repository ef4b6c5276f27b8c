// Package gateway is the WebSocket transport: it upgrades connections,
// decodes {type, payload} envelopes, feeds them to the session manager and
// writes per-operation acknowledgments back to the sender.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"shuttle-tracker/internal/session"
	"shuttle-tracker/internal/track"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Envelope is the wire shape of every inbound message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type Server struct {
	ctx    context.Context
	mgr    *session.Manager
	nextID atomic.Uint64
}

func NewServer(ctx context.Context, mgr *session.Manager) *Server {
	return &Server{ctx: ctx, mgr: mgr}
}

// client serializes writes; the read pump, the router fanout and ack writes
// all share the connection.
type client struct {
	mu   sync.Mutex
	id   string
	conn *websocket.Conn
}

// Send implements router.Sink.
func (c *client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	c := &client{id: fmt.Sprintf("conn-%d", s.nextID.Add(1)), conn: conn}
	log.Printf("client connected: %s", c.id)
	s.mgr.Connect(c.id, c)
	go s.readPump(c)
}

func (s *Server) readPump(c *client) {
	defer func() {
		s.mgr.Disconnect(c.id)
		_ = c.conn.Close()
		log.Printf("client disconnected: %s", c.id)
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		s.dispatch(c, data)
	}
}

func (s *Server) dispatch(c *client, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.acknowledge(c, fmt.Errorf("malformed message: %w", err))
		return
	}

	switch env.Type {
	case "driver:register":
		var p struct {
			VehicleID string `json:"vehicleId"`
			RouteID   string `json:"routeId"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.acknowledge(c, err)
			return
		}
		s.acknowledge(c, s.mgr.RegisterDriver(c.id, p.VehicleID, p.RouteID))

	case "driver:location":
		var lr track.LocationReport
		if err := json.Unmarshal(env.Payload, &lr); err != nil {
			s.acknowledge(c, err)
			return
		}
		s.acknowledge(c, s.mgr.Report(s.ctx, c.id, lr))

	case "subscribe:route":
		routeID, err := routePayload(env.Payload)
		if err == nil {
			err = s.mgr.Subscribe(c.id, routeID)
		}
		s.acknowledge(c, err)

	case "unsubscribe:route":
		routeID, err := routePayload(env.Payload)
		if err == nil {
			err = s.mgr.Unsubscribe(c.id, routeID)
		}
		s.acknowledge(c, err)

	case "stop:arrived":
		var p struct {
			VehicleID string `json:"vehicleId"`
			StopID    string `json:"stopId"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.acknowledge(c, err)
			return
		}
		// An unknown vehicle is a no-op, not a failure.
		_, err := s.mgr.StopArrived(s.ctx, c.id, p.VehicleID, p.StopID)
		s.acknowledge(c, err)

	default:
		s.acknowledge(c, fmt.Errorf("unknown message type %q", env.Type))
	}
}

func routePayload(raw json.RawMessage) (string, error) {
	var p struct {
		RouteID string `json:"routeId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", err
	}
	if p.RouteID == "" {
		return "", fmt.Errorf("routeId is required")
	}
	return p.RouteID, nil
}

// acknowledge reports the operation's outcome to the originating connection
// only; other connections never see another client's errors.
func (s *Server) acknowledge(c *client, err error) {
	a := ack{Success: err == nil}
	if err != nil {
		a.Error = err.Error()
	}
	data, _ := json.Marshal(a)
	if werr := c.Send(data); werr != nil {
		log.Printf("ack write to %s failed: %v", c.id, werr)
	}
}

// RegisterRoutes mounts the tracking endpoints on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/vehicles/active", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.mgr.ActiveVehicles())
	})

	mux.HandleFunc("/tracking", s.HandleWS)
}
