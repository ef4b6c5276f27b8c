// Package alerts bridges admin service announcements from NATS into the
// topic router. Subjects are alerts.<routeId>, or alerts.all for a
// fleet-wide broadcast. Who may publish on these subjects is the admin
// surface's concern; the bridge only validates shape.
package alerts

import (
	"encoding/json"
	"log"
	"strings"

	"github.com/nats-io/nats.go"

	"shuttle-tracker/internal/event"
)

const subjectPrefix = "alerts."

// Broadcaster is the slice of the session manager the bridge needs.
type Broadcaster interface {
	BroadcastAlert(routeID string, level event.AlertLevel, title, message string)
}

// BridgeMetrics decouples the bridge from the concrete metrics collector.
type BridgeMetrics interface {
	NATSSetConnected(connected bool)
	AlertReceivedInc()
	AlertDroppedInc()
}

type Bridge struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	metrics BridgeMetrics
}

type alertMessage struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

func NewBridge(url string, b Broadcaster, m BridgeMetrics) (*Bridge, error) {
	nc, err := nats.Connect(url,
		nats.Name("shuttle-tracker"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}

	br := &Bridge{nc: nc, metrics: m}
	sub, err := nc.Subscribe(subjectPrefix+">", func(msg *nats.Msg) {
		br.handle(b, msg)
	})
	if err != nil {
		nc.Close()
		return nil, err
	}
	br.sub = sub
	if m != nil {
		m.NATSSetConnected(true)
	}
	log.Printf("alert bridge subscribed to %s>", subjectPrefix)
	return br, nil
}

func (br *Bridge) handle(b Broadcaster, msg *nats.Msg) {
	route := strings.TrimPrefix(msg.Subject, subjectPrefix)
	if route == "all" {
		route = "*"
	}

	var am alertMessage
	if err := json.Unmarshal(msg.Data, &am); err != nil || am.Title == "" || !event.ValidAlertLevel(am.Type) {
		if br.metrics != nil {
			br.metrics.AlertDroppedInc()
		}
		log.Printf("dropping malformed alert on %s", msg.Subject)
		return
	}

	if br.metrics != nil {
		br.metrics.AlertReceivedInc()
	}
	b.BroadcastAlert(route, event.AlertLevel(am.Type), am.Title, am.Message)
}

func (br *Bridge) Close() {
	if br.sub != nil {
		_ = br.sub.Unsubscribe()
	}
	if br.nc != nil {
		br.nc.Drain()
		br.nc.Close()
	}
}
