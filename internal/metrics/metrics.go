package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	ActiveConnections prometheus.Gauge
	ActiveDrivers     prometheus.Gauge

	ReportsAccepted prometheus.Counter
	ReportsRejected *prometheus.CounterVec // reason label: missing_field|out_of_range|unregistered|role_conflict

	EventsPublished *prometheus.CounterVec // type label: vehicle:update|stop:arrival|alert:broadcast
	PublishDuration prometheus.Histogram

	DBWrites        prometheus.Counter
	DBWriteErrs     prometheus.Counter
	DBWritesDropped prometheus.Counter

	NATSConnected  prometheus.Gauge
	AlertsReceived prometheus.Counter
	AlertsDropped  prometheus.Counter
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_active_connections",
			Help: "Number of open WebSocket connections.",
		}),
		ActiveDrivers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_active_drivers",
			Help: "Number of connections currently bound as drivers.",
		}),
		ReportsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_reports_accepted_total",
			Help: "Total location reports applied to the vehicle store.",
		}),
		ReportsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_reports_rejected_total",
			Help: "Total location reports rejected before any state change.",
		}, []string{"reason"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_events_published_total",
			Help: "Total events published to topic subscribers.",
		}, []string{"type"}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and fan out one event.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		DBWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_db_writes_total",
			Help: "Total durable vehicle record writes.",
		}),
		DBWriteErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_db_write_errors_total",
			Help: "Total failed durable vehicle record writes.",
		}),
		DBWritesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_db_writes_dropped_total",
			Help: "Total writes dropped because the write-through buffer was full.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if the admin alert bridge is connected, 0 otherwise.",
		}),
		AlertsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_alerts_received_total",
			Help: "Total admin alerts received over the bridge.",
		}),
		AlertsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_alerts_dropped_total",
			Help: "Total admin alerts dropped as malformed.",
		}),
	}

	reg.MustRegister(
		c.ActiveConnections, c.ActiveDrivers,
		c.ReportsAccepted, c.ReportsRejected,
		c.EventsPublished, c.PublishDuration,
		c.DBWrites, c.DBWriteErrs, c.DBWritesDropped,
		c.NATSConnected, c.AlertsReceived, c.AlertsDropped,
	)
	return c
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
