package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"shuttle-tracker/internal/alerts"
	"shuttle-tracker/internal/config"
	"shuttle-tracker/internal/db"
	"shuttle-tracker/internal/gateway"
	"shuttle-tracker/internal/metrics"
	"shuttle-tracker/internal/registry"
	"shuttle-tracker/internal/router"
	"shuttle-tracker/internal/session"
	"shuttle-tracker/internal/track"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Metrics setup
	var mcol *metrics.Collector
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector()
		metricsSrv = mcol.Serve(cfg.MetricsAddr)
	}

	// Durable vehicle record + stop directory (optional)
	var writer session.VehicleWriter
	var stops session.StopDirectory
	if cfg.DatabaseURL != "" {
		sqlDB, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open error: %v", err)
		}
		defer sqlDB.Close()
		if err := db.Ping(ctx, sqlDB); err != nil {
			log.Fatalf("db ping error: %v", err)
		}
		w := db.NewWriter(sqlDB, cfg.WriteBuffer, mcol)
		go w.Run(ctx)
		writer = w
		stops = db.NewStopDirectory(sqlDB)
	} else {
		log.Printf("no database configured; running in-memory only")
	}

	// Core wiring: registry, store and router are the only shared state;
	// the session manager is the sole writer through their operations.
	reg := registry.New()
	store := track.NewStore()
	rtr := router.New()
	mgr := session.NewManager(reg, store, rtr, stops, writer, mcol)

	// Admin alert bridge (optional)
	if cfg.NATSURL != "" {
		bridge, err := alerts.NewBridge(cfg.NATSURL, mgr, wrapBridgeMetrics(mcol))
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		defer bridge.Close()
	}

	// WebSocket gateway
	gw := gateway.NewServer(ctx, mgr)
	mux := http.NewServeMux()
	gw.RegisterRoutes(mux)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		log.Printf("tracker listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	// Block until context cancelled, then allow graceful shutdown
	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	log.Println("shutdown complete")
}

// wrapBridgeMetrics adapts our Collector to the alerts.BridgeMetrics interface.
func wrapBridgeMetrics(c *metrics.Collector) alerts.BridgeMetrics {
	if c == nil {
		return nil
	}
	return &bridgeMetrics{c: c}
}

type bridgeMetrics struct{ c *metrics.Collector }

func (b *bridgeMetrics) AlertReceivedInc() { b.c.AlertsReceived.Inc() }
func (b *bridgeMetrics) AlertDroppedInc()  { b.c.AlertsDropped.Inc() }
func (b *bridgeMetrics) NATSSetConnected(connected bool) {
	if connected {
		b.c.NATSConnected.Set(1)
	} else {
		b.c.NATSConnected.Set(0)
	}
}
