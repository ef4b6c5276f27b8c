package db

import (
	"context"
	"database/sql"
	"log"
	"time"

	"shuttle-tracker/internal/metrics"
	"shuttle-tracker/internal/track"
)

// Writer applies vehicle write-throughs asynchronously. Enqueueing never
// blocks: when the buffer is full the write is dropped and counted, since
// the in-memory store remains the source of truth.
type Writer struct {
	db      *sql.DB
	ops     chan writeOp
	metrics *metrics.Collector
}

type writeOp struct {
	location *track.VehicleState

	vehicleID string
	status    track.Status
	routeID   string
}

func NewWriter(sqlDB *sql.DB, buffer int, mcol *metrics.Collector) *Writer {
	if buffer <= 0 {
		buffer = 256
	}
	return &Writer{db: sqlDB, ops: make(chan writeOp, buffer), metrics: mcol}
}

// Run drains the queue until ctx is cancelled. Call in its own goroutine.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-w.ops:
			w.apply(ctx, op)
		}
	}
}

func (w *Writer) apply(ctx context.Context, op writeOp) {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var err error
	if op.location != nil {
		err = UpdateVehicleLocation(opCtx, w.db, *op.location)
	} else {
		err = UpdateVehicleStatus(opCtx, w.db, op.vehicleID, op.status, op.routeID)
	}
	if w.metrics != nil {
		if err != nil {
			w.metrics.DBWriteErrs.Inc()
		} else {
			w.metrics.DBWrites.Inc()
		}
	}
	if err != nil {
		log.Printf("vehicle write-through failed: %v", err)
	}
}

// WriteLocation implements session.VehicleWriter.
func (w *Writer) WriteLocation(st track.VehicleState) {
	w.enqueue(writeOp{location: &st})
}

// WriteStatus implements session.VehicleWriter.
func (w *Writer) WriteStatus(vehicleID string, status track.Status, routeID string) {
	w.enqueue(writeOp{vehicleID: vehicleID, status: status, routeID: routeID})
}

func (w *Writer) enqueue(op writeOp) {
	select {
	case w.ops <- op:
	default:
		if w.metrics != nil {
			w.metrics.DBWritesDropped.Inc()
		}
	}
}
