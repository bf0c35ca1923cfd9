// Package persist is the location-db-writer worker: it drains the
// vehicle-locations topic and lands positional history in bulk, rolling
// the distinct vehicle set of each batch into the descriptors.
package persist

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fleetpulse/telemetryd/internal/metrics"
	"github.com/fleetpulse/telemetryd/internal/telemetry"
)

// Store is the slice of the relational store the worker writes through.
type Store interface {
	InsertPositions(ctx context.Context, positions []telemetry.Position) (int64, error)
	MarkVehiclesActive(ctx context.Context, vehicleIDs []string) (int64, error)
}

type Writer struct {
	store  Store
	logger *zap.Logger
}

func NewWriter(store Store, logger *zap.Logger) *Writer {
	return &Writer{store: store, logger: logger}
}

// FlushBatch bulk-inserts a batch of positions and marks the batch's
// distinct vehicles active. Duplicate rows are skipped by the store and
// only counted here.
func (w *Writer) FlushBatch(ctx context.Context, positions []telemetry.Position) error {
	if len(positions) == 0 {
		return nil
	}

	start := time.Now()

	inserted, err := w.store.InsertPositions(ctx, positions)
	if err != nil {
		return fmt.Errorf("insert positions: %w", err)
	}
	if dedup := int64(len(positions)) - inserted; dedup > 0 {
		metrics.DedupConflictsTotal.WithLabelValues("positions").Add(float64(dedup))
	}

	updated, err := w.store.MarkVehiclesActive(ctx, distinctVehicleIDs(positions))
	if err != nil {
		return fmt.Errorf("mark vehicles active: %w", err)
	}

	dur := time.Since(start).Seconds()
	metrics.DBWriteDuration.WithLabelValues("persist", "batch").Observe(dur)
	metrics.DBRowsAffectedTotal.WithLabelValues("persist", "positions", "insert").Add(float64(inserted))
	metrics.DBRowsAffectedTotal.WithLabelValues("persist", "vehicles", "update").Add(float64(updated))
	metrics.BatchSize.WithLabelValues("persist").Observe(float64(len(positions)))

	return nil
}

// distinctVehicleIDs returns the unique vehicle ids of a batch, in first-seen order.
func distinctVehicleIDs(positions []telemetry.Position) []string {
	seen := make(map[string]bool, len(positions))
	ids := make([]string, 0, len(positions))
	for _, pos := range positions {
		if !seen[pos.VehicleID] {
			seen[pos.VehicleID] = true
			ids = append(ids, pos.VehicleID)
		}
	}
	return ids
}
