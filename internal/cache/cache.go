// Package cache implements the hot position cache: a TTL-bounded mapping
// from vehicle id to last-known position, plus the atomic counters the
// ingest gate rate-limits with. Two backends satisfy the same contract:
// Redis for multi-worker deployments and an in-process map used when no
// Redis is configured or reachable at boot.
package cache

import (
	"context"
	"time"

	"github.com/fleetpulse/telemetryd/internal/telemetry"
)

// Cache is the hot-state contract shared by both backends.
//
// Callers apply the failure policies: throttle checks fail open, movement
// checks fail true, writes fail silent.
type Cache interface {
	// Put stores the position under its vehicle id with the cache TTL.
	// A position older than the cached one is discarded, keeping the
	// cached timestamp monotone per vehicle.
	Put(ctx context.Context, pos telemetry.Position) error

	// Get returns the cached position and whether one exists.
	Get(ctx context.Context, vehicleID string) (telemetry.Position, bool, error)

	// PutBatch stores many positions in a bounded number of round trips.
	PutBatch(ctx context.Context, positions []telemetry.Position) error

	// IncrThrottle bumps the per-vehicle ingest counter and returns the
	// new value. The first increment in a window sets the counter TTL to
	// the window length.
	IncrThrottle(ctx context.Context, vehicleID string, window time.Duration) (int64, error)

	// HasMoved reports whether (lat, lng) is at least minMeters from the
	// cached position. No cached entry counts as moved.
	HasMoved(ctx context.Context, vehicleID string, lat, lng, minMeters float64) (bool, error)

	// Ping checks backend liveness.
	Ping(ctx context.Context) error

	// Backend names the serving implementation for health reporting.
	Backend() string

	Close() error
}

func locKey(vehicleID string) string { return "loc:" + vehicleID }

func throttleKey(vehicleID string) string { return "thr:" + vehicleID }
