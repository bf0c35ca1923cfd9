// Package query serves the read side: current position, history pages
// and the nearby scan.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fleetpulse/telemetryd/internal/metrics"
	"github.com/fleetpulse/telemetryd/internal/store"
	"github.com/fleetpulse/telemetryd/internal/telemetry"
)

// Serving sources reported by Current.
const (
	SourceCache   = "cache"
	SourceHistory = "history"
)

const (
	// MaxNearbyRadiusKM caps the nearby scan radius.
	MaxNearbyRadiusKM = 5.0
	// DefaultNearbyRadiusKM is used when the caller gives no radius.
	DefaultNearbyRadiusKM = 1.0

	nearbyWindow     = 60 * time.Second
	maxNearbyResults = 100
)

// Cache is the slice of the hot cache the read side uses.
type Cache interface {
	Get(ctx context.Context, vehicleID string) (telemetry.Position, bool, error)
	Put(ctx context.Context, pos telemetry.Position) error
}

// Store is the slice of the relational store the read side uses.
type Store interface {
	NewestPosition(ctx context.Context, vehicleID string) (telemetry.Position, error)
	HistoryPage(ctx context.Context, vehicleID string, from, to time.Time, page, limit int) ([]telemetry.Position, error)
	NearbyCandidates(ctx context.Context, lat, lng, radiusKM float64, since time.Time) ([]store.NearbyVehicle, error)
}

type Service struct {
	cache  Cache
	store  Store
	logger *zap.Logger
}

func New(c Cache, st Store, logger *zap.Logger) *Service {
	return &Service{cache: c, store: st, logger: logger}
}

// Current returns the freshest known position and which tier served it.
// A cache miss falls back to the newest history row and repopulates the
// cache. store.ErrNotFound when the vehicle has never reported.
func (s *Service) Current(ctx context.Context, vehicleID string) (telemetry.Position, string, error) {
	pos, ok, err := s.cache.Get(ctx, vehicleID)
	if err != nil {
		s.logger.Debug("cache get failed, falling back to history",
			zap.String("vehicle_id", vehicleID),
			zap.Error(err),
		)
	}
	if ok {
		metrics.SnapshotSourceTotal.WithLabelValues(SourceCache).Inc()
		return pos, SourceCache, nil
	}

	pos, err = s.store.NewestPosition(ctx, vehicleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.SnapshotSourceTotal.WithLabelValues("miss").Inc()
		}
		return telemetry.Position{}, "", err
	}

	// Repopulate the cache for the next read.
	if err := s.cache.Put(ctx, pos); err != nil {
		s.logger.Debug("cache repopulate failed",
			zap.String("vehicle_id", vehicleID),
			zap.Error(err),
		)
	}
	metrics.SnapshotSourceTotal.WithLabelValues(SourceHistory).Inc()
	return pos, SourceHistory, nil
}

// History returns one reverse-chronological page of a vehicle's track.
func (s *Service) History(ctx context.Context, vehicleID string, from, to time.Time, page, limit int) ([]telemetry.Position, error) {
	positions, err := s.store.HistoryPage(ctx, vehicleID, from, to, page, limit)
	if err != nil {
		return nil, fmt.Errorf("history page: %w", err)
	}
	return positions, nil
}

// Nearby returns the public vehicles within radiusKM of the point: one
// newest position per vehicle from the last minute, exact planar distance
// applied on top of the store's bounding box, closest first, capped at
// 100 rows.
func (s *Service) Nearby(ctx context.Context, lat, lng, radiusKM float64) ([]store.NearbyVehicle, error) {
	if radiusKM <= 0 {
		radiusKM = DefaultNearbyRadiusKM
	}
	if radiusKM > MaxNearbyRadiusKM {
		radiusKM = MaxNearbyRadiusKM
	}

	since := time.Now().Add(-nearbyWindow)
	candidates, err := s.store.NearbyCandidates(ctx, lat, lng, radiusKM, since)
	if err != nil {
		return nil, fmt.Errorf("nearby candidates: %w", err)
	}

	results := make([]store.NearbyVehicle, 0, len(candidates))
	for _, cand := range candidates {
		d := telemetry.PlanarDistanceKM(lat, lng, cand.Lat, cand.Lng)
		if d > radiusKM {
			continue
		}
		cand.DistanceKM = d
		results = append(results, cand)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].DistanceKM < results[j].DistanceKM
	})
	if len(results) > maxNearbyResults {
		results = results[:maxNearbyResults]
	}
	return results, nil
}
