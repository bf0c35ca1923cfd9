// Package gate applies the per-vehicle ingest controls: a rate cap backed
// by the hot cache's atomic counters and a dead-zone filter that suppresses
// stationary pings.
package gate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fleetpulse/telemetryd/internal/metrics"
)

// CounterCache is the slice of the hot cache the gate needs.
type CounterCache interface {
	IncrThrottle(ctx context.Context, vehicleID string, window time.Duration) (int64, error)
	HasMoved(ctx context.Context, vehicleID string, lat, lng, minMeters float64) (bool, error)
}

// Result classifies a gate decision.
type Result int

const (
	// ResultForward lets the ping continue through the full pipeline.
	ResultForward Result = iota
	// ResultNoMotion accepts the ping but suppresses downstream work.
	ResultNoMotion
	// ResultThrottled rejects the ping for exceeding the rate cap.
	ResultThrottled
)

// Decision carries the gate outcome and the client advice attached to it.
type Decision struct {
	Result       Result
	RetryAfterMS int
	NextPingMS   int
}

// Config holds the gate tunables.
type Config struct {
	RateMax      int64
	Window       time.Duration
	MinMoveM     float64
	RetryAfterMS int
	NextPingMS   int
}

type Gate struct {
	cache  CounterCache
	cfg    Config
	logger *zap.Logger
}

func New(cache CounterCache, cfg Config, logger *zap.Logger) *Gate {
	return &Gate{cache: cache, cfg: cfg, logger: logger}
}

// Check runs the throttle counter and then the movement filter, in that
// order, so a stationary device cannot bypass rate limiting. Cache failures
// fail open for the counter and fail true for the movement check.
func (g *Gate) Check(ctx context.Context, vehicleID string, lat, lng float64) Decision {
	n, err := g.cache.IncrThrottle(ctx, vehicleID, g.cfg.Window)
	if err != nil {
		g.logger.Debug("throttle counter unavailable, failing open",
			zap.String("vehicle_id", vehicleID),
			zap.Error(err),
		)
	} else if n > g.cfg.RateMax {
		metrics.GateDecisionsTotal.WithLabelValues("throttled").Inc()
		return Decision{Result: ResultThrottled, RetryAfterMS: g.cfg.RetryAfterMS}
	}

	moved, err := g.cache.HasMoved(ctx, vehicleID, lat, lng, g.cfg.MinMoveM)
	if err != nil {
		g.logger.Debug("movement check unavailable, accepting ping",
			zap.String("vehicle_id", vehicleID),
			zap.Error(err),
		)
		moved = true
	}
	if !moved {
		metrics.GateDecisionsTotal.WithLabelValues("no_motion").Inc()
		return Decision{Result: ResultNoMotion, NextPingMS: g.cfg.NextPingMS}
	}

	metrics.GateDecisionsTotal.WithLabelValues("forward").Inc()
	return Decision{Result: ResultForward, NextPingMS: g.cfg.NextPingMS}
}
