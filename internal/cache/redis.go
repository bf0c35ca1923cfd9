package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fleetpulse/telemetryd/internal/metrics"
	"github.com/fleetpulse/telemetryd/internal/telemetry"
)

// putScript stores a position hash only when its timestamp is not older
// than the cached one. Rejected writes leave the TTL untouched.
const putScript = `
local cur = redis.call('HGET', KEYS[1], 'ts')
if cur and tonumber(cur) and tonumber(cur) > tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'ts', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`

// throttleScript is the standard counter-with-first-write-TTL idiom.
const throttleScript = `
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`

var redisPutScript = redis.NewScript(putScript)

// Redis is the shared hot cache used when redis.url is configured.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to the given redis URL and verifies it with a ping.
func NewRedis(ctx context.Context, url string, ttl time.Duration) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Redis{client: client, ttl: ttl}, nil
}

func (r *Redis) Put(ctx context.Context, pos telemetry.Position) error {
	data, err := pos.Encode()
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	err = redisPutScript.Run(ctx, r.client,
		[]string{locKey(pos.VehicleID)},
		pos.Timestamp, data, r.ttl.Milliseconds(),
	).Err()
	if err != nil {
		metrics.CacheOpsTotal.WithLabelValues("redis", "put", "error").Inc()
		return fmt.Errorf("cache put: %w", err)
	}
	metrics.CacheOpsTotal.WithLabelValues("redis", "put", "ok").Inc()
	return nil
}

func (r *Redis) Get(ctx context.Context, vehicleID string) (telemetry.Position, bool, error) {
	data, err := r.client.HGet(ctx, locKey(vehicleID), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheOpsTotal.WithLabelValues("redis", "get", "miss").Inc()
		return telemetry.Position{}, false, nil
	}
	if err != nil {
		metrics.CacheOpsTotal.WithLabelValues("redis", "get", "error").Inc()
		return telemetry.Position{}, false, fmt.Errorf("cache get: %w", err)
	}
	pos, err := telemetry.DecodePosition(data)
	if err != nil {
		metrics.CacheOpsTotal.WithLabelValues("redis", "get", "error").Inc()
		return telemetry.Position{}, false, fmt.Errorf("cache get: %w", err)
	}
	metrics.CacheOpsTotal.WithLabelValues("redis", "get", "hit").Inc()
	return pos, true, nil
}

func (r *Redis) PutBatch(ctx context.Context, positions []telemetry.Position) error {
	if len(positions) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, pos := range positions {
		data, err := pos.Encode()
		if err != nil {
			return fmt.Errorf("cache put batch: %w", err)
		}
		pipe.Eval(ctx, putScript,
			[]string{locKey(pos.VehicleID)},
			pos.Timestamp, data, r.ttl.Milliseconds(),
		)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.CacheOpsTotal.WithLabelValues("redis", "put_batch", "error").Inc()
		return fmt.Errorf("cache put batch: %w", err)
	}
	metrics.CacheOpsTotal.WithLabelValues("redis", "put_batch", "ok").Inc()
	return nil
}

func (r *Redis) IncrThrottle(ctx context.Context, vehicleID string, window time.Duration) (int64, error) {
	n, err := r.client.Eval(ctx, throttleScript,
		[]string{throttleKey(vehicleID)},
		window.Milliseconds(),
	).Int64()
	if err != nil {
		metrics.CacheOpsTotal.WithLabelValues("redis", "incr_throttle", "error").Inc()
		return 0, fmt.Errorf("cache incr throttle: %w", err)
	}
	return n, nil
}

func (r *Redis) HasMoved(ctx context.Context, vehicleID string, lat, lng, minMeters float64) (bool, error) {
	prev, ok, err := r.Get(ctx, vehicleID)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return telemetry.MovedAtLeast(prev.Lat, prev.Lng, lat, lng, minMeters), nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Backend() string { return "redis" }

func (r *Redis) Close() error { return r.client.Close() }
