package cache

import (
	"context"
	"sync"
	"time"

	"github.com/fleetpulse/telemetryd/internal/metrics"
	"github.com/fleetpulse/telemetryd/internal/telemetry"
)

// Memory is the process-local fallback cache. Entries expire lazily on
// read and eagerly via a janitor tick, so the TTL contract holds even for
// keys nobody reads again.
type Memory struct {
	ttl time.Duration

	mu       sync.RWMutex
	entries  map[string]memEntry
	counters map[string]memCounter

	stop     chan struct{}
	stopOnce sync.Once
}

type memEntry struct {
	pos       telemetry.Position
	expiresAt time.Time
}

type memCounter struct {
	n         int64
	expiresAt time.Time
}

// NewMemory builds the in-process cache and starts its janitor.
func NewMemory(ttl time.Duration) *Memory {
	m := &Memory{
		ttl:      ttl,
		entries:  make(map[string]memEntry),
		counters: make(map[string]memCounter),
		stop:     make(chan struct{}),
	}
	go m.janitor()
	return m
}

func (m *Memory) janitor() {
	interval := m.ttl / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for k, e := range m.entries {
				if now.After(e.expiresAt) {
					delete(m.entries, k)
				}
			}
			for k, c := range m.counters {
				if now.After(c.expiresAt) {
					delete(m.counters, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *Memory) Put(_ context.Context, pos telemetry.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(pos, time.Now())
	metrics.CacheOpsTotal.WithLabelValues("memory", "put", "ok").Inc()
	return nil
}

// putLocked applies the monotone-timestamp rule. A rejected write leaves
// the existing entry and its deadline untouched.
func (m *Memory) putLocked(pos telemetry.Position, now time.Time) {
	key := locKey(pos.VehicleID)
	if cur, ok := m.entries[key]; ok && now.Before(cur.expiresAt) && cur.pos.Timestamp > pos.Timestamp {
		return
	}
	m.entries[key] = memEntry{pos: pos, expiresAt: now.Add(m.ttl)}
}

func (m *Memory) Get(_ context.Context, vehicleID string) (telemetry.Position, bool, error) {
	now := time.Now()
	m.mu.RLock()
	e, ok := m.entries[locKey(vehicleID)]
	m.mu.RUnlock()
	if !ok || now.After(e.expiresAt) {
		metrics.CacheOpsTotal.WithLabelValues("memory", "get", "miss").Inc()
		return telemetry.Position{}, false, nil
	}
	metrics.CacheOpsTotal.WithLabelValues("memory", "get", "hit").Inc()
	return e.pos, true, nil
}

func (m *Memory) PutBatch(_ context.Context, positions []telemetry.Position) error {
	now := time.Now()
	m.mu.Lock()
	for _, pos := range positions {
		m.putLocked(pos, now)
	}
	m.mu.Unlock()
	metrics.CacheOpsTotal.WithLabelValues("memory", "put_batch", "ok").Inc()
	return nil
}

func (m *Memory) IncrThrottle(_ context.Context, vehicleID string, window time.Duration) (int64, error) {
	key := throttleKey(vehicleID)
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[key]
	if !ok || now.After(c.expiresAt) {
		c = memCounter{n: 0, expiresAt: now.Add(window)}
	}
	c.n++
	m.counters[key] = c
	return c.n, nil
}

func (m *Memory) HasMoved(ctx context.Context, vehicleID string, lat, lng, minMeters float64) (bool, error) {
	prev, ok, err := m.Get(ctx, vehicleID)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return telemetry.MovedAtLeast(prev.Lat, prev.Lng, lat, lng, minMeters), nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Backend() string { return "memory" }

func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}
