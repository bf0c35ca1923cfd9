// Package maintenance owns the scheduled housekeeping: daily position
// partitions, expiry sweeps and stale-descriptor demotion. A pass runs at
// boot and on a ticker inside serve, or once via the maintenance
// subcommand.
package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/fleetpulse/telemetryd/internal/metrics"
	"github.com/fleetpulse/telemetryd/internal/telemetry"
)

// Store is the slice of the persistence layer the sweeps use.
type Store interface {
	PurgeExpiredReports(ctx context.Context) (int64, error)
	PurgeExpiredRefreshCredentials(ctx context.Context) (int64, error)
	MarkStaleVehiclesInactive(ctx context.Context, staleAfter time.Duration) ([]string, error)
}

// Publisher announces demotions on the events topic. A false send means
// the log refused the record; maintenance logs it and moves on.
type Publisher interface {
	PublishEvent(ctx context.Context, ev telemetry.Event) bool
}

type Config struct {
	RetentionDays int
	Timezone      string
	StaleAfter    time.Duration
	Interval      time.Duration
}

type Manager struct {
	pool   *pgxpool.Pool
	store  Store
	pub    Publisher
	cfg    Config
	logger *zap.Logger
}

func NewManager(pool *pgxpool.Pool, st Store, pub Publisher, cfg Config, logger *zap.Logger) *Manager {
	return &Manager{pool: pool, store: st, pub: pub, cfg: cfg, logger: logger}
}

// Run executes one full maintenance pass. Jobs run in order and the pass
// stops at the first failure; the next tick retries from the top.
func (m *Manager) Run(ctx context.Context) error {
	jobs := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"partitions", m.managePartitions},
		{"reports_purge", m.purgeReports},
		{"credentials_purge", m.purgeCredentials},
		{"stale_vehicles", m.demoteStaleVehicles},
	}
	for _, job := range jobs {
		if err := job.fn(ctx); err != nil {
			metrics.MaintenanceRunsTotal.WithLabelValues(job.name, "error").Inc()
			return fmt.Errorf("%s: %w", job.name, err)
		}
		metrics.MaintenanceRunsTotal.WithLabelValues(job.name, "ok").Inc()
	}
	return nil
}

// RunLoop repeats the pass on every interval tick until the context ends.
// The boot pass is the caller's, so it can treat a failure as fatal; tick
// failures are logged and retried on the next tick.
func (m *Manager) RunLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Run(ctx); err != nil {
				m.logger.Error("maintenance pass failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) managePartitions(ctx context.Context) error {
	if err := m.CreatePartitions(ctx); err != nil {
		return err
	}
	return m.DropOldPartitions(ctx)
}

func (m *Manager) purgeReports(ctx context.Context) error {
	n, err := m.store.PurgeExpiredReports(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Info("expired reports purged", zap.Int64("rows", n))
	}
	return nil
}

func (m *Manager) purgeCredentials(ctx context.Context) error {
	n, err := m.store.PurgeExpiredRefreshCredentials(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Info("expired refresh credentials purged", zap.Int64("rows", n))
	}
	return nil
}

var inactivePayload = json.RawMessage(`{"status":"inactive"}`)

// demoteStaleVehicles flips descriptors unseen past the stale window to
// inactive and announces each flip on the events topic.
func (m *Manager) demoteStaleVehicles(ctx context.Context) error {
	ids, err := m.store.MarkStaleVehiclesInactive(ctx, m.cfg.StaleAfter)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	for _, id := range ids {
		ev := telemetry.Event{
			ID:        uuid.NewString(),
			Kind:      telemetry.EventKindStatus,
			VehicleID: id,
			Payload:   inactivePayload,
			Timestamp: time.Now().UnixMilli(),
		}
		if m.pub != nil && !m.pub.PublishEvent(ctx, ev) {
			m.logger.Warn("status change not published", zap.String("vehicle", id))
		}
	}
	m.logger.Info("stale vehicles marked inactive", zap.Int("count", len(ids)))
	return nil
}
