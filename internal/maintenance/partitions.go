package maintenance

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/fleetpulse/telemetryd/internal/metrics"
)

var validPartitionName = regexp.MustCompile(`^positions_\d{8}$`)

func partitionName(day time.Time) string {
	return "positions_" + day.Format("20060102")
}

// CreatePartitions ensures daily partitions of the positions table exist
// for today and tomorrow in the configured timezone. Indexes arrive with
// each partition from the parent table.
func (m *Manager) CreatePartitions(ctx context.Context) error {
	loc, err := time.LoadLocation(m.cfg.Timezone)
	if err != nil {
		return fmt.Errorf("loading timezone %s: %w", m.cfg.Timezone, err)
	}

	now := time.Now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	tomorrow := today.AddDate(0, 0, 1)
	dayAfter := today.AddDate(0, 0, 2)

	if err := m.createPartition(ctx, today, tomorrow); err != nil {
		return err
	}
	return m.createPartition(ctx, tomorrow, dayAfter)
}

func (m *Manager) createPartition(ctx context.Context, from, to time.Time) error {
	name := partitionName(from)
	safeName := pgx.Identifier{name}.Sanitize()
	fromStr := from.UTC().Format("2006-01-02 15:04:05+00")
	toStr := to.UTC().Format("2006-01-02 15:04:05+00")

	createSQL := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF positions FOR VALUES FROM ('%s') TO ('%s')`,
		safeName, fromStr, toStr,
	)
	if _, err := m.pool.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("creating partition %s: %w", name, err)
	}
	m.logger.Info("partition ensured", zap.String("partition", name))
	return nil
}

// DropOldPartitions drops position partitions past the retention period.
func (m *Manager) DropOldPartitions(ctx context.Context) error {
	loc, err := time.LoadLocation(m.cfg.Timezone)
	if err != nil {
		return fmt.Errorf("loading timezone %s: %w", m.cfg.Timezone, err)
	}

	// Cutoff: retention days ago in the configured timezone, truncated to
	// a date.
	cutoff := time.Now().In(loc).AddDate(0, 0, -m.cfg.RetentionDays)
	cutoffDate := time.Date(cutoff.Year(), cutoff.Month(), cutoff.Day(), 0, 0, 0, 0, loc)

	rows, err := m.pool.Query(ctx,
		`SELECT inhrelid::regclass::text FROM pg_inherits WHERE inhparent = 'positions'::regclass`)
	if err != nil {
		return fmt.Errorf("listing partitions: %w", err)
	}
	defer rows.Close()

	var partitions []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scanning partition name: %w", err)
		}
		partitions = append(partitions, name)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating partitions: %w", err)
	}

	for _, name := range partitions {
		if !validPartitionName.MatchString(name) {
			m.logger.Warn("skipping partition with unexpected name", zap.String("partition", name))
			continue
		}

		// Parse the date from the name: positions_YYYYMMDD.
		dateStr := name[len(name)-8:]
		partDate, err := time.ParseInLocation("20060102", dateStr, loc)
		if err != nil {
			m.logger.Warn("cannot parse partition date", zap.String("partition", name))
			continue
		}

		if partDate.Before(cutoffDate) {
			safeName := pgx.Identifier{name}.Sanitize()
			if _, err := m.pool.Exec(ctx, "DROP TABLE IF EXISTS "+safeName); err != nil {
				return fmt.Errorf("dropping partition %s: %w", name, err)
			}
			metrics.PositionsPurgedTotal.Inc()
			m.logger.Info("dropped expired partition",
				zap.String("partition", name),
				zap.Time("cutoff", cutoffDate),
			)
		}
	}

	return nil
}
