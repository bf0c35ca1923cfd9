// Package archive is the event-archiver worker: it drains the
// vehicle-events topic into cold storage, keeping the full wire form of
// every event zstd-compressed next to its indexable fields. The archive
// outlives the topic's retention window.
package archive

import (
	"context"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/fleetpulse/telemetryd/internal/metrics"
	"github.com/fleetpulse/telemetryd/internal/store"
	"github.com/fleetpulse/telemetryd/internal/telemetry"
)

var zstdEncoder, _ = zstd.NewWriter(nil)

// Store is the slice of the relational store the archiver writes.
type Store interface {
	ArchiveEvents(ctx context.Context, rows []store.ArchivedEvent) (int64, error)
}

type Pipeline struct {
	store         Store
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger
}

func NewPipeline(st Store, batchSize, flushIntervalMs int, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:         st,
		batchSize:     batchSize,
		flushInterval: time.Duration(flushIntervalMs) * time.Millisecond,
		logger:        logger,
	}
}

// Run processes record batches from the channel until context is
// cancelled. Records are handed to the flushed channel whether or not
// they parsed or their write succeeded; the archive is best effort and
// must not stall partition progress.
func (p *Pipeline) Run(ctx context.Context, records <-chan []*kgo.Record, flushed chan<- []*kgo.Record) {
	var batch []store.ArchivedEvent
	var batchRecords []*kgo.Record
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	reset := func() {
		batch = nil
		batchRecords = nil
	}

	for {
		select {
		case <-ctx.Done():
			if len(batchRecords) > 0 {
				p.flush(ctx, batch, batchRecords, flushed)
			}
			return

		case recs, ok := <-records:
			if !ok {
				if len(batchRecords) > 0 {
					p.flush(ctx, batch, batchRecords, flushed)
				}
				return
			}

			for _, rec := range recs {
				batchRecords = append(batchRecords, rec)

				row, ok := p.parseRecord(rec)
				if !ok {
					continue
				}
				metrics.KafkaMessagesTotal.WithLabelValues("archive", rec.Topic).Inc()
				batch = append(batch, row)
			}

			if len(batch) >= p.batchSize {
				p.flush(ctx, batch, batchRecords, flushed)
				reset()
			}

		case <-ticker.C:
			if len(batchRecords) > 0 {
				p.flush(ctx, batch, batchRecords, flushed)
				reset()
			}
		}
	}
}

func (p *Pipeline) parseRecord(rec *kgo.Record) (store.ArchivedEvent, bool) {
	ev, err := telemetry.DecodeEvent(rec.Value)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("archive", "decode").Inc()
		p.logger.Warn("failed to decode event record",
			zap.String("topic", rec.Topic),
			zap.Int64("offset", rec.Offset),
			zap.Error(err),
		)
		return store.ArchivedEvent{}, false
	}
	// The id is the dedup key; an event without one cannot be archived
	// idempotently.
	if ev.ID == "" {
		metrics.ParseErrorsTotal.WithLabelValues("archive", "missing_id").Inc()
		return store.ArchivedEvent{}, false
	}
	return store.ArchivedEvent{
		ID:         ev.ID,
		Kind:       ev.Kind,
		VehicleID:  ev.VehicleID,
		UserID:     ev.UserID,
		OccurredAt: time.UnixMilli(ev.Timestamp),
		Compressed: zstdEncoder.EncodeAll(rec.Value, nil),
	}, true
}

func (p *Pipeline) flush(ctx context.Context, batch []store.ArchivedEvent, records []*kgo.Record, flushed chan<- []*kgo.Record) {
	if len(batch) > 0 {
		start := time.Now()
		inserted, err := p.store.ArchiveEvents(ctx, batch)
		if err != nil {
			p.logger.Error("archive flush failed",
				zap.Int("events", len(batch)),
				zap.Error(err),
			)
		} else {
			if dedup := int64(len(batch)) - inserted; dedup > 0 {
				metrics.DedupConflictsTotal.WithLabelValues("vehicle_events_archive").Add(float64(dedup))
			}
			metrics.DBWriteDuration.WithLabelValues("archive", "batch").Observe(time.Since(start).Seconds())
			metrics.DBRowsAffectedTotal.WithLabelValues("archive", "vehicle_events_archive", "insert").Add(float64(inserted))
			metrics.BatchSize.WithLabelValues("archive").Observe(float64(len(batch)))
		}
	}
	metrics.WorkerHeartbeat.WithLabelValues("archive").SetToCurrentTime()

	select {
	case flushed <- records:
	case <-ctx.Done():
	}
}
