package persist

import (
	"context"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/fleetpulse/telemetryd/internal/metrics"
	"github.com/fleetpulse/telemetryd/internal/telemetry"
)

type Pipeline struct {
	writer        *Writer
	batchSize     int
	maxBatchBytes int
	flushInterval time.Duration
	logger        *zap.Logger
}

func NewPipeline(writer *Writer, batchSize, maxBatchBytes, flushIntervalMs int, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		writer:        writer,
		batchSize:     batchSize,
		maxBatchBytes: maxBatchBytes,
		flushInterval: time.Duration(flushIntervalMs) * time.Millisecond,
		logger:        logger,
	}
}

// Run processes record batches from the channel until context is
// cancelled. Every record handed in is eventually sent to the flushed
// channel for offset commit, whether or not it parsed or its write
// succeeded: a failing store must not stall partition progress, and the
// log itself is the replay buffer.
func (p *Pipeline) Run(ctx context.Context, records <-chan []*kgo.Record, flushed chan<- []*kgo.Record) {
	var batch []telemetry.Position
	var batchRecords []*kgo.Record
	var batchBytes int
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	reset := func() {
		batch = nil
		batchRecords = nil
		batchBytes = 0
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
				// Track every record for offset commit, parseable or not.
				batchRecords = append(batchRecords, rec)

				pos, ok := p.parseRecord(rec)
				if !ok {
					continue
				}
				metrics.KafkaMessagesTotal.WithLabelValues("persist", rec.Topic).Inc()
				batch = append(batch, pos)
				batchBytes += len(rec.Value)
			}

			if len(batch) >= p.batchSize || batchBytes >= p.maxBatchBytes {
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

func (p *Pipeline) parseRecord(rec *kgo.Record) (telemetry.Position, bool) {
	pos, err := telemetry.DecodePosition(rec.Value)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("persist", "decode").Inc()
		p.logger.Warn("failed to decode location record",
			zap.String("topic", rec.Topic),
			zap.Int64("offset", rec.Offset),
			zap.Error(err),
		)
		return telemetry.Position{}, false
	}
	if pos.VehicleID == "" {
		metrics.ParseErrorsTotal.WithLabelValues("persist", "missing_vehicle_id").Inc()
		return telemetry.Position{}, false
	}
	return pos, true
}

// flush writes the batch and then hands the records over for offset
// commit. The handoff happens even when the write fails; store writes are
// not retried past consumer-group redelivery.
func (p *Pipeline) flush(ctx context.Context, batch []telemetry.Position, records []*kgo.Record, flushed chan<- []*kgo.Record) {
	if err := p.writer.FlushBatch(ctx, batch); err != nil {
		p.logger.Error("batch flush failed",
			zap.Int("positions", len(batch)),
			zap.Int("records", len(records)),
			zap.Error(err),
		)
	}
	metrics.WorkerHeartbeat.WithLabelValues("persist").SetToCurrentTime()

	select {
	case flushed <- records:
	case <-ctx.Done():
	}
}
