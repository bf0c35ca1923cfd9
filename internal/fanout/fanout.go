// Package fanout is the websocket-fanout worker: it drains the
// vehicle-locations topic, coalesces each batch down to the newest
// position per vehicle and pushes the results into broker rooms. A
// sibling pipeline forwards hazard alerts and vehicle events.
package fanout

import (
	"context"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/fleetpulse/telemetryd/internal/broker"
	"github.com/fleetpulse/telemetryd/internal/metrics"
	"github.com/fleetpulse/telemetryd/internal/telemetry"
)

// RoomPusher is the slice of the broker the worker pushes through.
type RoomPusher interface {
	PushToRoom(room, event string, payload any)
}

type Pipeline struct {
	pusher RoomPusher
	logger *zap.Logger
}

func NewPipeline(pusher RoomPusher, logger *zap.Logger) *Pipeline {
	return &Pipeline{pusher: pusher, logger: logger}
}

// Run pushes each polled batch and immediately hands its records over for
// offset commit. Fan-out has no durable side effect to wait on; a missed
// push is superseded by the next one.
func (p *Pipeline) Run(ctx context.Context, records <-chan []*kgo.Record, flushed chan<- []*kgo.Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case recs, ok := <-records:
			if !ok {
				return
			}
			p.processBatch(recs)
			select {
			case flushed <- recs:
			case <-ctx.Done():
			}
		}
	}
}

// processBatch coalesces the batch per vehicle in offset order, so stale
// positions from a bursty producer collapse into the latest one, then
// pushes per-vehicle events plus one summary for the nearby-all room.
func (p *Pipeline) processBatch(recs []*kgo.Record) {
	latest := make(map[string]telemetry.Position, len(recs))
	order := make([]string, 0, len(recs))

	for _, rec := range recs {
		pos, err := telemetry.DecodePosition(rec.Value)
		if err != nil {
			metrics.ParseErrorsTotal.WithLabelValues("fanout", "decode").Inc()
			p.logger.Warn("failed to decode location record",
				zap.String("topic", rec.Topic),
				zap.Int64("offset", rec.Offset),
				zap.Error(err),
			)
			continue
		}
		if pos.VehicleID == "" {
			metrics.ParseErrorsTotal.WithLabelValues("fanout", "missing_vehicle_id").Inc()
			continue
		}
		metrics.KafkaMessagesTotal.WithLabelValues("fanout", rec.Topic).Inc()

		if _, seen := latest[pos.VehicleID]; !seen {
			order = append(order, pos.VehicleID)
		}
		latest[pos.VehicleID] = pos
	}

	metrics.WorkerHeartbeat.WithLabelValues("fanout").SetToCurrentTime()
	if len(latest) == 0 {
		return
	}
	metrics.BatchSize.WithLabelValues("fanout").Observe(float64(len(latest)))

	summary := make([]broker.MovedEntry, 0, len(latest))
	for _, id := range order {
		pos := latest[id]
		room := broker.VehicleRoom(id)
		p.pusher.PushToRoom(room, "location", pos)
		p.pusher.PushToRoom(room, "vehicle-moved", pos)
		summary = append(summary, broker.MovedEntry{
			VehicleID: id,
			Lat:       pos.Lat,
			Lng:       pos.Lng,
			Speed:     pos.Speed,
			Heading:   pos.Heading,
		})
	}
	p.pusher.PushToRoom(broker.RoomNearbyAll, "batch-moved", summary)
}
