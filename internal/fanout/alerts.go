package fanout

import (
	"context"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/fleetpulse/telemetryd/internal/broker"
	"github.com/fleetpulse/telemetryd/internal/metrics"
	"github.com/fleetpulse/telemetryd/internal/telemetry"
)

// AlertsPipeline is the alert-processor worker: it forwards hazard
// reports from route-alerts and SOS / status events from vehicle-events
// into the nearby-all room. No coalescing; every alert is delivered.
type AlertsPipeline struct {
	pusher      RoomPusher
	alertsTopic string
	eventsTopic string
	logger      *zap.Logger
}

func NewAlertsPipeline(pusher RoomPusher, alertsTopic, eventsTopic string, logger *zap.Logger) *AlertsPipeline {
	return &AlertsPipeline{
		pusher:      pusher,
		alertsTopic: alertsTopic,
		eventsTopic: eventsTopic,
		logger:      logger,
	}
}

func (p *AlertsPipeline) Run(ctx context.Context, records <-chan []*kgo.Record, flushed chan<- []*kgo.Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case recs, ok := <-records:
			if !ok {
				return
			}
			for _, rec := range recs {
				p.processRecord(rec)
			}
			metrics.WorkerHeartbeat.WithLabelValues("alerts").SetToCurrentTime()
			select {
			case flushed <- recs:
			case <-ctx.Done():
			}
		}
	}
}

func (p *AlertsPipeline) processRecord(rec *kgo.Record) {
	metrics.KafkaMessagesTotal.WithLabelValues("alerts", rec.Topic).Inc()

	switch rec.Topic {
	case p.alertsTopic:
		report, err := telemetry.DecodeHazardReport(rec.Value)
		if err != nil {
			metrics.ParseErrorsTotal.WithLabelValues("alerts", "decode_report").Inc()
			p.logger.Warn("failed to decode hazard report",
				zap.Int64("offset", rec.Offset),
				zap.Error(err),
			)
			return
		}
		p.pusher.PushToRoom(broker.RoomNearbyAll, "route-alert", report)
		p.pusher.PushToRoom(broker.RoomNearbyAll, "new-hazard", report)

	case p.eventsTopic:
		ev, err := telemetry.DecodeEvent(rec.Value)
		if err != nil {
			metrics.ParseErrorsTotal.WithLabelValues("alerts", "decode_event").Inc()
			p.logger.Warn("failed to decode vehicle event",
				zap.Int64("offset", rec.Offset),
				zap.Error(err),
			)
			return
		}
		switch ev.Kind {
		case telemetry.EventKindSOS:
			p.pusher.PushToRoom(broker.RoomNearbyAll, "sos-alert", ev)
		case telemetry.EventKindStatus:
			p.pusher.PushToRoom(broker.RoomNearbyAll, "status-changed", ev)
		}

	default:
		p.logger.Warn("record from unexpected topic", zap.String("topic", rec.Topic))
	}
}
