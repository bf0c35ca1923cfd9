package bus

import (
	"context"
	"crypto/tls"
	"math/rand"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/plugin/kzap"
	"go.uber.org/zap"

	"github.com/fleetpulse/telemetryd/internal/metrics"
	"github.com/fleetpulse/telemetryd/internal/telemetry"
)

// alertKey is the constant record key for route-alerts, keeping the topic
// totally ordered across its partitions' consumers.
const alertKey = "alerts"

// Topics names the three logical topics.
type Topics struct {
	Locations string
	Events    string
	Alerts    string
}

// PublisherConfig configures the producer client. Empty Brokers builds a
// disabled publisher whose sends all report false, pushing callers onto
// the direct-write path.
type PublisherConfig struct {
	Brokers  []string
	ClientID string
	Topics   Topics
	TLS      *tls.Config
	SASL     sasl.Mechanism
}

// Publisher produces to the event log with leader acks and a bounded retry
// budget. All sends return whether the log accepted the records; callers
// must fall through to the direct-write path on false.
type Publisher struct {
	client *kgo.Client
	topics Topics
	logger *zap.Logger
}

func NewPublisher(cfg PublisherConfig, logger *zap.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		logger.Info("event log disabled, ingest will use direct writes")
		return &Publisher{topics: cfg.Topics, logger: logger}, nil
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.RequiredAcks(kgo.LeaderAck()),
		kgo.DisableIdempotentWrite(),
		kgo.RecordRetries(8),
		kgo.RetryBackoffFn(publishBackoff),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.WithLogger(kzap.New(logger.Named("kgo"))),
	}
	if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
	}
	if cfg.SASL != nil {
		opts = append(opts, kgo.SASL(cfg.SASL))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}

	return &Publisher{client: client, topics: cfg.Topics, logger: logger}, nil
}

// publishBackoff grows exponentially from 250ms and caps at 2s, with a
// little jitter to spread retry storms.
func publishBackoff(tries int) time.Duration {
	backoff := 250 * time.Millisecond << uint(tries-1)
	if backoff > 2*time.Second {
		backoff = 2 * time.Second
	}
	return backoff + time.Duration(rand.Int63n(int64(50*time.Millisecond)))
}

// Enabled reports whether a log is configured at all.
func (p *Publisher) Enabled() bool {
	return p.client != nil
}

// Ping checks broker connectivity for health reporting.
func (p *Publisher) Ping(ctx context.Context) error {
	if p.client == nil {
		return nil
	}
	return p.client.Ping(ctx)
}

// PublishLocation sends one position keyed by vehicle id.
func (p *Publisher) PublishLocation(ctx context.Context, pos telemetry.Position) bool {
	rec, err := locationRecord(p.topics.Locations, pos)
	if err != nil {
		p.logger.Error("publish location: encode failed", zap.Error(err))
		return false
	}
	return p.produce(ctx, p.topics.Locations, rec)
}

// PublishLocations sends a batch of positions in a single call.
func (p *Publisher) PublishLocations(ctx context.Context, positions []telemetry.Position) bool {
	if len(positions) == 0 {
		return true
	}
	recs := make([]*kgo.Record, 0, len(positions))
	for _, pos := range positions {
		rec, err := locationRecord(p.topics.Locations, pos)
		if err != nil {
			p.logger.Error("publish locations: encode failed", zap.Error(err))
			return false
		}
		recs = append(recs, rec)
	}
	return p.produce(ctx, p.topics.Locations, recs...)
}

// PublishEvent sends one event keyed by kind.
func (p *Publisher) PublishEvent(ctx context.Context, ev telemetry.Event) bool {
	rec, err := eventRecord(p.topics.Events, ev)
	if err != nil {
		p.logger.Error("publish event: encode failed", zap.Error(err))
		return false
	}
	return p.produce(ctx, p.topics.Events, rec)
}

// PublishAlert broadcasts one hazard report on the alerts topic.
func (p *Publisher) PublishAlert(ctx context.Context, report telemetry.HazardReport) bool {
	rec, err := alertRecord(p.topics.Alerts, report)
	if err != nil {
		p.logger.Error("publish alert: encode failed", zap.Error(err))
		return false
	}
	return p.produce(ctx, p.topics.Alerts, rec)
}

func (p *Publisher) produce(ctx context.Context, topic string, recs ...*kgo.Record) bool {
	if p.client == nil {
		metrics.BusPublishTotal.WithLabelValues(topic, "disabled").Inc()
		return false
	}
	if err := p.client.ProduceSync(ctx, recs...).FirstErr(); err != nil {
		metrics.BusPublishTotal.WithLabelValues(topic, "error").Inc()
		p.logger.Error("publish failed",
			zap.String("topic", topic),
			zap.Int("records", len(recs)),
			zap.Error(err),
		)
		return false
	}
	metrics.BusPublishTotal.WithLabelValues(topic, "ok").Inc()
	return true
}

func (p *Publisher) Close() {
	if p.client != nil {
		p.client.Close()
	}
}

func locationRecord(topic string, pos telemetry.Position) (*kgo.Record, error) {
	data, err := pos.Encode()
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(pos.VehicleID),
		Value: data,
	}, nil
}

func eventRecord(topic string, ev telemetry.Event) (*kgo.Record, error) {
	data, err := ev.Encode()
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(ev.Kind),
		Value: data,
	}, nil
}

func alertRecord(topic string, report telemetry.HazardReport) (*kgo.Record, error) {
	data, err := report.Encode()
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(alertKey),
		Value: data,
	}, nil
}
