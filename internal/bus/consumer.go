// Package bus wraps the event log: topic layout, the producer every ingest
// path publishes through, and the consumer-group clients feeding the
// persistence, fan-out and archival workers.
package bus

import (
	"context"
	"crypto/tls"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/plugin/kzap"
	"go.uber.org/zap"
)

// ConsumerConfig names one consumer-group membership.
type ConsumerConfig struct {
	// Name labels the worker in logs and metrics (persist, fanout, ...).
	Name          string
	Brokers       []string
	GroupID       string
	Topics        []string
	ClientID      string
	FetchMaxBytes int32
	TLS           *tls.Config
	SASL          sasl.Mechanism
}

// Consumer polls one consumer group and hands record batches to a worker
// pipeline. Offsets commit only after the pipeline reports a batch flushed.
type Consumer struct {
	name   string
	client *kgo.Client
	logger *zap.Logger
	joined atomic.Bool
}

func NewConsumer(cfg ConsumerConfig, logger *zap.Logger) (*Consumer, error) {
	c := &Consumer{name: cfg.Name, logger: logger}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ClientID(cfg.ClientID),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.WithLogger(kzap.New(logger.Named("kgo"))),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			c.joined.Store(true)
			logger.Info("consumer: partitions assigned", zap.String("worker", cfg.Name))
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			c.joined.Store(false)
			logger.Info("consumer: partitions revoked", zap.String("worker", cfg.Name))
		}),
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

	c.client = client
	return c, nil
}

// Run fetches records and sends them to the records channel.
// It reads from flushed to commit offsets after the worker is done with a
// batch.
func (c *Consumer) Run(ctx context.Context, records chan<- []*kgo.Record, flushed <-chan []*kgo.Record) {
	// Offset commits happen off the poll loop.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case recs, ok := <-flushed:
				if !ok {
					return
				}
				for _, r := range recs {
					c.client.MarkCommitRecords(r)
				}
				if err := c.client.CommitMarkedOffsets(ctx); err != nil {
					c.logger.Error("consumer: commit offsets failed",
						zap.String("worker", c.name),
						zap.Error(err),
					)
				}
			}
		}
	}()

	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				c.logger.Error("consumer: fetch error",
					zap.String("worker", c.name),
					zap.String("topic", e.Topic),
					zap.Int32("partition", e.Partition),
					zap.Error(e.Err),
				)
			}
		}

		var batch []*kgo.Record
		fetches.EachRecord(func(r *kgo.Record) {
			batch = append(batch, r)
		})

		if len(batch) > 0 {
			select {
			case records <- batch:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Consumer) IsJoined() bool {
	return c.joined.Load()
}

func (c *Consumer) Close() {
	c.client.Close()
}
