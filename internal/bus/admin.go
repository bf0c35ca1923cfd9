package bus

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// TopicSpec declares one topic the service expects to exist.
type TopicSpec struct {
	Topic          string
	Partitions     int32
	RetentionHours int
}

// EnsureTopics creates any missing topics with their partition counts and
// retention. Already-existing topics are left untouched, so partition or
// retention drift must be reconciled operationally.
func EnsureTopics(ctx context.Context, client *kgo.Client, specs []TopicSpec, logger *zap.Logger) error {
	adm := kadm.NewClient(client)

	for _, spec := range specs {
		retentionMs := strconv.Itoa(spec.RetentionHours * 3600 * 1000)
		configs := map[string]*string{"retention.ms": &retentionMs}

		resp, err := adm.CreateTopic(ctx, spec.Partitions, -1, configs, spec.Topic)
		if err != nil {
			return fmt.Errorf("create topic %s: %w", spec.Topic, err)
		}
		if resp.Err != nil {
			if errors.Is(resp.Err, kerr.TopicAlreadyExists) {
				logger.Debug("topic exists", zap.String("topic", spec.Topic))
				continue
			}
			return fmt.Errorf("create topic %s: %w", spec.Topic, resp.Err)
		}
		logger.Info("topic created",
			zap.String("topic", spec.Topic),
			zap.Int32("partitions", spec.Partitions),
			zap.Int("retention_hours", spec.RetentionHours),
		)
	}
	return nil
}
