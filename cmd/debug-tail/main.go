// Command debug-tail follows the pipeline topics and prints decoded
// payloads, one line per record. Useful for checking what the ingest
// path actually publishes without attaching a real worker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fleetpulse/telemetryd/internal/telemetry"
)

func main() {
	broker := "localhost:9092"
	topics := []string{"vehicle-locations", "vehicle-events", "route-alerts"}
	if len(os.Args) > 1 {
		broker = os.Args[1]
	}
	if len(os.Args) > 2 {
		topics = strings.Split(os.Args[2], ",")
	}

	cl, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.ConsumerGroup(fmt.Sprintf("debug-tail-%d", time.Now().UnixNano())),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kafka client: %v\n", err)
		os.Exit(1)
	}
	defer cl.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Printf("tailing %s on %s\n", strings.Join(topics, ", "), broker)

	msgNum := 0
	for {
		fetches := cl.PollRecords(ctx, 100)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			break
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			fmt.Fprintf(os.Stderr, "fetch error on %s/%d: %v\n", topic, partition, err)
		})

		fetches.EachRecord(func(rec *kgo.Record) {
			msgNum++
			fmt.Printf("[%d] %s/%d offset=%d key=%q %d bytes\n",
				msgNum, rec.Topic, rec.Partition, rec.Offset, rec.Key, len(rec.Value))
			printRecord(rec)
		})
	}

	fmt.Printf("total records: %d\n", msgNum)
}

func printRecord(rec *kgo.Record) {
	switch {
	case strings.Contains(rec.Topic, "location"):
		pos, err := telemetry.DecodePosition(rec.Value)
		if err != nil {
			fmt.Printf("    decode error: %v\n", err)
			return
		}
		fmt.Printf("    vehicle=%s lat=%.6f lng=%.6f speed=%.1f heading=%.1f ts=%s\n",
			pos.VehicleID, pos.Lat, pos.Lng, pos.Speed, pos.Heading,
			pos.Time().UTC().Format(time.RFC3339))

	case strings.Contains(rec.Topic, "alert"):
		report, err := telemetry.DecodeHazardReport(rec.Value)
		if err != nil {
			fmt.Printf("    decode error: %v\n", err)
			return
		}
		fmt.Printf("    hazard id=%s kind=%s severity=%s lat=%.6f lng=%.6f expires=%s\n",
			report.ID, report.Kind, report.Severity, report.Lat, report.Lng,
			time.UnixMilli(report.ExpiresAt).UTC().Format(time.RFC3339))

	case strings.Contains(rec.Topic, "event"):
		ev, err := telemetry.DecodeEvent(rec.Value)
		if err != nil {
			fmt.Printf("    decode error: %v\n", err)
			return
		}
		fmt.Printf("    event id=%s kind=%s vehicle=%q user=%q payload=%s\n",
			ev.ID, ev.Kind, ev.VehicleID, ev.UserID, string(ev.Payload))

	default:
		fmt.Printf("    raw: %s\n", rec.Value)
	}
}
