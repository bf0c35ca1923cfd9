package bus

import (
	"bytes"
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fleetpulse/telemetryd/internal/telemetry"
)

func testTopics() Topics {
	return Topics{
		Locations: "vehicle-locations",
		Events:    "vehicle-events",
		Alerts:    "route-alerts",
	}
}

func TestLocationRecord_KeyedByVehicleID(t *testing.T) {
	pos := telemetry.Position{VehicleID: "veh_abc", Lat: 12.97, Lng: 77.59, Timestamp: 1}
	rec, err := locationRecord("vehicle-locations", pos)
	if err != nil {
		t.Fatalf("locationRecord: %v", err)
	}
	if rec.Topic != "vehicle-locations" {
		t.Errorf("topic: %q", rec.Topic)
	}
	if !bytes.Equal(rec.Key, []byte("veh_abc")) {
		t.Errorf("key: %q", rec.Key)
	}
	decoded, err := telemetry.DecodePosition(rec.Value)
	if err != nil || decoded.VehicleID != "veh_abc" {
		t.Errorf("value round trip: %+v err=%v", decoded, err)
	}
}

func TestEventRecord_KeyedByKind(t *testing.T) {
	ev := telemetry.Event{ID: "e1", Kind: telemetry.EventKindSOS, Timestamp: 1}
	rec, err := eventRecord("vehicle-events", ev)
	if err != nil {
		t.Fatalf("eventRecord: %v", err)
	}
	if !bytes.Equal(rec.Key, []byte("sos")) {
		t.Errorf("key: %q", rec.Key)
	}
}

func TestAlertRecord_ConstantKey(t *testing.T) {
	r1, err := alertRecord("route-alerts", telemetry.HazardReport{ID: "h1", Kind: "accident"})
	if err != nil {
		t.Fatalf("alertRecord: %v", err)
	}
	r2, err := alertRecord("route-alerts", telemetry.HazardReport{ID: "h2", Kind: "flooding"})
	if err != nil {
		t.Fatalf("alertRecord: %v", err)
	}
	if !bytes.Equal(r1.Key, r2.Key) {
		t.Errorf("alert keys must be constant: %q vs %q", r1.Key, r2.Key)
	}
}

func TestDisabledPublisher_AllSendsReportFalse(t *testing.T) {
	p, err := NewPublisher(PublisherConfig{Topics: testTopics()}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	defer p.Close()

	if p.Enabled() {
		t.Error("publisher with no brokers must be disabled")
	}
	ctx := context.Background()
	if p.PublishLocation(ctx, telemetry.Position{VehicleID: "v"}) {
		t.Error("disabled publish must report false")
	}
	if p.PublishLocations(ctx, []telemetry.Position{{VehicleID: "v"}}) {
		t.Error("disabled batch publish must report false")
	}
	if p.PublishEvent(ctx, telemetry.Event{Kind: "sos"}) {
		t.Error("disabled event publish must report false")
	}
	if p.PublishAlert(ctx, telemetry.HazardReport{Kind: "accident"}) {
		t.Error("disabled alert publish must report false")
	}
	if err := p.Ping(ctx); err != nil {
		t.Errorf("disabled publisher ping should be a no-op, got %v", err)
	}
}

func TestPublishBackoff_GrowsAndCaps(t *testing.T) {
	prev := time.Duration(0)
	for tries := 1; tries <= 4; tries++ {
		b := publishBackoff(tries)
		if b < prev {
			t.Errorf("backoff shrank at try %d: %v < %v", tries, b, prev)
		}
		prev = b
	}
	if b := publishBackoff(10); b > 2*time.Second+50*time.Millisecond {
		t.Errorf("backoff exceeds cap: %v", b)
	}
}
