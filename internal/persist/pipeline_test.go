package persist

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/fleetpulse/telemetryd/internal/telemetry"
)

type fakeStore struct {
	inserted  [][]telemetry.Position
	marked    [][]string
	insertErr error
	markErr   error
}

func (f *fakeStore) InsertPositions(_ context.Context, positions []telemetry.Position) (int64, error) {
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	f.inserted = append(f.inserted, positions)
	return int64(len(positions)), nil
}

func (f *fakeStore) MarkVehiclesActive(_ context.Context, ids []string) (int64, error) {
	if f.markErr != nil {
		return 0, f.markErr
	}
	f.marked = append(f.marked, ids)
	return int64(len(ids)), nil
}

func locationRecord(t *testing.T, id string, ts int64) *kgo.Record {
	t.Helper()
	val, err := telemetry.Position{VehicleID: id, Lat: 44.8, Lng: 20.4, Timestamp: ts}.Encode()
	if err != nil {
		t.Fatalf("encode position: %v", err)
	}
	return &kgo.Record{Topic: "vehicle-locations", Key: []byte(id), Value: val}
}

func newTestPipeline(store Store, batchSize, maxBytes int) *Pipeline {
	return NewPipeline(NewWriter(store, zap.NewNop()), batchSize, maxBytes, 50, zap.NewNop())
}

func collectFlushed(t *testing.T, flushed <-chan []*kgo.Record) []*kgo.Record {
	t.Helper()
	select {
	case recs := <-flushed:
		return recs
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for flushed records")
		return nil
	}
}

func TestParseRecord_Valid(t *testing.T) {
	p := newTestPipeline(&fakeStore{}, 10, 1<<20)

	pos, ok := p.parseRecord(locationRecord(t, "veh-1", 1700000000000))
	if !ok {
		t.Fatalf("expected record to parse")
	}
	if pos.VehicleID != "veh-1" {
		t.Errorf("VehicleID = %q, want veh-1", pos.VehicleID)
	}
	if pos.Timestamp != 1700000000000 {
		t.Errorf("Timestamp = %d, want 1700000000000", pos.Timestamp)
	}
}

func TestParseRecord_Garbage(t *testing.T) {
	p := newTestPipeline(&fakeStore{}, 10, 1<<20)

	rec := &kgo.Record{Topic: "vehicle-locations", Value: []byte("{not json")}
	if _, ok := p.parseRecord(rec); ok {
		t.Errorf("expected garbage record to be rejected")
	}
}

func TestParseRecord_MissingVehicleID(t *testing.T) {
	p := newTestPipeline(&fakeStore{}, 10, 1<<20)

	rec := &kgo.Record{Topic: "vehicle-locations", Value: []byte(`{"lat":1,"lng":2,"timestamp":3}`)}
	if _, ok := p.parseRecord(rec); ok {
		t.Errorf("expected record without vehicle id to be rejected")
	}
}

func TestRun_FlushesOnBatchSize(t *testing.T) {
	store := &fakeStore{}
	p := newTestPipeline(store, 3, 1<<20)

	records := make(chan []*kgo.Record, 1)
	flushed := make(chan []*kgo.Record, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx, records, flushed)

	records <- []*kgo.Record{
		locationRecord(t, "veh-1", 1),
		locationRecord(t, "veh-2", 2),
		locationRecord(t, "veh-1", 3),
	}

	got := collectFlushed(t, flushed)
	if len(got) != 3 {
		t.Fatalf("flushed %d records, want 3", len(got))
	}
	if len(store.inserted) != 1 || len(store.inserted[0]) != 3 {
		t.Fatalf("store got %v insert calls, want one call with 3 rows", store.inserted)
	}
	if len(store.marked) != 1 {
		t.Fatalf("store got %d mark calls, want 1", len(store.marked))
	}
	if ids := store.marked[0]; len(ids) != 2 || ids[0] != "veh-1" || ids[1] != "veh-2" {
		t.Errorf("marked ids = %v, want [veh-1 veh-2]", ids)
	}
}

func TestRun_FlushesOnByteBudget(t *testing.T) {
	store := &fakeStore{}
	p := newTestPipeline(store, 1000, 64)

	records := make(chan []*kgo.Record, 1)
	flushed := make(chan []*kgo.Record, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx, records, flushed)

	records <- []*kgo.Record{locationRecord(t, "veh-1", 1)}

	got := collectFlushed(t, flushed)
	if len(got) != 1 {
		t.Fatalf("flushed %d records, want 1", len(got))
	}
}

func TestRun_FlushesOnTicker(t *testing.T) {
	store := &fakeStore{}
	p := newTestPipeline(store, 1000, 1<<20)

	records := make(chan []*kgo.Record, 1)
	flushed := make(chan []*kgo.Record, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx, records, flushed)

	records <- []*kgo.Record{locationRecord(t, "veh-1", 1)}

	got := collectFlushed(t, flushed)
	if len(got) != 1 {
		t.Fatalf("flushed %d records, want 1", len(got))
	}
}

func TestRun_OffsetsAdvanceWhenStoreFails(t *testing.T) {
	store := &fakeStore{insertErr: errors.New("db down")}
	p := newTestPipeline(store, 2, 1<<20)

	records := make(chan []*kgo.Record, 1)
	flushed := make(chan []*kgo.Record, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx, records, flushed)

	records <- []*kgo.Record{
		locationRecord(t, "veh-1", 1),
		locationRecord(t, "veh-2", 2),
	}

	got := collectFlushed(t, flushed)
	if len(got) != 2 {
		t.Fatalf("flushed %d records despite store failure, want 2", len(got))
	}
}

func TestRun_UnparseableRecordsStillCommitted(t *testing.T) {
	store := &fakeStore{}
	p := newTestPipeline(store, 2, 1<<20)

	records := make(chan []*kgo.Record, 1)
	flushed := make(chan []*kgo.Record, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx, records, flushed)

	records <- []*kgo.Record{
		{Topic: "vehicle-locations", Value: []byte("garbage")},
		locationRecord(t, "veh-1", 1),
	}

	got := collectFlushed(t, flushed)
	if len(got) != 2 {
		t.Fatalf("flushed %d records, want 2 (bad record included)", len(got))
	}
	if len(store.inserted) != 1 || len(store.inserted[0]) != 1 {
		t.Fatalf("store inserts = %v, want one call with the single good row", store.inserted)
	}
}

func TestRun_DrainsOnCancel(t *testing.T) {
	store := &fakeStore{}
	p := newTestPipeline(store, 1000, 1<<20)
	// Long ticker so only the cancel path can flush.
	p.flushInterval = time.Minute

	records := make(chan []*kgo.Record, 1)
	flushed := make(chan []*kgo.Record, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, records, flushed)
		close(done)
	}()

	records <- []*kgo.Record{locationRecord(t, "veh-1", 1)}
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pipeline did not stop after cancel")
	}
	if len(store.inserted) != 1 {
		t.Fatalf("store inserts = %d, want 1 (drain on cancel)", len(store.inserted))
	}
}

func TestDistinctVehicleIDs(t *testing.T) {
	ids := distinctVehicleIDs([]telemetry.Position{
		{VehicleID: "a"}, {VehicleID: "b"}, {VehicleID: "a"}, {VehicleID: "c"},
	})
	if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Errorf("distinctVehicleIDs = %v, want [a b c]", ids)
	}
}
