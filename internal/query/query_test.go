package query

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fleetpulse/telemetryd/internal/store"
	"github.com/fleetpulse/telemetryd/internal/telemetry"
)

type fakeCache struct {
	entries map[string]telemetry.Position
	getErr  error
	putErr  error
	puts    []telemetry.Position
}

func (f *fakeCache) Get(ctx context.Context, vehicleID string) (telemetry.Position, bool, error) {
	if f.getErr != nil {
		return telemetry.Position{}, false, f.getErr
	}
	pos, ok := f.entries[vehicleID]
	return pos, ok, nil
}

func (f *fakeCache) Put(ctx context.Context, pos telemetry.Position) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.puts = append(f.puts, pos)
	return nil
}

type fakeStore struct {
	newest     map[string]telemetry.Position
	history    []telemetry.Position
	historyErr error
	candidates []store.NearbyVehicle
	nearbyErr  error

	gotFrom, gotTo     time.Time
	gotPage, gotLimit  int
	gotRadius          float64
	gotSince           time.Time
	newestCalls        int
	candidateCallCount int
}

func (f *fakeStore) NewestPosition(ctx context.Context, vehicleID string) (telemetry.Position, error) {
	f.newestCalls++
	pos, ok := f.newest[vehicleID]
	if !ok {
		return telemetry.Position{}, fmt.Errorf("newest position for %s: %w", vehicleID, store.ErrNotFound)
	}
	return pos, nil
}

func (f *fakeStore) HistoryPage(ctx context.Context, vehicleID string, from, to time.Time, page, limit int) ([]telemetry.Position, error) {
	f.gotFrom, f.gotTo, f.gotPage, f.gotLimit = from, to, page, limit
	return f.history, f.historyErr
}

func (f *fakeStore) NearbyCandidates(ctx context.Context, lat, lng, radiusKM float64, since time.Time) ([]store.NearbyVehicle, error) {
	f.candidateCallCount++
	f.gotRadius = radiusKM
	f.gotSince = since
	return f.candidates, f.nearbyErr
}

func newTestService(c *fakeCache, st *fakeStore) *Service {
	return New(c, st, zap.NewNop())
}

func TestCurrent_ServedFromCache(t *testing.T) {
	c := &fakeCache{entries: map[string]telemetry.Position{
		"veh-1": {VehicleID: "veh-1", Lat: 44.8, Lng: 20.4, Timestamp: 100},
	}}
	st := &fakeStore{}
	svc := newTestService(c, st)

	pos, source, err := svc.Current(context.Background(), "veh-1")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if source != SourceCache {
		t.Errorf("source = %q, want %q", source, SourceCache)
	}
	if pos.Timestamp != 100 {
		t.Errorf("position = %+v, want the cached one", pos)
	}
	if st.newestCalls != 0 {
		t.Errorf("store consulted on cache hit")
	}
}

func TestCurrent_FallsBackToHistoryAndRepopulates(t *testing.T) {
	c := &fakeCache{entries: map[string]telemetry.Position{}}
	st := &fakeStore{newest: map[string]telemetry.Position{
		"veh-1": {VehicleID: "veh-1", Lat: 44.8, Lng: 20.4, Timestamp: 200},
	}}
	svc := newTestService(c, st)

	pos, source, err := svc.Current(context.Background(), "veh-1")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if source != SourceHistory {
		t.Errorf("source = %q, want %q", source, SourceHistory)
	}
	if pos.Timestamp != 200 {
		t.Errorf("position = %+v, want the stored one", pos)
	}
	if len(c.puts) != 1 || c.puts[0].VehicleID != "veh-1" {
		t.Errorf("cache repopulation puts = %v, want the fetched position", c.puts)
	}
}

func TestCurrent_UnknownVehicle(t *testing.T) {
	c := &fakeCache{entries: map[string]telemetry.Position{}}
	st := &fakeStore{newest: map[string]telemetry.Position{}}
	svc := newTestService(c, st)

	_, _, err := svc.Current(context.Background(), "veh-ghost")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want store.ErrNotFound", err)
	}
}

func TestCurrent_CacheErrorFallsThrough(t *testing.T) {
	c := &fakeCache{getErr: errors.New("connection refused")}
	st := &fakeStore{newest: map[string]telemetry.Position{
		"veh-1": {VehicleID: "veh-1", Timestamp: 300},
	}}
	svc := newTestService(c, st)

	pos, source, err := svc.Current(context.Background(), "veh-1")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if source != SourceHistory || pos.Timestamp != 300 {
		t.Errorf("got (%+v, %q), want history fallback", pos, source)
	}
}

func TestCurrent_RepopulateFailureIsNotFatal(t *testing.T) {
	c := &fakeCache{entries: map[string]telemetry.Position{}, putErr: errors.New("down")}
	st := &fakeStore{newest: map[string]telemetry.Position{
		"veh-1": {VehicleID: "veh-1", Timestamp: 400},
	}}
	svc := newTestService(c, st)

	pos, source, err := svc.Current(context.Background(), "veh-1")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if source != SourceHistory || pos.Timestamp != 400 {
		t.Errorf("got (%+v, %q), want history result despite put failure", pos, source)
	}
}

func TestHistory_DelegatesBounds(t *testing.T) {
	st := &fakeStore{history: []telemetry.Position{
		{VehicleID: "veh-1", Timestamp: 300},
		{VehicleID: "veh-1", Timestamp: 200},
	}}
	svc := newTestService(&fakeCache{}, st)

	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)
	positions, err := svc.History(context.Background(), "veh-1", from, to, 2, 50)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(positions) != 2 {
		t.Errorf("positions = %d, want 2", len(positions))
	}
	if !st.gotFrom.Equal(from) || !st.gotTo.Equal(to) || st.gotPage != 2 || st.gotLimit != 50 {
		t.Errorf("store got (%v, %v, %d, %d), want the caller's bounds",
			st.gotFrom, st.gotTo, st.gotPage, st.gotLimit)
	}
}

func TestHistory_WrapsStoreError(t *testing.T) {
	boom := errors.New("relation does not exist")
	st := &fakeStore{historyErr: boom}
	svc := newTestService(&fakeCache{}, st)

	_, err := svc.History(context.Background(), "veh-1", time.Time{}, time.Time{}, 1, 100)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped store error", err)
	}
}

func TestNearby_FiltersExactDistanceAndSorts(t *testing.T) {
	// The store's bounding box is square, so the corner candidate passes
	// the box but fails the exact radius.
	st := &fakeStore{candidates: []store.NearbyVehicle{
		{VehicleID: "corner", Lat: 44.0 + 0.9/telemetry.KMPerDegree, Lng: 20.0 + 0.9/telemetry.KMPerDegree},
		{VehicleID: "far", Lat: 44.0 + 0.8/telemetry.KMPerDegree, Lng: 20.0},
		{VehicleID: "near", Lat: 44.0 + 0.2/telemetry.KMPerDegree, Lng: 20.0},
	}}
	svc := newTestService(&fakeCache{}, st)

	results, err := svc.Nearby(context.Background(), 44.0, 20.0, 1.0)
	if err != nil {
		t.Fatalf("Nearby: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2 (corner filtered out)", len(results))
	}
	if results[0].VehicleID != "near" || results[1].VehicleID != "far" {
		t.Errorf("order = [%s %s], want closest first", results[0].VehicleID, results[1].VehicleID)
	}
	if results[0].DistanceKM <= 0 || results[0].DistanceKM >= results[1].DistanceKM {
		t.Errorf("distances = [%v %v], want ascending positives",
			results[0].DistanceKM, results[1].DistanceKM)
	}
}

func TestNearby_RadiusClamping(t *testing.T) {
	cases := []struct {
		name string
		in   float64
		want float64
	}{
		{"zero uses default", 0, DefaultNearbyRadiusKM},
		{"negative uses default", -2, DefaultNearbyRadiusKM},
		{"oversized clamped", 50, MaxNearbyRadiusKM},
		{"in range passes", 3, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := &fakeStore{}
			svc := newTestService(&fakeCache{}, st)
			if _, err := svc.Nearby(context.Background(), 44, 20, tc.in); err != nil {
				t.Fatalf("Nearby: %v", err)
			}
			if st.gotRadius != tc.want {
				t.Errorf("store radius = %v, want %v", st.gotRadius, tc.want)
			}
		})
	}
}

func TestNearby_WindowIsOneMinute(t *testing.T) {
	st := &fakeStore{}
	svc := newTestService(&fakeCache{}, st)

	before := time.Now()
	if _, err := svc.Nearby(context.Background(), 44, 20, 1); err != nil {
		t.Fatalf("Nearby: %v", err)
	}
	lo := before.Add(-nearbyWindow - time.Second)
	hi := time.Now().Add(-nearbyWindow + time.Second)
	if st.gotSince.Before(lo) || st.gotSince.After(hi) {
		t.Errorf("since = %v, want about %v ago", st.gotSince, nearbyWindow)
	}
}

func TestNearby_CapsResults(t *testing.T) {
	candidates := make([]store.NearbyVehicle, 120)
	for i := range candidates {
		candidates[i] = store.NearbyVehicle{
			VehicleID: fmt.Sprintf("veh-%d", i),
			Lat:       44.0 + float64(i)*0.1/telemetry.KMPerDegree/120,
			Lng:       20.0,
		}
	}
	st := &fakeStore{candidates: candidates}
	svc := newTestService(&fakeCache{}, st)

	results, err := svc.Nearby(context.Background(), 44.0, 20.0, 1.0)
	if err != nil {
		t.Fatalf("Nearby: %v", err)
	}
	if len(results) != maxNearbyResults {
		t.Errorf("results = %d, want cap %d", len(results), maxNearbyResults)
	}
}

func TestNearby_WrapsStoreError(t *testing.T) {
	boom := errors.New("no partitions")
	st := &fakeStore{nearbyErr: boom}
	svc := newTestService(&fakeCache{}, st)

	_, err := svc.Nearby(context.Background(), 44, 20, 1)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped store error", err)
	}
}
