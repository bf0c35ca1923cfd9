package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fleetpulse/telemetryd/internal/auth"
	"github.com/fleetpulse/telemetryd/internal/ingest"
	"github.com/fleetpulse/telemetryd/internal/store"
	"github.com/fleetpulse/telemetryd/internal/telemetry"
)

type fakeIngester struct {
	pushResult ingest.PushResult
	pushErr    error
	pushed     []telemetry.Position

	batchResult ingest.BatchResult
	batchErr    error
	lastBatch   []telemetry.Position

	reportOut  telemetry.HazardReport
	reportErr  error
	lastReport telemetry.HazardReport

	sosResult ingest.SOSResult
	sosErr    error
	lastSOS   ingest.SOSRequest
}

func (f *fakeIngester) Push(_ context.Context, pos telemetry.Position) (ingest.PushResult, error) {
	f.pushed = append(f.pushed, pos)
	return f.pushResult, f.pushErr
}

func (f *fakeIngester) PushBatch(_ context.Context, positions []telemetry.Position) (ingest.BatchResult, error) {
	f.lastBatch = positions
	return f.batchResult, f.batchErr
}

func (f *fakeIngester) SubmitReport(_ context.Context, report telemetry.HazardReport) (telemetry.HazardReport, error) {
	f.lastReport = report
	return f.reportOut, f.reportErr
}

func (f *fakeIngester) TriggerSOS(_ context.Context, req ingest.SOSRequest) (ingest.SOSResult, error) {
	f.lastSOS = req
	return f.sosResult, f.sosErr
}

type fakeQuerier struct {
	pos    telemetry.Position
	source string
	curErr error

	histPositions []telemetry.Position
	histErr       error
	gotFrom       time.Time
	gotTo         time.Time
	gotPage       int
	gotLimit      int

	nearby    []store.NearbyVehicle
	nearbyErr error
	gotLat    float64
	gotLng    float64
	gotRadius float64
}

func (f *fakeQuerier) Current(_ context.Context, _ string) (telemetry.Position, string, error) {
	return f.pos, f.source, f.curErr
}

func (f *fakeQuerier) History(_ context.Context, _ string, from, to time.Time, page, limit int) ([]telemetry.Position, error) {
	f.gotFrom, f.gotTo, f.gotPage, f.gotLimit = from, to, page, limit
	return f.histPositions, f.histErr
}

func (f *fakeQuerier) Nearby(_ context.Context, lat, lng, radiusKM float64) ([]store.NearbyVehicle, error) {
	f.gotLat, f.gotLng, f.gotRadius = lat, lng, radiusKM
	return f.nearby, f.nearbyErr
}

// mockConsumer implements ConsumerStatus for testing.
type mockConsumer struct {
	joined bool
}

func (m *mockConsumer) IsJoined() bool { return m.joined }

// mockDBChecker implements DBChecker for testing.
type mockDBChecker struct {
	err error
}

func (m *mockDBChecker) Ping(_ context.Context) error { return m.err }

type mockCache struct {
	err error
}

func (m *mockCache) Ping(_ context.Context) error { return m.err }
func (m *mockCache) Backend() string              { return "memory" }

type mockBus struct {
	enabled bool
}

func (m *mockBus) Enabled() bool { return m.enabled }

type mockBroker struct {
	sessions int
}

func (m *mockBroker) Sessions() int { return m.sessions }

const testSecret = "server-test-secret"

func newTestServer(ing *fakeIngester, q *fakeQuerier) *Server {
	deps := Deps{
		Ingester: ing,
		Querier:  q,
		Verifier: auth.NewVerifier(testSecret),
		DB:       &mockDBChecker{},
		Cache:    &mockCache{},
		Bus:      &mockBus{enabled: true},
		Broker:   &mockBroker{},
	}
	return NewServer(Config{Addr: ":0"}, deps, zap.NewNop())
}

func do(s *Server, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	return w
}

func decodeMap(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body
}

func mintToken(t *testing.T, userID string, ttl time.Duration) string {
	t.Helper()
	token, err := auth.NewVerifier(testSecret).Mint(userID, ttl)
	if err != nil {
		t.Fatalf("failed to mint token: %v", err)
	}
	return token
}

func TestPush_Accepted(t *testing.T) {
	ing := &fakeIngester{pushResult: ingest.PushResult{Accepted: true, NextPingMS: 5000}}
	s := newTestServer(ing, &fakeQuerier{})

	w := do(s, http.MethodPost, "/api/vehicles/veh-1/location",
		`{"vehicleId":"ignored","lat":44.8,"lng":20.46,"timestamp":1700000000000}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	body := decodeMap(t, w)
	if body["accepted"] != true {
		t.Errorf("expected accepted true, got %v", body["accepted"])
	}
	if body["nextPingMs"] != float64(5000) {
		t.Errorf("expected nextPingMs 5000, got %v", body["nextPingMs"])
	}
	if _, ok := body["reason"]; ok {
		t.Errorf("expected no reason on a plain accept, got %v", body["reason"])
	}

	if len(ing.pushed) != 1 {
		t.Fatalf("expected 1 push, got %d", len(ing.pushed))
	}
	if ing.pushed[0].VehicleID != "veh-1" {
		t.Errorf("expected path id to override body vehicleId, got '%s'", ing.pushed[0].VehicleID)
	}
}

func TestPush_NoMovement(t *testing.T) {
	ing := &fakeIngester{pushResult: ingest.PushResult{Accepted: true, NoMovement: true, NextPingMS: 3000}}
	s := newTestServer(ing, &fakeQuerier{})

	w := do(s, http.MethodPost, "/api/vehicles/veh-1/location",
		`{"lat":44.8,"lng":20.46}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeMap(t, w)
	if body["accepted"] != true {
		t.Errorf("expected accepted true, got %v", body["accepted"])
	}
	if body["reason"] != "no_movement" {
		t.Errorf("expected reason 'no_movement', got %v", body["reason"])
	}
}

func TestPush_Throttled(t *testing.T) {
	ing := &fakeIngester{pushResult: ingest.PushResult{Throttled: true, RetryAfterMS: 1000}}
	s := newTestServer(ing, &fakeQuerier{})

	w := do(s, http.MethodPost, "/api/vehicles/veh-1/location",
		`{"lat":44.8,"lng":20.46}`, nil)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	body := decodeMap(t, w)
	if body["retryAfterMs"] != float64(1000) {
		t.Errorf("expected retryAfterMs 1000, got %v", body["retryAfterMs"])
	}
	if body["error"] == "" {
		t.Error("expected error message in throttle response")
	}
}

func TestPush_ValidationError(t *testing.T) {
	ing := &fakeIngester{pushErr: &ingest.ValidationError{Details: []string{"lat: out of range [-90, 90]"}}}
	s := newTestServer(ing, &fakeQuerier{})

	w := do(s, http.MethodPost, "/api/vehicles/veh-1/location",
		`{"lat":123,"lng":20.46}`, nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	body := decodeMap(t, w)
	if body["error"] != "validation failed" {
		t.Errorf("expected error 'validation failed', got %v", body["error"])
	}
	details := body["details"].([]any)
	if len(details) != 1 || details[0] != "lat: out of range [-90, 90]" {
		t.Errorf("unexpected details: %v", details)
	}
}

func TestPush_InvalidJSON(t *testing.T) {
	s := newTestServer(&fakeIngester{}, &fakeQuerier{})

	w := do(s, http.MethodPost, "/api/vehicles/veh-1/location", `{"lat":`, nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	body := decodeMap(t, w)
	if body["error"] != "invalid JSON body" {
		t.Errorf("expected error 'invalid JSON body', got %v", body["error"])
	}
}

func TestBatchPush(t *testing.T) {
	ing := &fakeIngester{batchResult: ingest.BatchResult{
		Processed:   1,
		Rejected:    1,
		RejectedIDs: []string{"veh-2"},
	}}
	s := newTestServer(ing, &fakeQuerier{})

	w := do(s, http.MethodPost, "/api/vehicles/batch/locations",
		`{"updates":[{"vehicleId":"veh-1","lat":44.8,"lng":20.46},{"vehicleId":"veh-2","lat":99,"lng":20.46}]}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	body := decodeMap(t, w)
	if body["processed"] != float64(1) {
		t.Errorf("expected processed 1, got %v", body["processed"])
	}
	if body["rejected"] != float64(1) {
		t.Errorf("expected rejected 1, got %v", body["rejected"])
	}
	ids := body["rejectedIds"].([]any)
	if len(ids) != 1 || ids[0] != "veh-2" {
		t.Errorf("unexpected rejectedIds: %v", ids)
	}
	if len(ing.lastBatch) != 2 {
		t.Errorf("expected 2 updates forwarded, got %d", len(ing.lastBatch))
	}
}

func TestBatchPush_EmptyRejectedIDs(t *testing.T) {
	ing := &fakeIngester{batchResult: ingest.BatchResult{Processed: 2}}
	s := newTestServer(ing, &fakeQuerier{})

	w := do(s, http.MethodPost, "/api/vehicles/batch/locations",
		`{"updates":[{"vehicleId":"veh-1","lat":44.8,"lng":20.46}]}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeMap(t, w)
	ids, ok := body["rejectedIds"].([]any)
	if !ok {
		t.Fatalf("expected rejectedIds array, got %T", body["rejectedIds"])
	}
	if len(ids) != 0 {
		t.Errorf("expected empty rejectedIds, got %v", ids)
	}
}

func TestCurrent_FromCache(t *testing.T) {
	q := &fakeQuerier{
		pos:    telemetry.Position{VehicleID: "veh-1", Lat: 44.8, Lng: 20.46, Timestamp: 1700000000000},
		source: "cache",
	}
	s := newTestServer(&fakeIngester{}, q)

	w := do(s, http.MethodGet, "/api/vehicles/veh-1/location", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeMap(t, w)
	if body["_source"] != "cache" {
		t.Errorf("expected _source 'cache', got %v", body["_source"])
	}
	if body["vehicleId"] != "veh-1" {
		t.Errorf("expected vehicleId 'veh-1', got %v", body["vehicleId"])
	}
	if body["lat"] != 44.8 {
		t.Errorf("expected lat 44.8, got %v", body["lat"])
	}
}

func TestCurrent_NotFound(t *testing.T) {
	q := &fakeQuerier{curErr: store.ErrNotFound}
	s := newTestServer(&fakeIngester{}, q)

	w := do(s, http.MethodGet, "/api/vehicles/ghost/location", "", nil)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	body := decodeMap(t, w)
	if body["error"] != "not found" {
		t.Errorf("expected error 'not found', got %v", body["error"])
	}
}

func TestHistory_PassesWindow(t *testing.T) {
	q := &fakeQuerier{histPositions: []telemetry.Position{{VehicleID: "veh-1"}}}
	s := newTestServer(&fakeIngester{}, q)

	w := do(s, http.MethodGet,
		"/api/vehicles/veh-1/history?from=1700000000000&to=1700000600000&page=2&limit=50", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	if got := q.gotFrom.UnixMilli(); got != 1700000000000 {
		t.Errorf("expected from 1700000000000, got %d", got)
	}
	if got := q.gotTo.UnixMilli(); got != 1700000600000 {
		t.Errorf("expected to 1700000600000, got %d", got)
	}
	if q.gotPage != 2 {
		t.Errorf("expected page 2, got %d", q.gotPage)
	}
	if q.gotLimit != 50 {
		t.Errorf("expected limit 50, got %d", q.gotLimit)
	}
}

func TestHistory_Defaults(t *testing.T) {
	q := &fakeQuerier{}
	s := newTestServer(&fakeIngester{}, q)

	w := do(s, http.MethodGet, "/api/vehicles/veh-1/history", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !q.gotFrom.IsZero() || !q.gotTo.IsZero() {
		t.Errorf("expected open window, got from=%v to=%v", q.gotFrom, q.gotTo)
	}
	if q.gotPage != 1 {
		t.Errorf("expected default page 1, got %d", q.gotPage)
	}
	if q.gotLimit != 100 {
		t.Errorf("expected default limit 100, got %d", q.gotLimit)
	}
}

func TestHistory_ClampsLimit(t *testing.T) {
	q := &fakeQuerier{}
	s := newTestServer(&fakeIngester{}, q)

	w := do(s, http.MethodGet, "/api/vehicles/veh-1/history?limit=5000", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if q.gotLimit != maxHistoryRows {
		t.Errorf("expected limit clamped to %d, got %d", maxHistoryRows, q.gotLimit)
	}
}

func TestHistory_BadParams(t *testing.T) {
	s := newTestServer(&fakeIngester{}, &fakeQuerier{})

	w := do(s, http.MethodGet, "/api/vehicles/veh-1/history?from=abc&page=0", "", nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	body := decodeMap(t, w)
	details := body["details"].([]any)
	if len(details) != 2 {
		t.Errorf("expected 2 details, got %v", details)
	}
}

func TestHistory_EmptyArrayNotNull(t *testing.T) {
	s := newTestServer(&fakeIngester{}, &fakeQuerier{})

	w := do(s, http.MethodGet, "/api/vehicles/veh-1/history", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("expected empty JSON array, got %s", got)
	}
}

func TestNearby(t *testing.T) {
	q := &fakeQuerier{nearby: []store.NearbyVehicle{
		{VehicleID: "veh-1", Lat: 44.81, Lng: 20.46, DistanceKM: 0.4},
	}}
	s := newTestServer(&fakeIngester{}, q)

	w := do(s, http.MethodGet, "/api/nearby?lat=44.8&lng=20.46&radius=2", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	if q.gotLat != 44.8 || q.gotLng != 20.46 || q.gotRadius != 2 {
		t.Errorf("unexpected query args: lat=%v lng=%v radius=%v", q.gotLat, q.gotLng, q.gotRadius)
	}
	var list []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(list) != 1 || list[0]["vehicleId"] != "veh-1" {
		t.Errorf("unexpected result list: %v", list)
	}
}

func TestNearby_MissingCoords(t *testing.T) {
	s := newTestServer(&fakeIngester{}, &fakeQuerier{})

	w := do(s, http.MethodGet, "/api/nearby", "", nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	body := decodeMap(t, w)
	details := body["details"].([]any)
	if len(details) != 2 {
		t.Errorf("expected 2 details (lat, lng), got %v", details)
	}
}

func TestNearby_OutOfRange(t *testing.T) {
	s := newTestServer(&fakeIngester{}, &fakeQuerier{})

	w := do(s, http.MethodGet, "/api/nearby?lat=91&lng=20.46", "", nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	body := decodeMap(t, w)
	details := body["details"].([]any)
	if len(details) != 1 || details[0] != "lat: out of range [-90, 90]" {
		t.Errorf("unexpected details: %v", details)
	}
}

func TestSubmitReport_Anonymous(t *testing.T) {
	ing := &fakeIngester{reportOut: telemetry.HazardReport{ID: "rep-1", Kind: "pothole", Severity: "medium"}}
	s := newTestServer(ing, &fakeQuerier{})

	w := do(s, http.MethodPost, "/api/reports",
		`{"kind":"pothole","lat":44.8,"lng":20.46}`, nil)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", w.Code, w.Body.String())
	}
	body := decodeMap(t, w)
	if body["id"] != "rep-1" {
		t.Errorf("expected id 'rep-1', got %v", body["id"])
	}
	if ing.lastReport.ReportedBy != "" {
		t.Errorf("expected anonymous report, got reportedBy '%s'", ing.lastReport.ReportedBy)
	}
}

func TestSubmitReport_AttributesToken(t *testing.T) {
	ing := &fakeIngester{reportOut: telemetry.HazardReport{ID: "rep-2"}}
	s := newTestServer(ing, &fakeQuerier{})
	token := mintToken(t, "user-1", time.Minute)

	w := do(s, http.MethodPost, "/api/reports",
		`{"kind":"accident","lat":44.8,"lng":20.46}`,
		map[string]string{"Authorization": "Bearer " + token})

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	if ing.lastReport.ReportedBy != "user-1" {
		t.Errorf("expected reportedBy 'user-1', got '%s'", ing.lastReport.ReportedBy)
	}
}

func TestSubmitReport_ValidationError(t *testing.T) {
	ing := &fakeIngester{reportErr: &ingest.ValidationError{Details: []string{"kind: unknown hazard kind"}}}
	s := newTestServer(ing, &fakeQuerier{})

	w := do(s, http.MethodPost, "/api/reports",
		`{"kind":"volcano","lat":44.8,"lng":20.46}`, nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	body := decodeMap(t, w)
	details := body["details"].([]any)
	if len(details) != 1 || details[0] != "kind: unknown hazard kind" {
		t.Errorf("unexpected details: %v", details)
	}
}

func TestSOS_RequiresToken(t *testing.T) {
	s := newTestServer(&fakeIngester{}, &fakeQuerier{})

	w := do(s, http.MethodPost, "/api/sos",
		`{"vehicleId":"veh-1","lat":44.8,"lng":20.46}`, nil)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	body := decodeMap(t, w)
	if _, ok := body["code"]; ok {
		t.Errorf("expected no code for a missing token, got %v", body["code"])
	}
}

func TestSOS_ExpiredToken(t *testing.T) {
	s := newTestServer(&fakeIngester{}, &fakeQuerier{})
	token := mintToken(t, "user-1", -time.Minute)

	w := do(s, http.MethodPost, "/api/sos",
		`{"vehicleId":"veh-1","lat":44.8,"lng":20.46}`,
		map[string]string{"Authorization": "Bearer " + token})

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	body := decodeMap(t, w)
	if body["code"] != "TOKEN_EXPIRED" {
		t.Errorf("expected code 'TOKEN_EXPIRED', got %v", body["code"])
	}
}

func TestSOS_Triggered(t *testing.T) {
	ing := &fakeIngester{sosResult: ingest.SOSResult{EventID: "sos-1", RemainingCredits: 2}}
	s := newTestServer(ing, &fakeQuerier{})
	token := mintToken(t, "user-1", time.Minute)

	w := do(s, http.MethodPost, "/api/sos",
		`{"vehicleId":"veh-1","lat":44.8,"lng":20.46}`,
		map[string]string{
			"Authorization":   "Bearer " + token,
			"X-Forwarded-For": "203.0.113.9, 10.0.0.1",
		})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	body := decodeMap(t, w)
	if body["eventId"] != "sos-1" {
		t.Errorf("expected eventId 'sos-1', got %v", body["eventId"])
	}
	if body["remainingCredits"] != float64(2) {
		t.Errorf("expected remainingCredits 2, got %v", body["remainingCredits"])
	}

	if ing.lastSOS.UserID != "user-1" {
		t.Errorf("expected userID 'user-1', got '%s'", ing.lastSOS.UserID)
	}
	if ing.lastSOS.VehicleID != "veh-1" {
		t.Errorf("expected vehicleID 'veh-1', got '%s'", ing.lastSOS.VehicleID)
	}
	if ing.lastSOS.SourceIP != "203.0.113.9" {
		t.Errorf("expected first forwarded hop, got '%s'", ing.lastSOS.SourceIP)
	}
}

func TestSOS_CreditExhausted(t *testing.T) {
	ing := &fakeIngester{sosErr: store.ErrNoCredit}
	s := newTestServer(ing, &fakeQuerier{})
	token := mintToken(t, "user-1", time.Minute)

	w := do(s, http.MethodPost, "/api/sos",
		`{"vehicleId":"veh-1","lat":44.8,"lng":20.46}`,
		map[string]string{"Authorization": "Bearer " + token})

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	body := decodeMap(t, w)
	if body["code"] != "SOS_CREDIT_EXHAUSTED" {
		t.Errorf("expected code 'SOS_CREDIT_EXHAUSTED', got %v", body["code"])
	}
}

func TestSOS_IPRateLimited(t *testing.T) {
	ing := &fakeIngester{sosErr: ingest.ErrSOSRateLimited}
	s := newTestServer(ing, &fakeQuerier{})
	token := mintToken(t, "user-1", time.Minute)

	w := do(s, http.MethodPost, "/api/sos",
		`{"vehicleId":"veh-1","lat":44.8,"lng":20.46}`,
		map[string]string{"Authorization": "Bearer " + token})

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/sos", nil)
	req.RemoteAddr = "10.1.2.3:55412"
	if got := clientIP(req); got != "10.1.2.3" {
		t.Errorf("expected '10.1.2.3', got '%s'", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	if got := clientIP(req); got != "203.0.113.9" {
		t.Errorf("expected '203.0.113.9', got '%s'", got)
	}
}

func TestHealthz_AlwaysOK(t *testing.T) {
	s := newTestServer(&fakeIngester{}, &fakeQuerier{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	s.handleHealthz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got '%s'", body["status"])
	}
}

func TestHealthz_ContentType(t *testing.T) {
	s := newTestServer(&fakeIngester{}, &fakeQuerier{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	s.handleHealthz(w, req)

	ct := w.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got '%s'", ct)
	}
}

func TestHealth_AllComponentsUp(t *testing.T) {
	s := newTestServer(&fakeIngester{}, &fakeQuerier{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	s.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeMap(t, w)
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got %v", body["status"])
	}
	components := body["components"].(map[string]any)
	for _, name := range []string{"cache", "bus", "store", "broker"} {
		if components[name] != true {
			t.Errorf("expected component %s up, got %v", name, components[name])
		}
	}
	if body["cacheBackend"] != "memory" {
		t.Errorf("expected cacheBackend 'memory', got %v", body["cacheBackend"])
	}
}

func TestHealth_DegradedWithoutStore(t *testing.T) {
	deps := Deps{
		Verifier: auth.NewVerifier(testSecret),
		DB:       &mockDBChecker{err: context.DeadlineExceeded},
		Cache:    &mockCache{},
		Bus:      &mockBus{enabled: true},
		Broker:   &mockBroker{},
	}
	s := NewServer(Config{Addr: ":0"}, deps, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	s.handleHealth(w, req)

	// Liveness stays 200; only the flags degrade.
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeMap(t, w)
	if body["status"] != "degraded" {
		t.Errorf("expected status 'degraded', got %v", body["status"])
	}
	components := body["components"].(map[string]any)
	if components["store"] != false {
		t.Errorf("expected store down, got %v", components["store"])
	}
	if components["cache"] != true {
		t.Errorf("expected cache up, got %v", components["cache"])
	}
}

func TestReadyz_NotReady_ConsumersNotJoined(t *testing.T) {
	deps := Deps{
		Verifier: auth.NewVerifier(testSecret),
		DB:       &mockDBChecker{err: context.DeadlineExceeded},
		Consumers: map[string]ConsumerStatus{
			"persist": &mockConsumer{joined: false},
			"fanout":  &mockConsumer{joined: false},
		},
	}
	s := NewServer(Config{Addr: ":0"}, deps, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}

	body := decodeMap(t, w)
	if body["status"] != "not_ready" {
		t.Errorf("expected status 'not_ready', got '%v'", body["status"])
	}

	checks := body["checks"].(map[string]any)
	if checks["kafka_persist"] != "not_joined" {
		t.Errorf("expected kafka_persist 'not_joined', got '%v'", checks["kafka_persist"])
	}
	if checks["kafka_fanout"] != "not_joined" {
		t.Errorf("expected kafka_fanout 'not_joined', got '%v'", checks["kafka_fanout"])
	}
	if checks["postgres"] != "error" {
		t.Errorf("expected postgres 'error', got '%v'", checks["postgres"])
	}
}

func TestReadyz_AllHealthy(t *testing.T) {
	deps := Deps{
		Verifier: auth.NewVerifier(testSecret),
		DB:       &mockDBChecker{},
		Consumers: map[string]ConsumerStatus{
			"persist": &mockConsumer{joined: true},
			"fanout":  &mockConsumer{joined: true},
			"alerts":  &mockConsumer{joined: true},
		},
	}
	s := NewServer(Config{Addr: ":0"}, deps, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	body := decodeMap(t, w)
	if body["status"] != "ready" {
		t.Errorf("expected status 'ready', got '%v'", body["status"])
	}

	checks := body["checks"].(map[string]any)
	if checks["postgres"] != "ok" {
		t.Errorf("expected postgres 'ok', got '%v'", checks["postgres"])
	}
	if checks["kafka_persist"] != "ok" {
		t.Errorf("expected kafka_persist 'ok', got '%v'", checks["kafka_persist"])
	}
}

func TestReadyz_NoConsumersConfigured(t *testing.T) {
	deps := Deps{
		Verifier: auth.NewVerifier(testSecret),
		DB:       &mockDBChecker{},
	}
	s := NewServer(Config{Addr: ":0"}, deps, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	// A worker-less deployment is ready on the database alone.
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}
