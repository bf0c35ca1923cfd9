// Package ingest implements the ingress pipeline: validate, gate, cache,
// publish to the event log, with a direct-write fallback that keeps
// accepting data while the log is unavailable.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetpulse/telemetryd/internal/cache"
	"github.com/fleetpulse/telemetryd/internal/gate"
	"github.com/fleetpulse/telemetryd/internal/metrics"
	"github.com/fleetpulse/telemetryd/internal/store"
	"github.com/fleetpulse/telemetryd/internal/telemetry"
)

// ErrSOSRateLimited rejects an SOS trigger whose source address already
// hit the 24 h cap.
var ErrSOSRateLimited = errors.New("ingest: sos rate limited for source address")

const (
	maxRejectedIDs = 10
	sosIPWindow    = 24 * time.Hour
)

// ValidationError carries every offending field of a rejected payload.
type ValidationError struct {
	Details []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Details, "; ")
}

// Publisher is the slice of the bus the service publishes through.
type Publisher interface {
	Enabled() bool
	PublishLocation(ctx context.Context, pos telemetry.Position) bool
	PublishLocations(ctx context.Context, positions []telemetry.Position) bool
	PublishEvent(ctx context.Context, ev telemetry.Event) bool
	PublishAlert(ctx context.Context, report telemetry.HazardReport) bool
}

// Store is the slice of the relational store the ingress paths write.
type Store interface {
	InsertPosition(ctx context.Context, pos telemetry.Position) error
	InsertPositions(ctx context.Context, positions []telemetry.Position) (int64, error)
	MarkVehiclesActive(ctx context.Context, vehicleIDs []string) (int64, error)
	InsertReport(ctx context.Context, r telemetry.HazardReport) error
	InsertSOSEvent(ctx context.Context, ev store.SOSEvent) error
	DebitSOSCredit(ctx context.Context, userID string) (int, error)
	CountSOSFromIP(ctx context.Context, ip string, since time.Time) (int, error)
}

// LivePusher mirrors fan-out delivery when a record bypasses the log.
// Nil disables inline pushes.
type LivePusher interface {
	PushLocation(pos telemetry.Position)
	PushLocations(positions []telemetry.Position)
	PushAlert(report telemetry.HazardReport)
	PushEvent(ev telemetry.Event)
}

type Config struct {
	BatchMax   int
	SOSIPLimit int
}

type Service struct {
	cache     cache.Cache
	gate      *gate.Gate
	publisher Publisher
	store     Store
	live      LivePusher
	cfg       Config
	logger    *zap.Logger
}

func New(c cache.Cache, g *gate.Gate, pub Publisher, st Store, live LivePusher, cfg Config, logger *zap.Logger) *Service {
	return &Service{
		cache:     c,
		gate:      g,
		publisher: pub,
		store:     st,
		live:      live,
		cfg:       cfg,
		logger:    logger,
	}
}

// PushResult reports how a single ping was handled and the client advice
// attached to it.
type PushResult struct {
	Accepted     bool
	NoMovement   bool
	Throttled    bool
	Direct       bool
	RetryAfterMS int
	NextPingMS   int
}

// Push runs one position through the full pipeline: normalize, validate,
// gate, cache, publish. A failed publish falls through to a direct store
// write plus an inline broker push; if that write fails too, the error
// surfaces so the client knows the record was lost.
func (s *Service) Push(ctx context.Context, pos telemetry.Position) (PushResult, error) {
	pos.Normalize(time.Now())
	if details := pos.Validate(); len(details) > 0 {
		metrics.IngestTotal.WithLabelValues("single", "invalid").Inc()
		return PushResult{}, &ValidationError{Details: details}
	}

	decision := s.gate.Check(ctx, pos.VehicleID, pos.Lat, pos.Lng)
	switch decision.Result {
	case gate.ResultThrottled:
		metrics.IngestTotal.WithLabelValues("single", "throttled").Inc()
		return PushResult{Throttled: true, RetryAfterMS: decision.RetryAfterMS}, nil
	case gate.ResultNoMotion:
		metrics.IngestTotal.WithLabelValues("single", "no_movement").Inc()
		return PushResult{Accepted: true, NoMovement: true, NextPingMS: decision.NextPingMS}, nil
	}

	// Cache writes fail silent: a cold entry only costs a history lookup.
	if err := s.cache.Put(ctx, pos); err != nil {
		s.logger.Warn("cache put failed",
			zap.String("vehicle_id", pos.VehicleID),
			zap.Error(err),
		)
	}

	if s.publisher.PublishLocation(ctx, pos) {
		metrics.IngestTotal.WithLabelValues("single", "published").Inc()
		return PushResult{Accepted: true, NextPingMS: decision.NextPingMS}, nil
	}

	if err := s.directWriteOne(ctx, pos); err != nil {
		metrics.IngestTotal.WithLabelValues("single", "failed").Inc()
		metrics.DirectWritesTotal.WithLabelValues("single", "error").Inc()
		return PushResult{}, fmt.Errorf("direct write: %w", err)
	}
	metrics.IngestTotal.WithLabelValues("single", "direct").Inc()
	metrics.DirectWritesTotal.WithLabelValues("single", "ok").Inc()
	return PushResult{Accepted: true, Direct: true, NextPingMS: decision.NextPingMS}, nil
}

func (s *Service) directWriteOne(ctx context.Context, pos telemetry.Position) error {
	if err := s.store.InsertPosition(ctx, pos); err != nil {
		return err
	}
	if _, err := s.store.MarkVehiclesActive(ctx, []string{pos.VehicleID}); err != nil {
		return err
	}
	if s.live != nil {
		s.live.PushLocation(pos)
	}
	return nil
}

// BatchResult classifies a bulk push. RejectedIDs names at most the first
// ten offenders.
type BatchResult struct {
	Processed   int      `json:"processed"`
	Rejected    int      `json:"rejected"`
	RejectedIDs []string `json:"rejectedIds"`
}

// PushBatch ingests up to BatchMax positions in one call. Elements are
// validated independently; valid ones proceed through cache and a single
// multi-record publish, invalid ones are only counted. The batch path is
// for trusted bulk feeds and skips the per-vehicle gate.
func (s *Service) PushBatch(ctx context.Context, positions []telemetry.Position) (BatchResult, error) {
	if len(positions) == 0 {
		return BatchResult{}, &ValidationError{Details: []string{"batch: must contain at least one position"}}
	}
	if len(positions) > s.cfg.BatchMax {
		return BatchResult{}, &ValidationError{
			Details: []string{fmt.Sprintf("batch: %d positions exceeds limit %d", len(positions), s.cfg.BatchMax)},
		}
	}

	now := time.Now()
	valid := make([]telemetry.Position, 0, len(positions))
	var rejected int
	var rejectedIDs []string
	for i := range positions {
		pos := positions[i]
		pos.Normalize(now)
		if details := pos.Validate(); len(details) > 0 {
			rejected++
			if len(rejectedIDs) < maxRejectedIDs {
				id := pos.VehicleID
				if id == "" {
					id = fmt.Sprintf("index %d", i)
				}
				rejectedIDs = append(rejectedIDs, id)
			}
			continue
		}
		valid = append(valid, pos)
	}

	if len(valid) == 0 {
		metrics.IngestTotal.WithLabelValues("batch", "invalid").Inc()
		return BatchResult{Rejected: rejected, RejectedIDs: rejectedIDs}, nil
	}

	if err := s.cache.PutBatch(ctx, valid); err != nil {
		s.logger.Warn("cache put batch failed",
			zap.Int("positions", len(valid)),
			zap.Error(err),
		)
	}

	if s.publisher.PublishLocations(ctx, valid) {
		metrics.IngestTotal.WithLabelValues("batch", "published").Inc()
		return BatchResult{Processed: len(valid), Rejected: rejected, RejectedIDs: rejectedIDs}, nil
	}

	if err := s.directWriteMany(ctx, valid); err != nil {
		metrics.IngestTotal.WithLabelValues("batch", "failed").Inc()
		metrics.DirectWritesTotal.WithLabelValues("batch", "error").Inc()
		return BatchResult{}, fmt.Errorf("bulk direct write: %w", err)
	}
	metrics.IngestTotal.WithLabelValues("batch", "direct").Inc()
	metrics.DirectWritesTotal.WithLabelValues("batch", "ok").Inc()
	return BatchResult{Processed: len(valid), Rejected: rejected, RejectedIDs: rejectedIDs}, nil
}

func (s *Service) directWriteMany(ctx context.Context, positions []telemetry.Position) error {
	inserted, err := s.store.InsertPositions(ctx, positions)
	if err != nil {
		return err
	}
	if dedup := int64(len(positions)) - inserted; dedup > 0 {
		metrics.DedupConflictsTotal.WithLabelValues("positions").Add(float64(dedup))
	}

	ids := make([]string, 0, len(positions))
	seen := make(map[string]bool, len(positions))
	for _, pos := range positions {
		if !seen[pos.VehicleID] {
			seen[pos.VehicleID] = true
			ids = append(ids, pos.VehicleID)
		}
	}
	if _, err := s.store.MarkVehiclesActive(ctx, ids); err != nil {
		return err
	}
	if s.live != nil {
		s.live.PushLocations(positions)
	}
	return nil
}

// SubmitReport validates and persists a hazard report, broadcasts it on
// the alerts topic, and returns the stored report with its assigned id.
func (s *Service) SubmitReport(ctx context.Context, report telemetry.HazardReport) (telemetry.HazardReport, error) {
	if details := report.Validate(); len(details) > 0 {
		return telemetry.HazardReport{}, &ValidationError{Details: details}
	}

	now := time.Now()
	report.ID = uuid.NewString()
	report.CreatedAt = now.UnixMilli()
	if report.ExpiresAt <= report.CreatedAt {
		report.ExpiresAt = now.Add(telemetry.DefaultHazardTTL).UnixMilli()
	}

	if err := s.store.InsertReport(ctx, report); err != nil {
		return telemetry.HazardReport{}, fmt.Errorf("persist report: %w", err)
	}

	if !s.publisher.PublishAlert(ctx, report) {
		s.logger.Debug("alert publish unavailable, pushing inline", zap.String("report_id", report.ID))
		if s.live != nil {
			s.live.PushAlert(report)
		}
	}
	return report, nil
}

// SOSRequest is one emergency trigger from an authenticated caller.
type SOSRequest struct {
	UserID    string
	VehicleID string
	Lat       float64
	Lng       float64
	SourceIP  string
}

// SOSResult acknowledges a trigger.
type SOSResult struct {
	EventID          string `json:"eventId"`
	RemainingCredits int    `json:"remainingCredits"`
}

// TriggerSOS applies the per-IP cap, spends one user credit, records the
// event and broadcasts it. The IP cap runs before the debit so a capped
// address cannot drain credits.
func (s *Service) TriggerSOS(ctx context.Context, req SOSRequest) (SOSResult, error) {
	var details []string
	if req.Lat < -90 || req.Lat > 90 {
		details = append(details, fmt.Sprintf("lat: %v out of range [-90, 90]", req.Lat))
	}
	if req.Lng < -180 || req.Lng > 180 {
		details = append(details, fmt.Sprintf("lng: %v out of range [-180, 180]", req.Lng))
	}
	if len(details) > 0 {
		return SOSResult{}, &ValidationError{Details: details}
	}

	if req.SourceIP != "" {
		n, err := s.store.CountSOSFromIP(ctx, req.SourceIP, time.Now().Add(-sosIPWindow))
		if err != nil {
			return SOSResult{}, fmt.Errorf("count sos from ip: %w", err)
		}
		if n >= s.cfg.SOSIPLimit {
			metrics.SOSTotal.WithLabelValues("ip_limited").Inc()
			return SOSResult{}, ErrSOSRateLimited
		}
	}

	remaining, err := s.store.DebitSOSCredit(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNoCredit) {
			metrics.SOSTotal.WithLabelValues("exhausted").Inc()
			return SOSResult{}, err
		}
		return SOSResult{}, fmt.Errorf("debit sos credit: %w", err)
	}

	ev := store.SOSEvent{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		VehicleID: req.VehicleID,
		Lat:       req.Lat,
		Lng:       req.Lng,
		SourceIP:  req.SourceIP,
		CreatedAt: time.Now(),
	}
	if err := s.store.InsertSOSEvent(ctx, ev); err != nil {
		return SOSResult{}, fmt.Errorf("persist sos event: %w", err)
	}

	payload, err := json.Marshal(struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	}{req.Lat, req.Lng})
	if err != nil {
		return SOSResult{}, fmt.Errorf("marshal sos payload: %w", err)
	}
	busEvent := telemetry.Event{
		ID:        ev.ID,
		Kind:      telemetry.EventKindSOS,
		VehicleID: req.VehicleID,
		UserID:    req.UserID,
		Payload:   payload,
		Timestamp: ev.CreatedAt.UnixMilli(),
	}
	if !s.publisher.PublishEvent(ctx, busEvent) {
		s.logger.Debug("sos publish unavailable, pushing inline", zap.String("event_id", ev.ID))
		if s.live != nil {
			s.live.PushEvent(busEvent)
		}
	}

	metrics.SOSTotal.WithLabelValues("triggered").Inc()
	s.logger.Info("sos triggered",
		zap.String("event_id", ev.ID),
		zap.String("user_id", req.UserID),
		zap.Int("remaining_credits", remaining),
	)
	return SOSResult{EventID: ev.ID, RemainingCredits: remaining}, nil
}
