package telemetry

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event kinds carried on the vehicle-events topic.
const (
	EventKindSOS    = "sos"
	EventKindStatus = "status"
	EventKindReport = "report"
)

// Event is the envelope for non-positional records on the vehicle-events
// topic. Payload is opaque to the bus and the fan-out path.
type Event struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	VehicleID string          `json:"vehicleId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Encode serializes the event to its JSON wire form.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses the JSON wire form of an event.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.Kind == "" {
		return Event{}, fmt.Errorf("decode event: missing kind")
	}
	return e, nil
}

// Hazard kinds accepted from report submissions.
var hazardKinds = map[string]bool{
	"accident":     true,
	"traffic":      true,
	"construction": true,
	"pothole":      true,
	"harassment":   true,
	"flooding":     true,
	"other":        true,
}

// Hazard severities, least to most urgent.
var hazardSeverities = map[string]bool{
	"low":      true,
	"medium":   true,
	"high":     true,
	"critical": true,
}

// DefaultHazardTTL is how long a hazard report stays active when the
// submitter gives no explicit expiry.
const DefaultHazardTTL = 6 * time.Hour

// HazardReport is a geotagged advisory broadcast on the route-alerts topic
// and persisted until it expires.
type HazardReport struct {
	ID          string  `json:"id"`
	Kind        string  `json:"kind"`
	Severity    string  `json:"severity"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	Description string  `json:"description,omitempty"`
	ReportedBy  string  `json:"reportedBy,omitempty"`
	CreatedAt   int64   `json:"createdAt"`
	ExpiresAt   int64   `json:"expiresAt"`
}

// Validate checks the report fields and returns one message per offending
// field. An empty severity defaults to "medium" before validation.
func (h *HazardReport) Validate() []string {
	var details []string
	if !hazardKinds[h.Kind] {
		details = append(details, fmt.Sprintf("kind: %q is not a known hazard kind", h.Kind))
	}
	if h.Severity == "" {
		h.Severity = "medium"
	}
	if !hazardSeverities[h.Severity] {
		details = append(details, fmt.Sprintf("severity: %q is not a known severity", h.Severity))
	}
	if h.Lat < -90 || h.Lat > 90 {
		details = append(details, fmt.Sprintf("lat: %v out of range [-90, 90]", h.Lat))
	}
	if h.Lng < -180 || h.Lng > 180 {
		details = append(details, fmt.Sprintf("lng: %v out of range [-180, 180]", h.Lng))
	}
	return details
}

// Encode serializes the report to its JSON wire form.
func (h HazardReport) Encode() ([]byte, error) {
	return json.Marshal(h)
}

// DecodeHazardReport parses the JSON wire form of a hazard report.
func DecodeHazardReport(data []byte) (HazardReport, error) {
	var h HazardReport
	if err := json.Unmarshal(data, &h); err != nil {
		return HazardReport{}, fmt.Errorf("decode hazard report: %w", err)
	}
	return h, nil
}
