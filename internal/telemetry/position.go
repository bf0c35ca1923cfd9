package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// KMPerDegree is the planar approximation used for all distance math:
// one degree of latitude or longitude is treated as 111 km. This
// over-estimates east-west distance away from the equator, which is
// acceptable for dead-zone and nearby filtering.
const KMPerDegree = 111.0

// Position is the canonical telemetry quantum: one GPS fix for one vehicle.
// Timestamp is Unix milliseconds.
type Position struct {
	VehicleID string  `json:"vehicleId"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Speed     float64 `json:"speed"`
	Heading   float64 `json:"heading"`
	Accuracy  float64 `json:"accuracy"`
	Altitude  float64 `json:"altitude"`
	Timestamp int64   `json:"timestamp"`
}

// Time returns the position timestamp as a time.Time.
func (p Position) Time() time.Time {
	return time.UnixMilli(p.Timestamp)
}

// Normalize fills defaults the wire contract allows to be absent: a zero
// timestamp becomes the receive time.
func (p *Position) Normalize(now time.Time) {
	if p.Timestamp == 0 {
		p.Timestamp = now.UnixMilli()
	}
}

// Validate checks the position against the ingest bounds and returns one
// message per offending field, all at once.
func (p Position) Validate() []string {
	var details []string
	if p.VehicleID == "" {
		details = append(details, "vehicleId: must be a non-empty string")
	}
	if p.Lat < -90 || p.Lat > 90 {
		details = append(details, fmt.Sprintf("lat: %v out of range [-90, 90]", p.Lat))
	}
	if p.Lng < -180 || p.Lng > 180 {
		details = append(details, fmt.Sprintf("lng: %v out of range [-180, 180]", p.Lng))
	}
	if p.Speed < 0 {
		details = append(details, fmt.Sprintf("speed: %v must be non-negative", p.Speed))
	}
	if p.Heading < 0 || p.Heading >= 360 {
		details = append(details, fmt.Sprintf("heading: %v out of range [0, 360)", p.Heading))
	}
	if p.Accuracy < 0 {
		details = append(details, fmt.Sprintf("accuracy: %v must be non-negative", p.Accuracy))
	}
	if p.Altitude < 0 {
		details = append(details, fmt.Sprintf("altitude: %v must be non-negative", p.Altitude))
	}
	return details
}

// Encode serializes the position to its JSON wire form, shared by the
// cache values, the log records and the socket payloads.
func (p Position) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodePosition parses the JSON wire form of a position.
func DecodePosition(data []byte) (Position, error) {
	var p Position
	if err := json.Unmarshal(data, &p); err != nil {
		return Position{}, fmt.Errorf("decode position: %w", err)
	}
	return p, nil
}

// PlanarDistanceKM computes the planar approximation
// sqrt((Δlat·111)² + (Δlng·111)²) in kilometres.
func PlanarDistanceKM(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := (lat2 - lat1) * KMPerDegree
	dLng := (lng2 - lng1) * KMPerDegree
	return math.Sqrt(dLat*dLat + dLng*dLng)
}

// MovedAtLeast reports whether (lat2, lng2) is at least minMeters away
// from (lat1, lng1) under the planar approximation.
func MovedAtLeast(lat1, lng1, lat2, lng2, minMeters float64) bool {
	return PlanarDistanceKM(lat1, lng1, lat2, lng2)*1000 >= minMeters
}
