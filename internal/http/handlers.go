package http

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/fleetpulse/telemetryd/internal/auth"
	"github.com/fleetpulse/telemetryd/internal/ingest"
	"github.com/fleetpulse/telemetryd/internal/store"
	"github.com/fleetpulse/telemetryd/internal/telemetry"
)

const (
	maxBodyBytes   = 1 << 20
	defaultPage    = 1
	defaultLimit   = 100
	maxHistoryRows = 1000
)

// errorEnvelope is the uniform error body. Optional fields stay absent
// when they do not apply.
type errorEnvelope struct {
	Error        string   `json:"error"`
	Code         string   `json:"code,omitempty"`
	Details      []string `json:"details,omitempty"`
	RetryAfterMS int      `json:"retryAfterMs,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, env errorEnvelope) {
	writeJSON(w, status, env)
}

// writeServiceError maps a service failure onto the envelope taxonomy.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var verr *ingest.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, errorEnvelope{
			Error:   "validation failed",
			Details: verr.Details,
		})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, errorEnvelope{Error: "not found"})
	case errors.Is(err, store.ErrNoCredit):
		writeError(w, http.StatusForbidden, errorEnvelope{
			Error: "sos credits exhausted",
			Code:  "SOS_CREDIT_EXHAUSTED",
		})
	case errors.Is(err, ingest.ErrSOSRateLimited):
		writeError(w, http.StatusTooManyRequests, errorEnvelope{
			Error: "sos limit reached for this address",
		})
	case errors.Is(err, store.ErrDuplicate):
		writeError(w, http.StatusConflict, errorEnvelope{Error: "duplicate submission"})
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errorEnvelope{Error: "internal error"})
	}
}

func (s *Server) writeAuthError(w http.ResponseWriter, err error) {
	if errors.Is(err, auth.ErrTokenExpired) {
		writeError(w, http.StatusUnauthorized, errorEnvelope{
			Error: "token expired",
			Code:  "TOKEN_EXPIRED",
		})
		return
	}
	writeError(w, http.StatusUnauthorized, errorEnvelope{Error: "authentication required"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, errorEnvelope{Error: "invalid JSON body"})
		return false
	}
	return true
}

type pushResponse struct {
	Accepted   bool   `json:"accepted"`
	Reason     string `json:"reason,omitempty"`
	NextPingMS int    `json:"nextPingMs"`
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var pos telemetry.Position
	if !decodeBody(w, r, &pos) {
		return
	}
	pos.VehicleID = mux.Vars(r)["id"]

	result, err := s.deps.Ingester.Push(r.Context(), pos)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if result.Throttled {
		writeError(w, http.StatusTooManyRequests, errorEnvelope{
			Error:        "too many location updates",
			RetryAfterMS: result.RetryAfterMS,
		})
		return
	}

	resp := pushResponse{Accepted: true, NextPingMS: result.NextPingMS}
	if result.NoMovement {
		resp.Reason = "no_movement"
	}
	writeJSON(w, http.StatusOK, resp)
}

type batchRequest struct {
	Updates []telemetry.Position `json:"updates"`
}

func (s *Server) handleBatchPush(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.deps.Ingester.PushBatch(r.Context(), req.Updates)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if result.RejectedIDs == nil {
		result.RejectedIDs = []string{}
	}
	writeJSON(w, http.StatusOK, result)
}

type currentResponse struct {
	telemetry.Position
	Source string `json:"_source"`
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	pos, source, err := s.deps.Querier.Current(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, currentResponse{Position: pos, Source: source})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var details []string

	page := defaultPage
	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			details = append(details, "page: must be a positive integer")
		} else {
			page = n
		}
	}
	limit := defaultLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			details = append(details, "limit: must be a positive integer")
		} else if n > maxHistoryRows {
			limit = maxHistoryRows
		} else {
			limit = n
		}
	}
	var from, to time.Time
	if raw := q.Get("from"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			details = append(details, "from: must be unix milliseconds")
		} else {
			from = time.UnixMilli(ms)
		}
	}
	if raw := q.Get("to"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			details = append(details, "to: must be unix milliseconds")
		} else {
			to = time.UnixMilli(ms)
		}
	}
	if len(details) > 0 {
		writeError(w, http.StatusBadRequest, errorEnvelope{Error: "validation failed", Details: details})
		return
	}

	positions, err := s.deps.Querier.History(r.Context(), mux.Vars(r)["id"], from, to, page, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if positions == nil {
		positions = []telemetry.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var details []string

	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil {
		details = append(details, "lat: must be a number")
	} else if lat < -90 || lat > 90 {
		details = append(details, "lat: out of range [-90, 90]")
	}
	lng, err := strconv.ParseFloat(q.Get("lng"), 64)
	if err != nil {
		details = append(details, "lng: must be a number")
	} else if lng < -180 || lng > 180 {
		details = append(details, "lng: out of range [-180, 180]")
	}
	var radius float64
	if raw := q.Get("radius"); raw != "" {
		radius, err = strconv.ParseFloat(raw, 64)
		if err != nil || radius < 0 {
			details = append(details, "radius: must be a non-negative number")
		}
	}
	if len(details) > 0 {
		writeError(w, http.StatusBadRequest, errorEnvelope{Error: "validation failed", Details: details})
		return
	}

	vehicles, err := s.deps.Querier.Nearby(r.Context(), lat, lng, radius)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if vehicles == nil {
		vehicles = []store.NearbyVehicle{}
	}
	writeJSON(w, http.StatusOK, vehicles)
}

func (s *Server) handleSubmitReport(w http.ResponseWriter, r *http.Request) {
	var report telemetry.HazardReport
	if !decodeBody(w, r, &report) {
		return
	}

	// Reports are open to anonymous callers; a valid token only
	// attributes the submission.
	if ident, err := s.deps.Verifier.VerifyRequest(r); err == nil {
		report.ReportedBy = ident.UserID
	}

	stored, err := s.deps.Ingester.SubmitReport(r.Context(), report)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

type sosRequest struct {
	VehicleID string  `json:"vehicleId"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
}

func (s *Server) handleSOS(w http.ResponseWriter, r *http.Request) {
	ident, err := s.deps.Verifier.VerifyRequest(r)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}

	var req sosRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.deps.Ingester.TriggerSOS(r.Context(), ingest.SOSRequest{
		UserID:    ident.UserID,
		VehicleID: req.VehicleID,
		Lat:       req.Lat,
		Lng:       req.Lng,
		SourceIP:  clientIP(r),
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// clientIP resolves the caller address, trusting the first forwarded
// hop when a proxy sits in front.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
