package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fleetpulse/telemetryd/internal/ingest"
	"github.com/fleetpulse/telemetryd/internal/store"
	"github.com/fleetpulse/telemetryd/internal/telemetry"
)

// opTimeout bounds the store and pipeline work behind a single socket op.
const opTimeout = 2 * time.Second

// wireMessage is the client→server frame.
type wireMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// outMessage is the server→client frame.
type outMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type errorPayload struct {
	Error        string `json:"error"`
	Code         string `json:"code,omitempty"`
	RetryAfterMS int    `json:"retryAfterMs,omitempty"`
}

type vehicleRef struct {
	VehicleID string `json:"vehicleId"`
}

type fleetRef struct {
	FleetID string `json:"fleetId"`
}

type nearbyQuery struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	RadiusKM float64 `json:"radiusKm"`
}

// handleClientMessage dispatches one inbound frame. Malformed frames
// and unknown events are dropped; op failures go back as error frames.
func (h *Hub) handleClientMessage(c *Client, data []byte) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Debug("unparseable frame", zap.String("session", c.id), zap.Error(err))
		return
	}

	switch msg.Event {
	case "subscribe:vehicle":
		h.opSubscribeVehicle(c, msg.Data)
	case "unsubscribe:vehicle":
		h.opUnsubscribeVehicle(c, msg.Data)
	case "subscribe:fleet":
		h.opSubscribeFleet(c, msg.Data)
	case "push:location":
		h.opPushLocation(c, msg.Data)
	case "get:nearby":
		h.opGetNearby(c, msg.Data)
	default:
		h.logger.Debug("unknown op",
			zap.String("session", c.id),
			zap.String("event", msg.Event),
		)
	}
}

// opSubscribeVehicle joins the vehicle room and replies with the
// current position when one is known.
func (h *Hub) opSubscribeVehicle(c *Client, data json.RawMessage) {
	var ref vehicleRef
	if err := json.Unmarshal(data, &ref); err != nil || ref.VehicleID == "" {
		h.sendError(c, "vehicleId required", "VALIDATION", 0)
		return
	}
	h.enqueueJoin(c, VehicleRoom(ref.VehicleID))

	if h.querier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	pos, _, err := h.querier.Current(ctx, ref.VehicleID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.logger.Warn("snapshot lookup failed",
				zap.String("vehicle_id", ref.VehicleID),
				zap.Error(err),
			)
		}
		return
	}
	h.sendTo(c, "location", pos)
}

func (h *Hub) opUnsubscribeVehicle(c *Client, data json.RawMessage) {
	var ref vehicleRef
	if err := json.Unmarshal(data, &ref); err != nil || ref.VehicleID == "" {
		return
	}
	h.enqueueLeave(c, VehicleRoom(ref.VehicleID))
}

func (h *Hub) opSubscribeFleet(c *Client, data json.RawMessage) {
	var ref fleetRef
	if err := json.Unmarshal(data, &ref); err != nil || ref.FleetID == "" {
		h.sendError(c, "fleetId required", "VALIDATION", 0)
		return
	}
	h.enqueueJoin(c, FleetRoom(ref.FleetID))
}

// opPushLocation runs an inbound position through the same pipeline as
// the HTTP single push. Anonymous sessions are rejected.
func (h *Hub) opPushLocation(c *Client, data json.RawMessage) {
	if !c.Authenticated() {
		h.sendError(c, "authentication required", "UNAUTHENTICATED", 0)
		return
	}
	if h.ingester == nil {
		h.sendError(c, "ingest unavailable", "INTERNAL", 0)
		return
	}

	var pos telemetry.Position
	if err := json.Unmarshal(data, &pos); err != nil {
		h.sendError(c, "unparseable position", "VALIDATION", 0)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	result, err := h.ingester.Push(ctx, pos)
	if err != nil {
		var verr *ingest.ValidationError
		if errors.As(err, &verr) {
			h.sendError(c, verr.Error(), "VALIDATION", 0)
			return
		}
		h.logger.Warn("socket push failed",
			zap.String("session", c.id),
			zap.String("vehicle_id", pos.VehicleID),
			zap.Error(err),
		)
		h.sendError(c, "push failed", "INTERNAL", 0)
		return
	}
	if result.Throttled {
		h.sendError(c, "too many updates", "THROTTLED", result.RetryAfterMS)
	}
}

// opGetNearby replies with the public vehicles around a point.
func (h *Hub) opGetNearby(c *Client, data json.RawMessage) {
	var q nearbyQuery
	if err := json.Unmarshal(data, &q); err != nil {
		h.sendError(c, "unparseable query", "VALIDATION", 0)
		return
	}
	if q.Lat < -90 || q.Lat > 90 || q.Lng < -180 || q.Lng > 180 {
		h.sendError(c, "coordinates out of range", "VALIDATION", 0)
		return
	}
	if h.querier == nil {
		h.sendError(c, "query unavailable", "INTERNAL", 0)
		return
	}
	if q.RadiusKM <= 0 {
		q.RadiusKM = h.cfg.NearbyRadiusKM
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	vehicles, err := h.querier.Nearby(ctx, q.Lat, q.Lng, q.RadiusKM)
	if err != nil {
		h.logger.Warn("nearby lookup failed", zap.String("session", c.id), zap.Error(err))
		h.sendError(c, "nearby lookup failed", "INTERNAL", 0)
		return
	}
	if vehicles == nil {
		vehicles = []store.NearbyVehicle{}
	}
	h.sendTo(c, "nearby:snapshot", vehicles)
}

func (h *Hub) sendError(c *Client, msg, code string, retryAfterMS int) {
	h.sendTo(c, "error", errorPayload{Error: msg, Code: code, RetryAfterMS: retryAfterMS})
}
