// Package broker is the subscription broker: it owns the socket
// sessions, the room index and every push toward clients. Rooms are
// plain strings; the fan-out workers and the ingest fallback push into
// them, sessions join and leave them through subscribe ops.
package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetpulse/telemetryd/internal/ingest"
	"github.com/fleetpulse/telemetryd/internal/metrics"
	"github.com/fleetpulse/telemetryd/internal/store"
	"github.com/fleetpulse/telemetryd/internal/telemetry"
)

// RoomNearbyAll receives every batch summary, hazard alert and vehicle
// event. Every session joins it on connect.
const RoomNearbyAll = "nearby-all"

// VehicleRoom names the room carrying one vehicle's live positions.
func VehicleRoom(vehicleID string) string { return "vehicle:" + vehicleID }

// FleetRoom names the room for one fleet's sessions.
func FleetRoom(fleetID string) string { return "fleet:" + fleetID }

// LocationIngester is the subset of the ingest service driven by socket
// push:location frames. The hub is built first and the service attached
// after, since the service pushes back through the hub on fallback.
type LocationIngester interface {
	Push(ctx context.Context, pos telemetry.Position) (ingest.PushResult, error)
}

// SnapshotQuerier is the subset of the query service behind the
// subscribe:vehicle snapshot and get:nearby ops.
type SnapshotQuerier interface {
	Current(ctx context.Context, vehicleID string) (telemetry.Position, string, error)
	Nearby(ctx context.Context, lat, lng, radiusKM float64) ([]store.NearbyVehicle, error)
}

type Config struct {
	// SendBufferSize is the per-session outbound queue; a full queue
	// drops frames instead of blocking the pusher.
	SendBufferSize int
	// SweepInterval is how often empty rooms are reclaimed.
	SweepInterval time.Duration
	// NearbyRadiusKM is the get:nearby radius when the client gives none.
	NearbyRadiusKM float64
	// ClientURL, when set, is the only cross-site origin allowed to open
	// sockets.
	ClientURL string
}

// MovedEntry is one vehicle's line in a batch-moved summary.
type MovedEntry struct {
	VehicleID string  `json:"vehicleId"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Speed     float64 `json:"speed"`
	Heading   float64 `json:"heading"`
}

type membership struct {
	client *Client
	room   string
}

// Hub routes pushes to sessions. The room index is mutated only by the
// run loop; pushes read it under the read lock.
type Hub struct {
	cfg    Config
	logger *zap.Logger

	clients map[*Client]bool
	rooms   map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	joins      chan membership
	leaves     chan membership
	done       chan struct{}

	ingester LocationIngester
	querier  SnapshotQuerier

	mu sync.RWMutex
}

func NewHub(cfg Config, logger *zap.Logger) *Hub {
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 64
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.NearbyRadiusKM <= 0 {
		cfg.NearbyRadiusKM = 1
	}
	return &Hub{
		cfg:        cfg,
		logger:     logger,
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		joins:      make(chan membership),
		leaves:     make(chan membership),
		done:       make(chan struct{}),
	}
}

// SetIngester attaches the ingest service after construction.
func (h *Hub) SetIngester(in LocationIngester) { h.ingester = in }

// SetQuerier attaches the query service after construction.
func (h *Hub) SetQuerier(q SnapshotQuerier) { h.querier = q }

// Run processes session lifecycle and room membership until the context
// is cancelled, then closes every session. Enqueue helpers unblock once
// Run returns.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	sweep := time.NewTicker(h.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.register:
			h.handleRegister(c)
		case c := <-h.unregister:
			h.handleUnregister(c)
		case m := <-h.joins:
			h.handleJoin(m)
		case m := <-h.leaves:
			h.handleLeave(m)
		case <-sweep.C:
			h.sweepEmptyRooms()
		}
	}
}

func (h *Hub) enqueueRegister(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) enqueueUnregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) enqueueJoin(c *Client, room string) {
	select {
	case h.joins <- membership{client: c, room: room}:
	case <-h.done:
	}
}

func (h *Hub) enqueueLeave(c *Client, room string) {
	select {
	case h.leaves <- membership{client: c, room: room}:
	case <-h.done:
	}
}

func (h *Hub) handleRegister(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.joinLocked(c, RoomNearbyAll)
	sessions, rooms := len(h.clients), len(h.rooms)
	h.mu.Unlock()

	metrics.BrokerSessions.Set(float64(sessions))
	metrics.BrokerRooms.Set(float64(rooms))
	h.logger.Debug("session registered",
		zap.String("session", c.id),
		zap.Bool("authenticated", c.Authenticated()),
	)
}

// handleUnregister vacates the session's rooms under the lock, then
// closes the session outside it.
func (h *Hub) handleUnregister(c *Client) {
	var wasKnown bool

	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		wasKnown = true
		delete(h.clients, c)
		for room := range c.rooms {
			h.leaveLocked(c, room)
		}
	}
	sessions, rooms := len(h.clients), len(h.rooms)
	h.mu.Unlock()

	if wasKnown {
		c.Close()
		metrics.BrokerSessions.Set(float64(sessions))
		metrics.BrokerRooms.Set(float64(rooms))
		h.logger.Debug("session unregistered", zap.String("session", c.id))
	}
}

func (h *Hub) handleJoin(m membership) {
	h.mu.Lock()
	if !h.clients[m.client] {
		h.mu.Unlock()
		return
	}
	h.joinLocked(m.client, m.room)
	rooms := len(h.rooms)
	h.mu.Unlock()

	metrics.BrokerRooms.Set(float64(rooms))
}

func (h *Hub) handleLeave(m membership) {
	h.mu.Lock()
	h.leaveLocked(m.client, m.room)
	rooms := len(h.rooms)
	h.mu.Unlock()

	metrics.BrokerRooms.Set(float64(rooms))
}

func (h *Hub) joinLocked(c *Client, room string) {
	members := h.rooms[room]
	if members == nil {
		members = make(map[*Client]bool)
		h.rooms[room] = members
	}
	members[c] = true
	c.rooms[room] = true
}

func (h *Hub) leaveLocked(c *Client, room string) {
	delete(c.rooms, room)
	members := h.rooms[room]
	if members == nil {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

func (h *Hub) sweepEmptyRooms() {
	h.mu.Lock()
	var swept int
	for room, members := range h.rooms {
		if len(members) == 0 {
			delete(h.rooms, room)
			swept++
		}
	}
	rooms := len(h.rooms)
	h.mu.Unlock()

	metrics.BrokerRooms.Set(float64(rooms))
	if swept > 0 {
		h.logger.Debug("swept empty rooms", zap.Int("count", swept))
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]bool)
	h.rooms = make(map[string]map[*Client]bool)
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	metrics.BrokerSessions.Set(0)
	metrics.BrokerRooms.Set(0)
	h.logger.Info("broker closed all sessions", zap.Int("count", len(clients)))
}

// Sessions reports the number of connected sessions.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Rooms reports the number of rooms currently held.
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// InRoom reports whether the session is a member of the room.
func (h *Hub) InRoom(c *Client, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[room][c]
}

// PushToRoom delivers one event to every session in a room. A slow
// session drops the frame rather than stalling the push.
func (h *Hub) PushToRoom(room, event string, payload any) {
	data, err := json.Marshal(outMessage{Event: event, Data: payload})
	if err != nil {
		h.logger.Error("marshal push failed", zap.String("event", event), zap.Error(err))
		return
	}

	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		h.deliver(c, event, data)
	}
}

func (h *Hub) deliver(c *Client, event string, data []byte) {
	if c.SafeSend(data) {
		metrics.BrokerDeliveriesTotal.WithLabelValues(event).Inc()
	} else {
		metrics.BrokerDroppedTotal.WithLabelValues("slow_consumer").Inc()
	}
}

// sendTo marshals and delivers one event to a single session.
func (h *Hub) sendTo(c *Client, event string, payload any) {
	data, err := json.Marshal(outMessage{Event: event, Data: payload})
	if err != nil {
		h.logger.Error("marshal send failed", zap.String("event", event), zap.Error(err))
		return
	}
	h.deliver(c, event, data)
}

// PushLocation mirrors fan-out delivery for one position; the ingest
// fallback uses it when the log is down.
func (h *Hub) PushLocation(pos telemetry.Position) {
	h.PushLocations([]telemetry.Position{pos})
}

// PushLocations mirrors fan-out delivery for a set of positions:
// per-vehicle events plus one batch-moved summary for nearby-all.
func (h *Hub) PushLocations(positions []telemetry.Position) {
	if len(positions) == 0 {
		return
	}
	summary := make([]MovedEntry, 0, len(positions))
	for _, pos := range positions {
		room := VehicleRoom(pos.VehicleID)
		h.PushToRoom(room, "location", pos)
		h.PushToRoom(room, "vehicle-moved", pos)
		summary = append(summary, MovedEntry{
			VehicleID: pos.VehicleID,
			Lat:       pos.Lat,
			Lng:       pos.Lng,
			Speed:     pos.Speed,
			Heading:   pos.Heading,
		})
	}
	h.PushToRoom(RoomNearbyAll, "batch-moved", summary)
}

// PushAlert delivers a hazard report to nearby-all.
func (h *Hub) PushAlert(report telemetry.HazardReport) {
	h.PushToRoom(RoomNearbyAll, "route-alert", report)
	h.PushToRoom(RoomNearbyAll, "new-hazard", report)
}

// PushEvent delivers a vehicle event to nearby-all under the event name
// matching its kind.
func (h *Hub) PushEvent(ev telemetry.Event) {
	switch ev.Kind {
	case telemetry.EventKindSOS:
		h.PushToRoom(RoomNearbyAll, "sos-alert", ev)
	case telemetry.EventKindStatus:
		h.PushToRoom(RoomNearbyAll, "status-changed", ev)
	}
}
