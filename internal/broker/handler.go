package broker

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fleetpulse/telemetryd/internal/auth"
)

// ServeWS upgrades the request and hands the session to the hub. A
// valid bearer token authenticates the session; an absent or invalid
// one downgrades it to anonymous instead of rejecting the handshake.
func (h *Hub) ServeWS(verifier *auth.Verifier) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var userID string
		ident, err := verifier.VerifyRequest(r)
		switch {
		case err == nil:
			userID = ident.UserID
		case errors.Is(err, auth.ErrNoToken):
		default:
			h.logger.Debug("socket token rejected", zap.Error(err))
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Debug("upgrade failed", zap.Error(err))
			return
		}

		c := &Client{
			id:     uuid.NewString(),
			userID: userID,
			conn:   conn,
			send:   make(chan []byte, h.cfg.SendBufferSize),
			hub:    h,
			rooms:  make(map[string]bool),
		}
		h.enqueueRegister(c)

		go c.writePump()
		go c.readPump()
	}
}

// checkOrigin admits same-host requests and, when configured, the
// client application's origin. Requests without an Origin header are
// not browsers and pass.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	if h.cfg.ClientURL == "" {
		return true
	}
	allowed, err := url.Parse(h.cfg.ClientURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, allowed.Scheme) && strings.EqualFold(u.Host, allowed.Host)
}
