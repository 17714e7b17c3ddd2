package httpserver

import (
	"net/http"
	"strings"
	"time"

	"simtrade/internal/marketdata"
	"simtrade/internal/model"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const wsWriteTimeout = 10 * time.Second

// WSHandler streams snapshot refreshes to every client and settlement
// results to the order's owner.
type WSHandler struct {
	bus       *marketdata.Bus
	snapshots *marketdata.SnapshotStore
	tokens    TokenParser
	log       *zap.Logger
	upgrader  websocket.Upgrader
}

func NewWSHandler(bus *marketdata.Bus, snapshots *marketdata.SnapshotStore, tokens TokenParser, origin string, log *zap.Logger) *WSHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSHandler{
		bus:       bus,
		snapshots: snapshots,
		tokens:    tokens,
		log:       log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return allowOrigin(r, origin) },
		},
	}
}

func allowOrigin(r *http.Request, origin string) bool {
	if origin == "*" {
		return true
	}
	reqOrigin := r.Header.Get("Origin")
	if reqOrigin == "" {
		return true
	}
	// localhost and 127.0.0.1 are interchangeable in development
	if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
		if strings.Contains(reqOrigin, "localhost") || strings.Contains(reqOrigin, "127.0.0.1") {
			return true
		}
	}
	return strings.EqualFold(reqOrigin, origin)
}

// deliver reports whether evt is meant for userID.
func deliver(evt marketdata.Event, userID string) bool {
	switch evt.Type {
	case marketdata.EventSnapshots:
		return true
	case marketdata.EventSettled:
		o, ok := evt.Data.(model.BattleOrder)
		return ok && o.UserID == userID
	}
	return false
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	userID, err := h.tokens.ParseToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)

	if h.snapshots != nil {
		if err := h.write(conn, marketdata.Event{Type: marketdata.EventSnapshots, Data: h.snapshots.All()}); err != nil {
			return
		}
	}

	// the client never sends anything useful; reading only detects close
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if !deliver(evt, userID) {
				continue
			}
			if err := h.write(conn, evt); err != nil {
				h.log.Debug("ws write failed", zap.String("user_id", userID), zap.Error(err))
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *WSHandler) write(conn *websocket.Conn, evt marketdata.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(evt)
}
