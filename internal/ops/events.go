package ops

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/amerfu/spendgate/pkg/events"
)

const (
	eventBuffer = 256
	pingPeriod  = 30 * time.Second
	writeWait   = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:    4096,
	WriteBufferSize:   4096,
	HandshakeTimeout:  45 * time.Second,
	EnableCompression: true,
	CheckOrigin: func(r *http.Request) bool {
		// Read-only stream on a loopback-bound server.
		return true
	},
}

// Events upgrades to a websocket and relays bus events as JSON. An
// optional ?types=a,b,c query narrows the stream. Events arriving
// faster than the client drains them are dropped, never queued
// unbounded: the bus delivers synchronously on the pipeline's
// goroutine and must not be stalled by a slow spectator.
func (h *handlers) Events(w http.ResponseWriter, r *http.Request) {
	filter := parseTypeFilter(r.URL.Query().Get("types"))
	connID := uuid.New().String()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("event stream upgrade failed",
			zap.String("conn_id", connID),
			zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("event stream connected",
		zap.String("conn_id", connID),
		zap.String("remote", r.RemoteAddr),
		zap.Int("type_filter", len(filter)))

	ch := make(chan events.Event, eventBuffer)
	unsubscribe := h.mw.Bus().SubscribeAll(func(evt events.Event) {
		if len(filter) > 0 && !filter[evt.Type] {
			return
		}
		select {
		case ch <- evt:
		default:
		}
	})
	defer unsubscribe()

	// Reads are discarded; the pump exists to notice the peer going
	// away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			h.logger.Debug("event stream closed by client", zap.String("conn_id", connID))
			return
		case <-r.Context().Done():
			return
		case evt := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.logger.Debug("event stream write failed",
						zap.String("conn_id", connID),
						zap.Error(err))
				}
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func parseTypeFilter(raw string) map[events.Type]bool {
	if raw == "" {
		return nil
	}
	filter := make(map[events.Type]bool)
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			filter[events.Type(part)] = true
		}
	}
	return filter
}
