package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"sitewatch/map-go/internal/controller"
	"sitewatch/map-go/internal/pushbus"
)

const (
	streamBuffer     = 32
	streamPingPeriod = 30 * time.Second
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 2 * streamPingPeriod
)

type streamFrame struct {
	Type     string              `json:"type"`
	Change   json.RawMessage     `json:"change,omitempty"`
	Snapshot controller.Snapshot `json:"snapshot"`
}

// handleStream upgrades to a websocket and pushes the view snapshot after every change notification.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	c, ok := h.viewFor(w, r)
	if !ok {
		return
	}
	if h.bus == nil {
		h.writeError(w, http.StatusServiceUnavailable, "stream_unavailable", "push bus not configured", nil)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	notes := make(chan json.RawMessage, streamBuffer)
	sub := h.bus.Subscribe(pushbus.ViewTopic(string(c.View())), func(msg pushbus.Message) {
		select {
		case notes <- json.RawMessage(msg.Payload):
		default:
			// Slow client; the next frame carries a full snapshot anyway.
		}
	})
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	write := func(f streamFrame) error {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		return conn.WriteJSON(f)
	}

	if err := write(streamFrame{Type: "snapshot", Snapshot: c.Snapshot()}); err != nil {
		return
	}

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case note := <-notes:
			if err := write(streamFrame{Type: "change", Change: note, Snapshot: c.Snapshot()}); err != nil {
				h.log.Debug().Err(err).Str("view", string(c.View())).Msg("stream write failed")
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
