package monitor

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/zjrosen/hivemux/internal/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The feed is read-only telemetry for a local UI.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeWS upgrades the request to a WebSocket and streams feed events as
// JSON frames until the client disconnects or falls behind. An optional
// repeated `type` query parameter filters event types.
func (f *Feed) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.ErrorErr(log.CatMonitor, "websocket upgrade failed", err)
		return
	}
	defer conn.Close()

	var types []EventType
	for _, t := range r.URL.Query()["type"] {
		types = append(types, EventType(t))
	}

	// Reads are discarded; their only purpose is detecting disconnects.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	log.SafeGo("monitor-ws-reader", func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	log.Debug(log.CatMonitor, "websocket subscriber connected", "remote", r.RemoteAddr)
	for ev := range f.Subscribe(ctx, types...) {
		if err := conn.WriteJSON(ev); err != nil {
			log.Debug(log.CatMonitor, "websocket subscriber gone", "remote", r.RemoteAddr)
			return
		}
	}
}
