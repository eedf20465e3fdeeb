// Package signal streams engine events to clients over websockets. Each
// connection gets its own bus subscription, so a slow client coalesces
// telemetry without affecting anyone else.
package signal

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"kizuna/internal/engine/eventbus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

// EventFeed upgrades HTTP requests and pushes bus events as JSON frames.
type EventFeed struct {
	bus      *eventbus.Bus
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader
}

// NewEventFeed builds the feed. checkOrigin nil allows all origins, which
// suits the loopback control surface this serves.
func NewEventFeed(bus *eventbus.Bus, log *zap.SugaredLogger, checkOrigin func(*http.Request) bool) *EventFeed {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &EventFeed{
		bus: bus,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ServeHTTP upgrades and streams until the client goes away.
func (f *EventFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warnw("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := f.bus.Subscribe()
	defer unsubscribe()

	// Reader: only control frames matter, but the pump must run for pongs
	// and close handling.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
