// Package pingecho implements the dedicated ping listener (spec.md §4.A):
// an empty GET /ping and a verbatim WebSocket frame echo, isolated on its
// own port so accept-queue or worker pressure on the bulk path never skews
// a latency sample. Grounded on the read/write pump split demonstrated by
// the pack's gorilla/websocket server handlers, simplified to a pure echo
// with no downstream channel.
package pingecho

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 30 * time.Second
	pingPeriod     = (pongWait * 8) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler serves both the empty-200 ping and the WebSocket echo on the same
// path.
type Handler struct {
	logger *slog.Logger
}

// NewHandler builds a ping handler.
func NewHandler(logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger}
}

// ServeHTTP answers a plain GET with an empty 200, or upgrades to a
// WebSocket echo connection when the request carries upgrade headers.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		h.serveEcho(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// serveEcho upgrades the connection and echoes every frame verbatim with no
// queuing: a single goroutine reads a frame and immediately writes it back,
// so there is no intermediate channel to add scheduling delay.
func (h *Handler) serveEcho(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ping upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	var writeMu sync.Mutex
	done := make(chan struct{})
	defer close(done)
	go h.keepalive(conn, &writeMu, done)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		err = conn.WriteMessage(kind, data)
		writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// keepalive sends a transport-level ping on a fixed cadence; writeMu
// serializes it against the echo loop's writes since gorilla/websocket
// forbids concurrent writers on one connection. Exits when done is closed
// or a write fails (connection already gone).
func (h *Handler) keepalive(conn *websocket.Conn, writeMu *sync.Mutex, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
