package ws

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/devlinpx/browserflow/internal/orchestrator"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler upgrades HTTP connections to WebSocket sessions bound to a
// single shared Orchestrator.
type Handler struct {
	orc *orchestrator.Orchestrator
	log *slog.Logger
}

// NewHandler builds a Handler serving orc over WebSocket connections.
func NewHandler(orc *orchestrator.Orchestrator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{orc: orc, log: log}
}

// ServeHTTP upgrades the request and runs the session until the
// connection closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sess := NewSession(conn, h.orc, h.log)
	sess.Run(r.Context())
}
