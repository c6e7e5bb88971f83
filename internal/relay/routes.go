package relay

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/BioHazard786/warpmesh/internal/version"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  maxMessageSize,
	WriteBufferSize: maxMessageSize,

	// Rooms are addressed by topic name, not by origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWs returns an http.HandlerFunc that upgrades requests and attaches
// them to hub.
func ServeWs(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.logger.Warn("failed to upgrade connection", "error", err)
			return
		}
		hub.accepted.Add(1)

		client := newClient(hub, conn)
		select {
		case hub.Register <- client:
		case <-hub.quit:
			conn.Close()
			return
		}

		go client.WritePump()
		go client.ReadPump()
	}
}

// NewRouter mounts the relay endpoints.
func NewRouter(hub *Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", ServeWs(hub))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok " + version.Version))
	})
	return r
}
