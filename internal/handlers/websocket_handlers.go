package handlers

import (
	"log"
	"net/http"

	ws "github.com/gorilla/websocket"

	"github.com/punitmishra/chai.im/internal/auth"
	"github.com/punitmishra/chai.im/internal/relay"
)

var upgrader = ws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Token auth happens before the upgrade; cross-origin browser clients
	// are expected.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WebSocket authenticates the ?token= query parameter against the sessions
// table and hands the connection to the hub. Auth failures refuse the
// upgrade before any frame is exchanged.
func WebSocket(hub *relay.Hub, authService *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		session, err := authService.Authenticate(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[ws] upgrade failed: %v", err)
			return
		}

		client := relay.NewClient(hub, conn, session.UserID, session.DeviceID)
		// The writer must be draining before Register replays undelivered
		// messages into the bounded queue; the read pump starts last so no
		// inbound frame is processed before the replay is queued.
		go client.WritePump()
		hub.Register(client)
		go client.ReadPump()
	}
}
