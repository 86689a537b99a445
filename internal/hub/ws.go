package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced by the surrounding deployment
	},
}

// envelope is the outbound frame shape.
type envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// wsSender serializes writes to one websocket connection; gorilla permits a
// single concurrent writer.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSSender(conn *websocket.Conn) *wsSender {
	return &wsSender{conn: conn}
}

func (s *wsSender) Send(event string, payload any) error {
	data, err := json.Marshal(envelope{Event: event, Payload: payload})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// ServeConnection upgrades the request and runs the connection's read loop.
// The per-connection context is cancelled the moment the read loop ends, so
// transport disconnect propagates into every in-flight stream.
func (h *Hub) ServeConnection(w http.ResponseWriter, r *http.Request, principal string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("principal", principal).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	client := h.NewClient(ctx, principal, newWSSender(conn))

	connLog := log.With().
		Str("component", "hub").
		Str("principal", principal).
		Str("remote", conn.RemoteAddr().String()).
		Logger()
	connLog.Info().Msg("connection established")

	defer func() {
		cancel()
		_ = conn.Close()
		connLog.Info().Msg("connection closed")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			connLog.Debug().Err(err).Msg("read loop end")
			return
		}

		var msg Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			client.sendError("Invalid message format.")
			continue
		}

		// Each operation runs on its own goroutine so the read loop keeps
		// observing the transport; disconnect during a long stream cancels
		// ctx promptly. Per-connection stream sequencing is enforced by the
		// client's busy guard, not by serializing operations here.
		go client.Handle(msg)
	}
}
