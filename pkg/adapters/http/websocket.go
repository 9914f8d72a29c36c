package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/aretw0/sochen/pkg/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Same policy as the CORS middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsObserver delivers hub events over one WebSocket connection.
type wsObserver struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex // gorilla allows one concurrent writer
}

func (o *wsObserver) ID() string { return o.id }

func (o *wsObserver) Send(_ context.Context, e domain.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return o.conn.WriteJSON(e)
}

// ServeWebSocket handles GET /ws. Each text frame is one hub command; the
// connection is an observer until it closes.
func (s *Server) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		s.logger.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	obs := &wsObserver{id: r.RemoteAddr + "#" + uuid.NewString()[:8], conn: conn}
	ctx := r.Context()

	s.cfg.Hub.Subscribe(ctx, obs)
	defer s.cfg.Hub.Unsubscribe(obs)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("WebSocket closed unexpectedly", "observer", obs.id, "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		s.cfg.Hub.Handle(ctx, obs, data)
	}
}
