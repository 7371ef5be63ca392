// README: WebSocket endpoint: authenticates before upgrade, then pumps frames between the socket and the gateway.
package handlers

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tracker/internal/http/middleware"
	"tracker/internal/logging"
	"tracker/internal/metrics"
	"tracker/internal/modules/connection"
	"tracker/internal/realtime"
	"tracker/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Gateway is the slice of the realtime gateway the socket pumps use.
type Gateway interface {
	Admit(identity types.Identity, t connection.Transport) (connection.ID, error)
	Handle(ctx context.Context, connID connection.ID, raw []byte) realtime.Reply
	Send(ctx context.Context, id connection.ID, frame []byte, timeout time.Duration) error
	Disconnect(id connection.ID)
}

type WSHandler struct {
	auth         connection.Authenticator
	gw           Gateway
	upgrader     websocket.Upgrader
	replyTimeout time.Duration
}

// NewWSHandler builds the upgrade handler. allowedOrigins is a comma-separated
// list; empty allows any origin.
func NewWSHandler(auth connection.Authenticator, gw Gateway, allowedOrigins string, replyTimeout time.Duration) *WSHandler {
	h := &WSHandler{auth: auth, gw: gw, replyTimeout: replyTimeout}
	origins := splitOrigins(allowedOrigins)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin: func(r *http.Request) bool {
			if len(origins) == 0 {
				return true
			}
			_, ok := origins[r.Header.Get("Origin")]
			return ok
		},
	}
	return h
}

func splitOrigins(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out[o] = struct{}{}
		}
	}
	return out
}

// Serve rejects bad credentials with 401 before upgrading, so a failed
// handshake never leaves a partial connection behind.
func (h *WSHandler) Serve(c *gin.Context) {
	token, ok := middleware.BearerToken(c.Request)
	if !ok {
		token = c.Query("token")
	}
	who, err := h.auth.Authenticate(c.Request.Context(), token)
	if err != nil {
		metrics.ConnectionsRejected.Inc()
		logging.Debug().Err(err).Msg("websocket auth rejected")
		writeError(c, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("websocket upgrade")
		return
	}
	t := newSocketTransport(conn)
	id, err := h.gw.Admit(who, t)
	if err != nil {
		logging.Warn().Err(err).Str("user", string(who.UserID)).Msg("admit connection")
		_ = t.Close()
		return
	}

	go t.pingLoop()
	h.readPump(c.Request.Context(), id, t)
}

func (h *WSHandler) readPump(ctx context.Context, id connection.ID, t *socketTransport) {
	defer h.gw.Disconnect(id)

	t.conn.SetReadLimit(maxMessageSize)
	_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn().Err(err).Str("conn", string(id)).Msg("unexpected websocket close")
			}
			return
		}
		reply := h.gw.Handle(ctx, id, msg)
		frame, err := realtime.EncodeReply(reply)
		if err != nil {
			logging.Error().Err(err).Str("conn", string(id)).Msg("encode reply")
			continue
		}
		if err := h.gw.Send(ctx, id, frame, h.replyTimeout); err != nil {
			logging.Warn().Err(err).Str("conn", string(id)).Msg("queue reply")
			return
		}
	}
}

// socketTransport is the connection.Transport over a gorilla socket. The
// registry's send loop is the only data writer; pings go through WriteControl.
type socketTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
	done chan struct{}
	once sync.Once
}

func newSocketTransport(conn *websocket.Conn) *socketTransport {
	return &socketTransport{conn: conn, done: make(chan struct{})}
}

func (t *socketTransport) WriteFrame(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *socketTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}

func (t *socketTransport) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = t.Close()
				return
			}
		}
	}
}
