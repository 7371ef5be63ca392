// README: gorilla/websocket Dialer and Session speaking the gateway request frames.
package reconnect

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"tracker/internal/logging"
)

const writeWait = 10 * time.Second

type WSDialer struct {
	URL   string
	Token string
	// OnFrame receives every server frame; may be nil.
	OnFrame func([]byte)
	Dialer  *websocket.Dialer
}

func (d WSDialer) Dial(ctx context.Context) (Session, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	s := &wsSession{conn: conn, done: make(chan struct{}), onFrame: d.OnFrame}
	go s.readLoop()
	return s, nil
}

type wsSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	seq     atomic.Uint64
	done    chan struct{}
	once    sync.Once
	onFrame func([]byte)
}

type request struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Data      any    `json:"data,omitempty"`
}

type roomData struct {
	Room string `json:"room"`
}

func (s *wsSession) Subscribe(ctx context.Context, room string) error {
	return s.send(ctx, "subscribe", roomData{Room: room})
}

func (s *wsSession) Unsubscribe(ctx context.Context, room string) error {
	return s.send(ctx, "unsubscribe", roomData{Room: room})
}

// Send writes an arbitrary request frame.
func (s *wsSession) Send(ctx context.Context, kind string, data any) error {
	return s.send(ctx, kind, data)
}

func (s *wsSession) send(ctx context.Context, kind string, data any) error {
	raw, err := json.Marshal(request{
		Type:      kind,
		RequestID: strconv.FormatUint(s.seq.Add(1), 10),
		Data:      data,
	})
	if err != nil {
		return err
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

func (s *wsSession) Done() <-chan struct{} { return s.done }

func (s *wsSession) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	err := s.conn.Close()
	s.once.Do(func() { close(s.done) })
	return err
}

func (s *wsSession) readLoop() {
	defer s.once.Do(func() { close(s.done) })
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logging.Debug().Err(err).Msg("session read ended")
			}
			return
		}
		if s.onFrame != nil {
			s.onFrame(msg)
		}
	}
}
