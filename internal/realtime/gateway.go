// README: Realtime gateway: owns the registry, rooms and domain services and routes client requests.
package realtime

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"tracker/internal/logging"
	"tracker/internal/metrics"
	"tracker/internal/modules/chat"
	"tracker/internal/modules/connection"
	"tracker/internal/modules/location"
	"tracker/internal/modules/order"
	"tracker/internal/modules/room"
	"tracker/internal/types"
)

type Orders interface {
	ApplyTransition(ctx context.Context, cmd order.TransitionCommand) (*order.Order, error)
}

type Locations interface {
	Ingest(ctx context.Context, driverID types.ID, in location.Sample) (location.Sample, error)
}

type Chat interface {
	Join(ctx context.Context, connID connection.ID, conversationID types.ID) error
	Send(ctx context.Context, sender types.Identity, conversationID types.ID, body string) (*chat.Message, error)
	Typing(ctx context.Context, sender types.Identity, conversationID types.ID, active bool) error
}

type Options struct {
	// InboundRate is requests per second per connection; zero disables the limit.
	InboundRate  float64
	InboundBurst int
}

type Gateway struct {
	registry  *connection.Registry
	rooms     *room.Manager
	orders    Orders
	locations Locations
	chat      Chat
	validate  *validator.Validate
	opts      Options

	mu       sync.Mutex
	limiters map[connection.ID]*rate.Limiter
}

func New(registry *connection.Registry, rooms *room.Manager, orders Orders, locations Locations, chat Chat, opts Options) *Gateway {
	g := &Gateway{
		registry:  registry,
		rooms:     rooms,
		orders:    orders,
		locations: locations,
		chat:      chat,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		opts:      opts,
		limiters:  make(map[connection.ID]*rate.Limiter),
	}
	registry.OnClose(rooms.PruneConnection)
	registry.OnClose(g.dropLimiter)
	return g
}

// Connect authenticates credentials, registers the transport and joins the
// connection's implicit rooms.
func (g *Gateway) Connect(ctx context.Context, credentials string, t connection.Transport) (connection.ID, error) {
	id, err := g.registry.Register(ctx, credentials, t)
	if err != nil {
		return "", err
	}
	return g.settle(id)
}

// Admit is Connect for an identity already verified by the caller.
func (g *Gateway) Admit(identity types.Identity, t connection.Transport) (connection.ID, error) {
	id, err := g.registry.Admit(identity, t)
	if err != nil {
		return "", err
	}
	return g.settle(id)
}

// settle joins the implicit rooms or closes the connection, so a failed
// handshake never leaves a registered connection behind.
func (g *Gateway) settle(id connection.ID) (connection.ID, error) {
	if err := g.joinImplicit(id); err != nil {
		g.registry.MarkClosed(id)
		return "", err
	}
	return id, nil
}

func (g *Gateway) joinImplicit(id connection.ID) error {
	info, ok := g.registry.Get(id)
	if !ok {
		return connection.ErrClosed
	}
	for _, r := range []room.ID{room.User(info.Identity.UserID), room.Role(info.Identity.Role)} {
		if err := g.rooms.Join(id, r); err != nil {
			return fmt.Errorf("join %s: %w", r, err)
		}
	}
	return nil
}

// Disconnect closes the connection and prunes its rooms.
func (g *Gateway) Disconnect(id connection.ID) {
	g.registry.MarkClosed(id)
}

// Send queues a frame on the connection's outbound queue.
func (g *Gateway) Send(ctx context.Context, id connection.ID, frame []byte, timeout time.Duration) error {
	return g.registry.Deliver(ctx, id, frame, timeout)
}

// Handle routes one raw request frame. Policy failures become error replies;
// the connection stays open.
func (g *Gateway) Handle(ctx context.Context, connID connection.ID, raw []byte) (reply Reply) {
	var req Request
	defer func() {
		if r := recover(); r != nil {
			metrics.RecoveredPanics.WithLabelValues("gateway").Inc()
			logging.Error().
				Str("conn", string(connID)).
				Str("type", req.Type).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("request handler panic")
			reply = Reply{Type: "error", RequestID: req.RequestID, Code: CodeInternal, Message: "internal error"}
		}
	}()

	if err := json.Unmarshal(raw, &req); err != nil || req.Type == "" {
		return errorReply("", errBadFrame)
	}

	info, ok := g.registry.Get(connID)
	if !ok || info.State != connection.StateOpen {
		return errorReply(req.RequestID, connection.ErrNotFound)
	}
	g.registry.Touch(connID)

	if !g.allow(connID) {
		return errorReply(req.RequestID, errFlood)
	}

	data, err := g.route(ctx, connID, info.Identity, req)
	if err != nil {
		logging.Debug().Err(err).Str("conn", string(connID)).Str("type", req.Type).Msg("request rejected")
		return errorReply(req.RequestID, err)
	}
	return Reply{Type: "ack", RequestID: req.RequestID, Data: data}
}

func (g *Gateway) route(ctx context.Context, connID connection.ID, who types.Identity, req Request) (any, error) {
	switch req.Type {
	case ReqPing:
		return map[string]string{"pong": time.Now().UTC().Format(time.RFC3339Nano)}, nil

	case ReqSubscribe:
		var p roomRequest
		if err := g.decode(req.Data, &p); err != nil {
			return nil, err
		}
		return nil, g.rooms.Subscribe(ctx, connID, room.ID(p.Room))

	case ReqSubscribeOrderTracking:
		var p orderTrackingRequest
		if err := g.decode(req.Data, &p); err != nil {
			return nil, err
		}
		return nil, g.rooms.Subscribe(ctx, connID, room.Order(types.ID(p.OrderID)))

	case ReqSubscribeDriverTracking:
		var p driverTrackingRequest
		if err := g.decode(req.Data, &p); err != nil {
			return nil, err
		}
		return nil, g.rooms.Subscribe(ctx, connID, room.Driver(types.ID(p.DriverID)))

	case ReqUnsubscribe:
		var p roomRequest
		if err := g.decode(req.Data, &p); err != nil {
			return nil, err
		}
		if _, _, err := room.Parse(room.ID(p.Room)); err != nil {
			return nil, err
		}
		g.rooms.Unsubscribe(connID, room.ID(p.Room))
		return nil, nil

	case ReqBroadcastLocation:
		return g.broadcastLocation(ctx, who, req.Data)

	case ReqUpdateOrderStatus:
		var p statusRequest
		if err := g.decode(req.Data, &p); err != nil {
			return nil, err
		}
		to, ok := order.ParseStatus(p.Status)
		if !ok {
			return nil, fmt.Errorf("%w: unknown status %q", order.ErrBadRequest, p.Status)
		}
		o, err := g.orders.ApplyTransition(ctx, order.TransitionCommand{
			OrderID: types.ID(p.OrderID),
			To:      to,
			Actor:   who,
			Reason:  p.Reason,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"orderId": o.ID, "status": o.Status, "statusVersion": o.StatusVersion}, nil

	case ReqJoinConversation:
		var p conversationRequest
		if err := g.decode(req.Data, &p); err != nil {
			return nil, err
		}
		return nil, g.chat.Join(ctx, connID, types.ID(p.ConversationID))

	case ReqSendMessage:
		var p messageRequest
		if err := g.decode(req.Data, &p); err != nil {
			return nil, err
		}
		m, err := g.chat.Send(ctx, who, types.ID(p.ConversationID), p.Body)
		if err != nil {
			return nil, err
		}
		return map[string]any{"messageId": m.ID, "sentAt": m.SentAt}, nil

	case ReqTypingStart, ReqTypingStop:
		var p conversationRequest
		if err := g.decode(req.Data, &p); err != nil {
			return nil, err
		}
		return nil, g.chat.Typing(ctx, who, types.ID(p.ConversationID), req.Type == ReqTypingStart)
	}
	return nil, fmt.Errorf("%w: %q", errUnknownType, req.Type)
}

// broadcastLocation ingests a driver's own sample. The client's orderId is
// only a hint; the active order is resolved server-side.
func (g *Gateway) broadcastLocation(ctx context.Context, who types.Identity, raw json.RawMessage) (any, error) {
	if who.Role != types.RoleDriver {
		return nil, errNotDriver
	}
	var p locationRequest
	if err := g.decode(raw, &p); err != nil {
		return nil, err
	}
	s := location.Sample{
		Lat:      *p.Latitude,
		Lng:      *p.Longitude,
		Heading:  p.Heading,
		Speed:    p.Speed,
		Accuracy: p.Accuracy,
	}
	if p.Timestamp != nil {
		s.SampledAt = p.Timestamp.UTC()
	}
	accepted, err := g.locations.Ingest(ctx, who.UserID, s)
	if err != nil {
		return nil, err
	}
	return map[string]any{"acceptedAt": accepted.ReceivedAt}, nil
}

func (g *Gateway) decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", errBadFrame, err)
	}
	return g.validate.Struct(dst)
}

func (g *Gateway) allow(id connection.ID) bool {
	if g.opts.InboundRate <= 0 {
		return true
	}
	g.mu.Lock()
	l, ok := g.limiters[id]
	if !ok {
		burst := g.opts.InboundBurst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(g.opts.InboundRate), burst)
		g.limiters[id] = l
	}
	g.mu.Unlock()
	return l.Allow()
}

func (g *Gateway) dropLimiter(id connection.ID) {
	g.mu.Lock()
	delete(g.limiters, id)
	g.mu.Unlock()
}

// Registry exposes the connection registry to the transport layer.
func (g *Gateway) Registry() *connection.Registry { return g.registry }

// Rooms exposes room authorization to the transport layer.
func (g *Gateway) Rooms() *room.Manager { return g.rooms }
