// README: Gateway tests wire the real registry, rooms and dispatcher with in-memory stores.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"tracker/internal/events"
	"tracker/internal/modules/chat"
	"tracker/internal/modules/connection"
	"tracker/internal/modules/dispatch"
	"tracker/internal/modules/location"
	"tracker/internal/modules/order"
	"tracker/internal/modules/room"
	"tracker/internal/types"
)

type recordingTransport struct {
	mu     sync.Mutex
	frames []frame
	block  chan struct{}
	once   sync.Once
}

type frame struct {
	Type string          `json:"type"`
	Room string          `json:"room"`
	Data json.RawMessage `json:"data"`
}

func (t *recordingTransport) WriteFrame(ctx context.Context, raw []byte) error {
	if t.block != nil {
		<-t.block
		return connection.ErrClosed
	}
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return err
	}
	t.mu.Lock()
	t.frames = append(t.frames, f)
	t.mu.Unlock()
	return nil
}

func (t *recordingTransport) Close() error {
	if t.block != nil {
		t.once.Do(func() { close(t.block) })
	}
	return nil
}

func (t *recordingTransport) kinds(room string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, f := range t.frames {
		if room == "" || f.Room == room {
			out = append(out, f.Type)
		}
	}
	return out
}

type orderStore struct {
	mu     sync.Mutex
	orders map[types.ID]order.Order
}

func (s *orderStore) Get(ctx context.Context, id types.ID) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return &o, nil
}

func (s *orderStore) UpdateStatus(ctx context.Context, id types.ID, from, to order.Status, version int, driverID *types.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || o.Status != from || o.StatusVersion != version {
		return false, nil
	}
	o.Status = to
	o.StatusVersion++
	if driverID != nil {
		o.DriverID = driverID
	}
	s.orders[id] = o
	return true, nil
}

func (s *orderStore) AppendEvent(ctx context.Context, e *order.Event) error { return nil }

func (s *orderStore) ActiveByDriver(ctx context.Context, driverID types.ID) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.DriverID != nil && *o.DriverID == driverID && !o.Status.Terminal() {
			return &o, nil
		}
	}
	return nil, order.ErrNotFound
}

type chatStore map[types.ID][]types.ID

func (c chatStore) IsParticipant(ctx context.Context, conv, user types.ID) (bool, error) {
	for _, u := range c[conv] {
		if u == user {
			return true, nil
		}
	}
	return false, nil
}

func (c chatStore) SaveMessage(ctx context.Context, m chat.Message) error { return nil }

var identities = map[string]types.Identity{
	"c1":  {UserID: "c1", Role: types.RoleConsumer},
	"c2":  {UserID: "c2", Role: types.RoleConsumer},
	"m1":  {UserID: "m1", Role: types.RoleMerchant},
	"d1":  {UserID: "d1", Role: types.RoleDriver},
	"ops": {UserID: "ops", Role: types.RoleAdmin},
}

type harness struct {
	gw     *Gateway
	orders *orderStore
	disp   *dispatch.Dispatcher
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	d1 := types.ID("d1")
	store := &orderStore{orders: map[types.ID]order.Order{
		"o1": {ID: "o1", CustomerID: "c1", MerchantID: "m1", Status: order.StatusPending},
		"o2": {ID: "o2", CustomerID: "c1", MerchantID: "m1", DriverID: &d1, Status: order.StatusPickedUp},
	}}
	chats := chatStore{"conv1": {"c1", "d1"}}

	auth := connection.AuthenticatorFunc(func(ctx context.Context, creds string) (types.Identity, error) {
		id, ok := identities[creds]
		if !ok {
			return types.Identity{}, errors.New("bad token")
		}
		return id, nil
	})
	registry := connection.NewRegistry(auth, connection.Options{OutboundBuffer: 4})
	rooms := room.NewManager(registry, &room.Policy{Orders: order.Directory{Store: store}, Conversations: chats})
	disp := dispatch.New(rooms, registry, 50*time.Millisecond)
	orders := order.NewService(store, disp, nil)
	locs := location.NewService(disp, orders, location.Options{})
	chatSvc := chat.NewService(chats, rooms, disp)

	gw := New(registry, rooms, orders, locs, chatSvc, opts)
	t.Cleanup(registry.CloseAll)
	return &harness{gw: gw, orders: store, disp: disp}
}

func (h *harness) connect(t *testing.T, who string) (connection.ID, *recordingTransport) {
	t.Helper()
	tr := &recordingTransport{}
	id, err := h.gw.Connect(context.Background(), who, tr)
	if err != nil {
		t.Fatalf("connect %s: %v", who, err)
	}
	return id, tr
}

func request(t *testing.T, kind string, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"type": kind, "requestId": "r1", "data": data})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectJoinsImplicitRooms(t *testing.T) {
	h := newHarness(t, Options{})
	id, _ := h.connect(t, "c1")
	got := h.gw.Rooms().RoomsOf(id)
	want := []room.ID{room.Role(types.RoleConsumer), room.User("c1")}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("rooms = %v, want %v", got, want)
	}
}

func TestConnectRejectsBadCredentials(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.gw.Connect(context.Background(), "nobody", &recordingTransport{})
	if !errors.Is(err, connection.ErrIdentityRejected) {
		t.Fatalf("err = %v", err)
	}
	if h.gw.Registry().Count() != 0 {
		t.Fatal("rejected connection registered")
	}
}

func TestSubscribeForeignOrderIsNotAuthorized(t *testing.T) {
	h := newHarness(t, Options{})
	id, _ := h.connect(t, "c2")

	reply := h.gw.Handle(context.Background(), id, request(t, ReqSubscribeOrderTracking, map[string]string{"orderId": "o1"}))
	if reply.Code != CodeNotAuthorized || reply.RequestID != "r1" {
		t.Fatalf("reply = %+v", reply)
	}
	if !h.gw.Registry().IsOpen(id) {
		t.Fatal("policy rejection closed the connection")
	}
}

func TestOrderEventReachesOnlySubscribers(t *testing.T) {
	h := newHarness(t, Options{})
	customer, ctr := h.connect(t, "c1")
	merchant, mtr := h.connect(t, "m1")
	_, otr := h.connect(t, "c2")

	for _, id := range []connection.ID{customer, merchant} {
		if r := h.gw.Handle(context.Background(), id, request(t, ReqSubscribeOrderTracking, map[string]string{"orderId": "o1"})); !r.OK() {
			t.Fatalf("subscribe: %+v", r)
		}
	}

	reply := h.gw.Handle(context.Background(), merchant, request(t, ReqUpdateOrderStatus, map[string]string{"orderId": "o1", "status": "CONFIRMED"}))
	if !reply.OK() {
		t.Fatalf("transition: %+v", reply)
	}

	orderRoom := string(room.Order("o1"))
	waitFor(t, func() bool { return len(ctr.kinds(orderRoom)) == 1 && len(mtr.kinds(orderRoom)) == 1 })
	if got := ctr.kinds(orderRoom)[0]; got != "order_status_changed" {
		t.Fatalf("kind = %s", got)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(otr.kinds("")); n != 0 {
		t.Fatalf("unrelated connection got %d frames", n)
	}
}

func TestDeadSubscriberDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t, Options{})
	healthy, htr := h.connect(t, "c1")

	stuck := &recordingTransport{block: make(chan struct{})}
	stuckID, err := h.gw.Connect(context.Background(), "m1", stuck)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []connection.ID{healthy, stuckID} {
		if r := h.gw.Handle(context.Background(), id, request(t, ReqSubscribeOrderTracking, map[string]string{"orderId": "o2"})); !r.OK() {
			t.Fatalf("subscribe: %+v", r)
		}
	}

	steps := []string{"IN_TRANSIT", "DELIVERED"}
	d1, _ := h.connect(t, "d1")
	for _, s := range steps {
		if r := h.gw.Handle(context.Background(), d1, request(t, ReqUpdateOrderStatus, map[string]string{"orderId": "o2", "status": s})); !r.OK() {
			t.Fatalf("%s: %+v", s, r)
		}
	}
	// Fill the stuck connection's queue until the dispatcher gives up on it.
	for i := 0; i < 8 && h.gw.Registry().IsOpen(stuckID); i++ {
		_, _ = h.disp.Publish(context.Background(), eventFor("o2"), room.Order("o2"))
	}

	if h.gw.Registry().IsOpen(stuckID) {
		t.Fatal("stuck connection still open")
	}
	for _, m := range h.gw.Rooms().MembersOf(room.Order("o2")) {
		if m == stuckID {
			t.Fatal("stuck connection still a member")
		}
	}
	waitFor(t, func() bool { return len(htr.kinds(string(room.Order("o2")))) >= 2 })
	got := htr.kinds(string(room.Order("o2")))
	if got[0] != "order_status_changed" || got[1] != "order_status_changed" {
		t.Fatalf("healthy frames = %v", got)
	}
}

func TestBroadcastLocation(t *testing.T) {
	h := newHarness(t, Options{})
	driver, _ := h.connect(t, "d1")
	customer, ctr := h.connect(t, "c1")

	if r := h.gw.Handle(context.Background(), customer, request(t, ReqSubscribeDriverTracking, map[string]string{"driverId": "d1"})); !r.OK() {
		t.Fatalf("subscribe driver: %+v", r)
	}
	if r := h.gw.Handle(context.Background(), customer, request(t, ReqSubscribeOrderTracking, map[string]string{"orderId": "o2"})); !r.OK() {
		t.Fatalf("subscribe order: %+v", r)
	}

	sample := map[string]any{"latitude": 25.03, "longitude": 121.56, "heading": 90}
	if r := h.gw.Handle(context.Background(), driver, request(t, ReqBroadcastLocation, sample)); !r.OK() {
		t.Fatalf("broadcast: %+v", r)
	}
	waitFor(t, func() bool {
		return len(ctr.kinds(string(room.Driver("d1")))) == 1 && len(ctr.kinds(string(room.Order("o2")))) == 1
	})

	r := h.gw.Handle(context.Background(), driver, request(t, ReqBroadcastLocation, sample))
	if r.Code != CodeRateLimited {
		t.Fatalf("second sample reply = %+v", r)
	}
}

func TestHandleErrorCodes(t *testing.T) {
	h := newHarness(t, Options{})
	customer, _ := h.connect(t, "c1")
	driver, _ := h.connect(t, "d1")

	tests := []struct {
		name string
		conn connection.ID
		raw  []byte
		code string
	}{
		{"malformed frame", customer, []byte(`{not json`), CodeInvalidRequest},
		{"unknown type", customer, request(t, "teleport", nil), CodeInvalidRequest},
		{"missing order id", customer, request(t, ReqSubscribeOrderTracking, map[string]string{}), CodeInvalidRequest},
		{"invalid room", customer, request(t, ReqSubscribe, map[string]string{"room": "nowhere"}), CodeInvalidRequest},
		{"consumer broadcasts", customer, request(t, ReqBroadcastLocation, map[string]any{"latitude": 1, "longitude": 1}), CodeNotAuthorized},
		{"latitude out of range", driver, request(t, ReqBroadcastLocation, map[string]any{"latitude": 91, "longitude": 1}), CodeInvalidRequest},
		{"unknown status", customer, request(t, ReqUpdateOrderStatus, map[string]string{"orderId": "o1", "status": "TELEPORTED"}), CodeInvalidRequest},
		{"illegal transition", customer, request(t, ReqUpdateOrderStatus, map[string]string{"orderId": "o1", "status": "DELIVERED"}), CodeIllegalTransition},
		{"unknown order", customer, request(t, ReqUpdateOrderStatus, map[string]string{"orderId": "nope", "status": "CONFIRMED"}), CodeNotFound},
		{"consumer confirms", customer, request(t, ReqUpdateOrderStatus, map[string]string{"orderId": "o1", "status": "CONFIRMED"}), CodeNotAuthorized},
		{"outsider message", driver, request(t, ReqSendMessage, map[string]string{"conversationId": "conv2", "body": "hi"}), CodeNotAuthorized},
		{"empty message", customer, request(t, ReqSendMessage, map[string]string{"conversationId": "conv1"}), CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := h.gw.Handle(context.Background(), tt.conn, tt.raw)
			if reply.Type != "error" || reply.Code != tt.code {
				t.Fatalf("reply = %+v, want code %s", reply, tt.code)
			}
		})
	}
}

func TestStaleSampleCode(t *testing.T) {
	h := newHarness(t, Options{})
	driver, _ := h.connect(t, "d1")
	now := time.Now().UTC()
	first := map[string]any{"latitude": 1, "longitude": 1, "timestamp": now}
	older := map[string]any{"latitude": 1, "longitude": 1, "timestamp": now.Add(-time.Minute)}

	if r := h.gw.Handle(context.Background(), driver, request(t, ReqBroadcastLocation, first)); !r.OK() {
		t.Fatalf("first: %+v", r)
	}
	if r := h.gw.Handle(context.Background(), driver, request(t, ReqBroadcastLocation, older)); r.Code != CodeStaleSample {
		t.Fatalf("older: %+v", r)
	}
}

func TestChatFlow(t *testing.T) {
	h := newHarness(t, Options{})
	customer, ctr := h.connect(t, "c1")
	driver, _ := h.connect(t, "d1")

	for _, id := range []connection.ID{customer, driver} {
		if r := h.gw.Handle(context.Background(), id, request(t, ReqJoinConversation, map[string]string{"conversationId": "conv1"})); !r.OK() {
			t.Fatalf("join: %+v", r)
		}
	}
	if r := h.gw.Handle(context.Background(), driver, request(t, ReqTypingStart, map[string]string{"conversationId": "conv1"})); !r.OK() {
		t.Fatalf("typing: %+v", r)
	}
	if r := h.gw.Handle(context.Background(), driver, request(t, ReqSendMessage, map[string]string{"conversationId": "conv1", "body": "outside"})); !r.OK() {
		t.Fatalf("send: %+v", r)
	}
	convRoom := string(room.Conversation("conv1"))
	waitFor(t, func() bool { return len(ctr.kinds(convRoom)) == 2 })
	got := ctr.kinds(convRoom)
	if got[0] != "typing_indicator" || got[1] != "new_message" {
		t.Fatalf("frames = %v", got)
	}
}

func TestInboundFloodGuard(t *testing.T) {
	h := newHarness(t, Options{InboundRate: 1, InboundBurst: 2})
	id, _ := h.connect(t, "c1")
	ping := request(t, ReqPing, nil)

	for i := 0; i < 2; i++ {
		if r := h.gw.Handle(context.Background(), id, ping); !r.OK() {
			t.Fatalf("ping %d: %+v", i, r)
		}
	}
	if r := h.gw.Handle(context.Background(), id, ping); r.Code != CodeRateLimited {
		t.Fatalf("third ping: %+v", r)
	}
	if !h.gw.Registry().IsOpen(id) {
		t.Fatal("flood guard closed the connection")
	}
}

func TestHandleAfterDisconnect(t *testing.T) {
	h := newHarness(t, Options{})
	id, _ := h.connect(t, "c1")
	h.gw.Disconnect(id)

	if r := h.gw.Handle(context.Background(), id, request(t, ReqPing, nil)); r.Code != CodeNotFound {
		t.Fatalf("reply = %+v", r)
	}
	if rooms := h.gw.Rooms().RoomsOf(id); len(rooms) != 0 {
		t.Fatalf("rooms after disconnect = %v", rooms)
	}
}

type panickyChat struct{ Chat }

func (panickyChat) Typing(context.Context, types.Identity, types.ID, bool) error {
	panic("boom")
}

func TestHandlerPanicAnswersInternal(t *testing.T) {
	h := newHarness(t, Options{})
	h.gw.chat = panickyChat{h.gw.chat}
	id, _ := h.connect(t, "c1")

	r := h.gw.Handle(context.Background(), id, request(t, ReqTypingStop, map[string]string{"conversationId": "conv1"}))
	if r.Code != CodeInternal || r.RequestID != "r1" {
		t.Fatalf("reply = %+v", r)
	}
	if !h.gw.Registry().IsOpen(id) {
		t.Fatal("panic closed the connection")
	}
}

func eventFor(orderID types.ID) events.Event {
	return events.New(events.KindOrderStatusChanged, events.OrderStatusChanged{OrderID: orderID, Status: "IN_TRANSIT"})
}

// closedView reports every connection as gone, so implicit joins fail.
type closedView struct{ *connection.Registry }

func (closedView) IsOpen(connection.ID) bool { return false }

func TestAdmitClosesConnectionWhenImplicitJoinFails(t *testing.T) {
	registry := connection.NewRegistry(connection.AuthenticatorFunc(func(ctx context.Context, creds string) (types.Identity, error) {
		return identities[creds], nil
	}), connection.Options{})
	t.Cleanup(registry.CloseAll)
	rooms := room.NewManager(closedView{registry}, &room.Policy{})
	gw := New(registry, rooms, nil, nil, nil, Options{})

	for _, tc := range []struct {
		name    string
		connect func(connection.Transport) (connection.ID, error)
	}{
		{"admit", func(tr connection.Transport) (connection.ID, error) {
			return gw.Admit(identities["c1"], tr)
		}},
		{"connect", func(tr connection.Transport) (connection.ID, error) {
			return gw.Connect(context.Background(), "c1", tr)
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			id, err := tc.connect(&recordingTransport{})
			if !errors.Is(err, room.ErrConnectionUnknown) {
				t.Fatalf("expected ErrConnectionUnknown, got %v", err)
			}
			if id != "" {
				t.Fatalf("id = %q, want empty", id)
			}
			if n := registry.Count(); n != 0 {
				t.Fatalf("%d connections left registered", n)
			}
			if n := rooms.RoomCount(); n != 0 {
				t.Fatalf("%d rooms left behind", n)
			}
		})
	}
}
