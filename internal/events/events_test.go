// README: Event frame encoding tests.
package events

import (
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestEncode(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ev := Event{
		Kind:     KindOrderStatusChanged,
		Payload:  OrderStatusChanged{OrderID: "o1", Status: "CONFIRMED", Timestamp: at},
		OriginAt: at,
	}.In("order:o1")

	frame, err := Encode(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var got struct {
		Type string         `json:"type"`
		Room string         `json:"room"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(frame, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != "order_status_changed" || got.Room != "order:o1" {
		t.Fatalf("unexpected envelope: %s", frame)
	}
	if got.Data["orderId"] != "o1" || got.Data["status"] != "CONFIRMED" {
		t.Fatalf("unexpected payload: %v", got.Data)
	}
}

func TestInDoesNotMutate(t *testing.T) {
	ev := New(KindNotification, Notification{Title: "hi"})
	moved := ev.In("user:u1")
	if ev.Room != "" {
		t.Fatalf("original event mutated: %q", ev.Room)
	}
	if moved.Room != "user:u1" {
		t.Fatalf("room not set: %q", moved.Room)
	}
}

func TestEncodeOmitsEmptyOptionals(t *testing.T) {
	frame, err := Encode(New(KindDriverLocation, DriverLocation{DriverID: "d1", Latitude: 1, Longitude: 2}))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for _, field := range []string{"heading", "speed", "accuracy", "orderId"} {
		if strings.Contains(string(frame), `"`+field+`"`) {
			t.Errorf("expected %s to be omitted: %s", field, frame)
		}
	}
}
