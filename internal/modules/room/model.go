// README: Room ids (namespaced by kind) and room-level errors.
package room

import (
	"errors"
	"fmt"
	"strings"

	"tracker/internal/types"
)

type ID string

type Kind string

const (
	KindUser         Kind = "user"
	KindRole         Kind = "role"
	KindOrder        Kind = "order"
	KindDriver       Kind = "driver"
	KindConversation Kind = "conversation"
)

var (
	ErrNotAuthorized     = errors.New("not authorized for room")
	ErrInvalidRoom       = errors.New("invalid room id")
	ErrConnectionUnknown = errors.New("connection is not open")
)

func User(id types.ID) ID         { return ID("user:" + string(id)) }
func Role(r types.Role) ID        { return ID("role:" + string(r)) }
func Order(id types.ID) ID        { return ID("order:" + string(id)) }
func Driver(id types.ID) ID       { return ID("driver:" + string(id)) }
func Conversation(id types.ID) ID { return ID("conversation:" + string(id)) }

// Parse splits a room id into its kind and key.
func Parse(id ID) (Kind, string, error) {
	kind, key, ok := strings.Cut(string(id), ":")
	if !ok || key == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRoom, id)
	}
	switch k := Kind(kind); k {
	case KindUser, KindRole, KindOrder, KindDriver, KindConversation:
		return k, key, nil
	}
	return "", "", fmt.Errorf("%w: unknown kind %q", ErrInvalidRoom, kind)
}

// Parties are the users attached to an order, as the order store knows them.
type Parties struct {
	OrderID    types.ID
	CustomerID types.ID
	MerchantID types.ID
	DriverID   *types.ID
}

func (p Parties) Includes(userID types.ID) bool {
	if userID == p.CustomerID || userID == p.MerchantID {
		return true
	}
	return p.DriverID != nil && *p.DriverID == userID
}
