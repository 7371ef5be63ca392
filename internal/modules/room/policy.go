// README: Room authorization rules, checked at subscribe time.
package room

import (
	"context"
	"fmt"

	"tracker/internal/types"
)

// OrderDirectory answers who is attached to an order. found=false means the
// order does not exist.
type OrderDirectory interface {
	OrderParties(ctx context.Context, orderID types.ID) (p Parties, found bool, err error)
	ActiveOrderForDriver(ctx context.Context, driverID types.ID) (p Parties, found bool, err error)
}

type ConversationDirectory interface {
	IsParticipant(ctx context.Context, conversationID, userID types.ID) (bool, error)
}

type Policy struct {
	Orders        OrderDirectory
	Conversations ConversationDirectory
}

// Authorize returns nil when who may join room, ErrNotAuthorized when the
// rules refuse it, or a lookup error.
func (p *Policy) Authorize(ctx context.Context, who types.Identity, id ID) error {
	kind, key, err := Parse(id)
	if err != nil {
		return err
	}
	// user rooms carry private notifications; ADMIN gets no bypass there
	if who.IsAdmin() && kind != KindUser {
		return nil
	}

	switch kind {
	case KindUser:
		if types.ID(key) == who.UserID {
			return nil
		}
	case KindRole:
		if types.Role(key) == who.Role {
			return nil
		}
	case KindOrder:
		if p.Orders == nil {
			break
		}
		parties, found, err := p.Orders.OrderParties(ctx, types.ID(key))
		if err != nil {
			return fmt.Errorf("lookup order %s: %w", key, err)
		}
		if found && parties.Includes(who.UserID) {
			return nil
		}
	case KindDriver:
		if types.ID(key) == who.UserID {
			return nil
		}
		if p.Orders == nil || who.Role != types.RoleConsumer {
			break
		}
		parties, found, err := p.Orders.ActiveOrderForDriver(ctx, types.ID(key))
		if err != nil {
			return fmt.Errorf("lookup active order for driver %s: %w", key, err)
		}
		if found && parties.CustomerID == who.UserID {
			return nil
		}
	case KindConversation:
		if p.Conversations == nil {
			break
		}
		ok, err := p.Conversations.IsParticipant(ctx, types.ID(key), who.UserID)
		if err != nil {
			return fmt.Errorf("lookup conversation %s: %w", key, err)
		}
		if ok {
			return nil
		}
	}
	return ErrNotAuthorized
}
