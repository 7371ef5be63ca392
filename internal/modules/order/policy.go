// README: Which roles may drive which edges, and ownership of the order.
package order

import (
	"slices"

	"tracker/internal/types"
)

type edge struct{ from, to Status }

var edgeRoles = map[edge][]types.Role{
	{StatusPending, StatusConfirmed}:   {types.RoleMerchant, types.RoleAdmin},
	{StatusConfirmed, StatusPreparing}: {types.RoleMerchant, types.RoleAdmin},
	{StatusPreparing, StatusReady}:     {types.RoleMerchant, types.RoleDriver, types.RoleAdmin},
	{StatusReady, StatusPickedUp}:      {types.RoleDriver, types.RoleAdmin},
	{StatusPickedUp, StatusInTransit}:  {types.RoleDriver, types.RoleAdmin},
	{StatusInTransit, StatusDelivered}: {types.RoleDriver, types.RoleAdmin},
}

// consumerCancellable are the states a customer may still cancel from.
var consumerCancellable = []Status{StatusPending, StatusConfirmed}

// CanDrive reports whether role may move an order along from->to. It does not
// check legality of the edge itself.
func CanDrive(role types.Role, from, to Status) bool {
	if to == StatusCancelled {
		switch role {
		case types.RoleAdmin, types.RoleMerchant:
			return !from.Terminal()
		case types.RoleConsumer:
			return slices.Contains(consumerCancellable, from)
		}
		return false
	}
	return slices.Contains(edgeRoles[edge{from, to}], role)
}

// claimable edges let an unassigned order be taken by the acting driver.
func claimable(to Status) bool {
	return to == StatusReady || to == StatusPickedUp
}

// authorize checks role and ownership. It returns the driver to assign when
// the actor claims an unassigned order.
func authorize(actor types.Identity, o *Order, to Status) (*types.ID, error) {
	if !CanDrive(actor.Role, o.Status, to) {
		return nil, ErrNotAuthorized
	}
	switch actor.Role {
	case types.RoleAdmin:
		return nil, nil
	case types.RoleMerchant:
		if o.MerchantID != actor.UserID {
			return nil, ErrNotAuthorized
		}
	case types.RoleConsumer:
		if o.CustomerID != actor.UserID {
			return nil, ErrNotAuthorized
		}
	case types.RoleDriver:
		if o.DriverID == nil {
			if !claimable(to) {
				return nil, ErrNotAuthorized
			}
			id := actor.UserID
			return &id, nil
		}
		if *o.DriverID != actor.UserID {
			return nil, ErrNotAuthorized
		}
	default:
		return nil, ErrNotAuthorized
	}
	return nil, nil
}
