// README: Common value objects shared across modules (ids, points, caller identity).
package types

import "strings"

type ID string

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point lies inside WGS84 bounds.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

type Role string

const (
	RoleConsumer Role = "CONSUMER"
	RoleMerchant Role = "MERCHANT"
	RoleDriver   Role = "DRIVER"
	RoleAdmin    Role = "ADMIN"
)

// ParseRole accepts any casing; "customer" and "passenger" map to CONSUMER.
func ParseRole(s string) (Role, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CONSUMER", "CUSTOMER", "PASSENGER":
		return RoleConsumer, true
	case "MERCHANT":
		return RoleMerchant, true
	case "DRIVER":
		return RoleDriver, true
	case "ADMIN":
		return RoleAdmin, true
	}
	return "", false
}

// Identity is the authenticated caller behind a connection or request.
type Identity struct {
	UserID ID
	Role   Role
}

func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}
