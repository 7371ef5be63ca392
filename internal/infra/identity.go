// README: Turns verified tokens into caller identities for the connection registry and HTTP.
package infra

import (
	"context"
	"errors"
	"fmt"

	"tracker/internal/types"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// IdentityFromToken reads the "role" custom claim. A token without one is a
// plain marketplace sign-up and maps to CONSUMER.
func IdentityFromToken(tok *FirebaseToken) (types.Identity, error) {
	if tok == nil || tok.UID == "" {
		return types.Identity{}, fmt.Errorf("%w: empty token", ErrUnauthenticated)
	}
	role := types.RoleConsumer
	if raw, ok := tok.Claims["role"].(string); ok && raw != "" {
		parsed, ok := types.ParseRole(raw)
		if !ok {
			return types.Identity{}, fmt.Errorf("%w: unknown role %q", ErrUnauthenticated, raw)
		}
		role = parsed
	}
	return types.Identity{UserID: types.ID(tok.UID), Role: role}, nil
}

// Authenticator adapts a TokenVerifier to connection.Authenticator.
type Authenticator struct {
	Verifier TokenVerifier
}

func (a Authenticator) Authenticate(ctx context.Context, credentials string) (types.Identity, error) {
	if credentials == "" {
		return types.Identity{}, fmt.Errorf("%w: missing credentials", ErrUnauthenticated)
	}
	tok, err := a.Verifier.VerifyIDToken(ctx, credentials)
	if err != nil {
		return types.Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	return IdentityFromToken(tok)
}
