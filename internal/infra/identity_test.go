// README: Token to identity mapping tests.
package infra

import (
	"context"
	"errors"
	"testing"
	"time"

	"tracker/internal/types"
)

func TestIdentityFromToken(t *testing.T) {
	cases := []struct {
		name    string
		tok     *FirebaseToken
		want    types.Identity
		wantErr bool
	}{
		{"driver claim", &FirebaseToken{UID: "d1", Claims: map[string]interface{}{"role": "driver"}}, types.Identity{UserID: "d1", Role: types.RoleDriver}, false},
		{"passenger alias", &FirebaseToken{UID: "p1", Claims: map[string]interface{}{"role": "passenger"}}, types.Identity{UserID: "p1", Role: types.RoleConsumer}, false},
		{"no role claim", &FirebaseToken{UID: "u1", Claims: map[string]interface{}{}}, types.Identity{UserID: "u1", Role: types.RoleConsumer}, false},
		{"unknown role", &FirebaseToken{UID: "u1", Claims: map[string]interface{}{"role": "root"}}, types.Identity{}, true},
		{"empty uid", &FirebaseToken{}, types.Identity{}, true},
		{"nil token", nil, types.Identity{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := IdentityFromToken(tc.tok)
			if tc.wantErr {
				if !errors.Is(err, ErrUnauthenticated) {
					t.Fatalf("expected ErrUnauthenticated, got %v", err)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("got %+v, %v; want %+v", got, err, tc.want)
			}
		})
	}
}

func TestJWTRoundTrip(t *testing.T) {
	tok, err := SignJWT("secret", "m1", "MERCHANT", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	auth := Authenticator{Verifier: NewJWTVerifier("secret")}
	id, err := auth.Authenticate(context.Background(), tok)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id.UserID != "m1" || id.Role != types.RoleMerchant {
		t.Fatalf("identity = %+v", id)
	}
}

func TestJWTRejects(t *testing.T) {
	wrongKey, _ := SignJWT("other", "m1", "MERCHANT", time.Minute)
	expired, _ := SignJWT("secret", "m1", "MERCHANT", -time.Minute)
	auth := Authenticator{Verifier: NewJWTVerifier("secret")}
	for name, tok := range map[string]string{"wrong key": wrongKey, "expired": expired, "garbage": "abc", "empty": ""} {
		if _, err := auth.Authenticate(context.Background(), tok); !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("%s: expected ErrUnauthenticated, got %v", name, err)
		}
	}
}
