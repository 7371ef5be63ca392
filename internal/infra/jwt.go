// README: HMAC-signed JWT verifier for local and test deployments without Firebase.
package infra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token body: sub is the user id, role one of the marketplace roles.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type jwtVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) TokenVerifier {
	return &jwtVerifier{secret: []byte(secret)}
}

func (v *jwtVerifier) VerifyIDToken(_ context.Context, raw string) (*FirebaseToken, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("parse jwt: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("jwt has no subject")
	}
	out := map[string]interface{}{}
	if claims.Role != "" {
		out["role"] = claims.Role
	}
	return &FirebaseToken{UID: claims.Subject, Claims: out}, nil
}

// SignJWT issues a token for userID; used by the probe CLI and tests.
func SignJWT(secret, userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
