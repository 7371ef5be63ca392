// README: Auth middleware; verifies the bearer token and stores the caller identity on the gin context.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"tracker/internal/infra"
	"tracker/internal/logging"
	"tracker/internal/types"
)

const identityKey = "tracker.identity"

func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	authn := infra.Authenticator{Verifier: verifier}
	return func(c *gin.Context) {
		token, ok := BearerToken(c.Request)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		who, err := authn.Authenticate(c.Request.Context(), token)
		if err != nil {
			logging.Debug().Err(err).Str("path", c.FullPath()).Msg("auth rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(identityKey, who)
		c.Next()
	}
}

// BearerToken extracts the token from "Authorization: Bearer <token>".
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	token = strings.TrimSpace(token)
	return token, ok && token != ""
}

func CallerIdentity(c *gin.Context) (types.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return types.Identity{}, false
	}
	who, ok := v.(types.Identity)
	return who, ok
}

func CallerUID(c *gin.Context) string {
	who, _ := CallerIdentity(c)
	return string(who.UserID)
}

func CallerRole(c *gin.Context) string {
	who, _ := CallerIdentity(c)
	return string(who.Role)
}
