package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/charlesng35/collabd/internal/auth"
	"github.com/charlesng35/collabd/pkg/errors"
	"github.com/charlesng35/collabd/pkg/response"
)

const CtxClaimsKey = "authClaims"

// TokenValidator validates connection tokens.
type TokenValidator interface {
	Validate(token string) (*iauth.Claims, error)
}

// Auth validates the request's token and stores its claims in the context. Tokens are
// read from the Authorization header or, for websocket upgrades, the token and
// access_token query parameters. Requests without a token pass through unless required
// is set; requests with an invalid token are always rejected.
func Auth(tokens TokenValidator, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" || tokens == nil {
			if required {
				c.Header("WWW-Authenticate", "Bearer")
				response.Error(c, errors.ErrUnauthorized)
				c.Abort()
				return
			}
			c.Next()
			return
		}

		claims, err := tokens.Validate(token)
		if err != nil {
			// Normalise all validation failures to 401
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		c.Set(CtxClaimsKey, claims)
		c.Next()
	}
}

// RequireAdmin rejects authenticated requests whose claims are not admin claims.
// Anonymous requests only get here when authentication is optional.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if claims := ClaimsFrom(c); claims != nil && !claims.Admin {
			response.Error(c, errors.ErrNotAuthorized)
			c.Abort()
			return
		}
		c.Next()
	}
}

// ClaimsFrom returns the claims stored by Auth, or nil.
func ClaimsFrom(c *gin.Context) *iauth.Claims {
	value, ok := c.Get(CtxClaimsKey)
	if !ok {
		return nil
	}
	claims, _ := value.(*iauth.Claims)
	return claims
}

func extractToken(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if len(authz) >= 8 && strings.EqualFold(authz[:7], "Bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	if token := strings.TrimSpace(c.Query("token")); token != "" {
		return token
	}
	return strings.TrimSpace(c.Query("access_token"))
}
