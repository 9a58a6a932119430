package httpapi

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lessgo/admission"
)

// Authenticator resolves a bearer token to a principal. The admission
// layer never mints tokens itself; the surrounding application owns
// authentication and injects its resolver here.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (principalID string, err error)
}

// AuthenticatorFunc is an adapter to use a plain function as an Authenticator.
type AuthenticatorFunc func(ctx context.Context, token string) (string, error)

// Authenticate implements Authenticator.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// StaticTokens returns an Authenticator over a fixed token-to-principal
// map. Test and single-tenant use.
func StaticTokens(tokens map[string]string) Authenticator {
	return AuthenticatorFunc(func(_ context.Context, token string) (string, error) {
		if principal, ok := tokens[token]; ok {
			return principal, nil
		}
		return "", admission.ErrUnauthorized
	})
}

const principalKey = "admission.principal"

// principal returns the authenticated principal for the request, or ""
// when the request carried no valid credentials.
func principal(c *gin.Context) string {
	return c.GetString(principalKey)
}

// authenticate resolves the bearer token, if any, and stashes the
// principal on the context. An absent or invalid token is not an error
// here: the gate answers 401 where authentication is actually required.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.Next()
			return
		}

		principalID, err := s.auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			c.Next()
			return
		}
		c.Set(principalKey, principalID)
		c.Next()
	}
}
