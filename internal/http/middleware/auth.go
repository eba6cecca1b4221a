package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	domainoauth "github.com/pietrobelluno/quickbooks-online-mcp-server/internal/domain/oauth"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/service"
)

const authContextKey = "authContext"

type authCtxKey struct{}

// Auth gates protected endpoints behind a broker bearer token.
type Auth struct {
	Authenticator *service.Authenticator
}

// Require resolves the bearer token to a company session. The two failure
// classes map to distinct statuses: 401 means the broker token itself is bad
// and the client should run the token flow again; 403 means the company
// connection is gone and the whole authorization flow must be redone.
func (m *Auth) Require(c *gin.Context) {
	bearer := bearerToken(c.GetHeader("Authorization"))
	if bearer == "" {
		c.Header("WWW-Authenticate", "Bearer")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Bearer token required."})
		return
	}

	authCtx, err := m.Authenticator.Authenticate(c.Request.Context(), bearer)
	if err != nil {
		switch {
		case errors.Is(err, domainoauth.ErrUnauthenticated):
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Broker token is invalid or expired."})
		case errors.Is(err, domainoauth.ErrReauthorizationRequired):
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "reauthorization_required", "error_description": "Company connection is no longer valid. Restart the authorization flow."})
		default:
			zap.L().Error("authentication failure", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
		}
		return
	}

	c.Set(authContextKey, authCtx)
	c.Request = c.Request.WithContext(WithAuthContext(c.Request.Context(), authCtx))
	c.Next()
}

// GetAuthContext exposes the authenticated company context to handlers.
func GetAuthContext(c *gin.Context) (*service.AuthContext, bool) {
	value, ok := c.Get(authContextKey)
	if !ok {
		return nil, false
	}
	authCtx, ok := value.(*service.AuthContext)
	return authCtx, ok
}

// WithAuthContext embeds the company context into a request context so that
// non-gin handlers mounted behind the gate can reach it.
func WithAuthContext(ctx context.Context, authCtx *service.AuthContext) context.Context {
	return context.WithValue(ctx, authCtxKey{}, authCtx)
}

// AuthFromContext retrieves the company context placed by WithAuthContext.
func AuthFromContext(ctx context.Context) (*service.AuthContext, bool) {
	authCtx, ok := ctx.Value(authCtxKey{}).(*service.AuthContext)
	return authCtx, ok
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
