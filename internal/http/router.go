package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/config"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/http/handler"
	httpmiddleware "github.com/pietrobelluno/quickbooks-online-mcp-server/internal/http/middleware"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/mcp"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, brokerHandler *handler.BrokerHandler, authMiddleware *httpmiddleware.Auth, mcpServer *mcp.Server, rateLimiter *httpmiddleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(otelgin.Middleware(cfg.ServiceName))

	oauth := r.Group("/oauth")
	{
		oauth.GET("/authorize", brokerHandler.OAuthAuthorize)
		oauth.GET("/callback", brokerHandler.IntuitCallback)
		oauth.POST("/token", brokerHandler.Token)
		// Disconnect severs the whole company connection, so it sits behind
		// the same bearer gate as the MCP surface.
		oauth.POST("/disconnect", authMiddleware.Require, brokerHandler.Disconnect)
	}

	mcpHandler := gin.WrapH(mcpServer.Handler())
	r.Any("/mcp", authMiddleware.Require, mcpHandler)
	r.Any("/mcp/*path", authMiddleware.Require, mcpHandler)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
