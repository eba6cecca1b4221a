package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/http/middleware"
)

// Server exposes the QuickBooks tools over the MCP streamable-HTTP transport.
// It is mounted behind the broker's bearer gate, so every tool handler runs
// with an authenticated company context in ctx.
type Server struct {
	mcpServer  *server.MCPServer
	streamable *server.StreamableHTTPServer
	logger     *zap.Logger
}

// NewServer builds the MCP server and registers its tools.
func NewServer(logger *zap.Logger) *Server {
	mcpServer := server.NewMCPServer(
		"quickbooks-online-mcp",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)

	s := &Server{
		mcpServer: mcpServer,
		logger:    logger,
	}
	s.registerTools()

	s.streamable = server.NewStreamableHTTPServer(
		mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithStateLess(true),
	)
	return s
}

// Handler returns the streamable-HTTP handler for mounting on the router.
func (s *Server) Handler() http.Handler {
	return s.streamable
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "company_info",
		Description: "Return the connected QuickBooks company (realm) this session is bound to",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, s.handleCompanyInfo)
}

func (s *Server) handleCompanyInfo(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	authCtx, ok := middleware.AuthFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("no authenticated company in request context"), nil
	}

	payload, err := json.Marshal(map[string]string{
		"realm_id":   authCtx.RealmID,
		"session_id": authCtx.SessionID,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to format company info: %v", err)), nil
	}

	s.log().Debug("company_info served", zap.String("realm_id", authCtx.RealmID))
	return mcp.NewToolResultText(string(payload)), nil
}

func (s *Server) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
