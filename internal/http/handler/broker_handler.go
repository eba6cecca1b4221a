package handler

import (
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	domainoauth "github.com/pietrobelluno/quickbooks-online-mcp-server/internal/domain/oauth"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/service"
)

// BrokerHandler orchestrates the broker's OAuth endpoints.
type BrokerHandler struct {
	Authorize service.AuthorizeService
	Tokens    *service.TokenService
}

// NewBrokerHandler creates the handler set.
func NewBrokerHandler(authorize service.AuthorizeService, tokens *service.TokenService) *BrokerHandler {
	return &BrokerHandler{Authorize: authorize, Tokens: tokens}
}

type oauthAuthorizeRequest struct {
	ClientID            string `form:"client_id"`
	ResponseType        string `form:"response_type"`
	RedirectURI         string `form:"redirect_uri"`
	Scope               string `form:"scope"`
	CodeChallenge       string `form:"code_challenge"`
	CodeChallengeMethod string `form:"code_challenge_method"`
	State               string `form:"state"`
}

// OAuthAuthorize starts the outer authorization leg. The response is always a
// redirect for the browser: either straight back to the client with a code
// (shared session) or out to Intuit for consent.
func (h *BrokerHandler) OAuthAuthorize(c *gin.Context) {
	var req oauthAuthorizeRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.renderErrorPage(c, http.StatusBadRequest, "invalid_request", "Invalid authorize request.")
		return
	}

	result, err := h.Authorize.StartAuthorization(c.Request.Context(), service.StartAuthorizationInput{
		ResponseType:        req.ResponseType,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		State:               req.State,
		Scope:               req.Scope,
		CallbackURL:         callbackURL(c.Request),
	})
	if err != nil {
		h.renderServiceErrorPage(c, err)
		return
	}

	c.Redirect(http.StatusFound, result.RedirectURL)
}

// IntuitCallback lands the inner leg. Intuit sends realmId; tenantId is
// accepted as an alias for clients that proxy the callback.
func (h *BrokerHandler) IntuitCallback(c *gin.Context) {
	if provErr := strings.TrimSpace(c.Query("error")); provErr != "" {
		zap.L().Warn("intuit returned an authorization error",
			zap.String("error", provErr),
			zap.String("error_description", c.Query("error_description")),
		)
		h.renderErrorPage(c, http.StatusBadRequest, provErr, "QuickBooks did not authorize the connection. Close this window and try again.")
		return
	}

	realmID := strings.TrimSpace(c.Query("realmId"))
	if realmID == "" {
		realmID = strings.TrimSpace(c.Query("tenantId"))
	}

	result, err := h.Authorize.HandleIntuitCallback(c.Request.Context(), service.IntuitCallbackInput{
		Code:        c.Query("code"),
		RealmID:     realmID,
		State:       c.Query("state"),
		CallbackURL: callbackURL(c.Request),
	})
	if err != nil {
		h.renderServiceErrorPage(c, err)
		return
	}

	c.Redirect(http.StatusFound, result.RedirectURL)
}

type tokenRequest struct {
	GrantType    string `form:"grant_type" binding:"required"`
	Code         string `form:"code"`
	CodeVerifier string `form:"code_verifier"`
	ClientID     string `form:"client_id"`
	RefreshToken string `form:"refresh_token"`
}

// Token handles the outer token endpoint.
func (h *BrokerHandler) Token(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid token request."})
		return
	}

	resp, err := h.Tokens.Exchange(c.Request.Context(), service.TokenExchangeInput{
		GrantType:    req.GrantType,
		Code:         req.Code,
		CodeVerifier: req.CodeVerifier,
		ClientID:     req.ClientID,
		RefreshToken: req.RefreshToken,
	})
	if err != nil {
		var oauthErr *service.OAuthError
		if errors.As(err, &oauthErr) {
			c.JSON(oauthErr.Status, gin.H{"error": oauthErr.Code, "error_description": oauthErr.Description})
			return
		}
		zap.L().Error("token exchange failure", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, resp)
}

type disconnectRequest struct {
	RealmID string `form:"realm_id" json:"realm_id"`
}

// Disconnect severs the company connection for a realm.
func (h *BrokerHandler) Disconnect(c *gin.Context) {
	var req disconnectRequest
	if err := c.ShouldBind(&req); err != nil || strings.TrimSpace(req.RealmID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "realm_id is required."})
		return
	}

	if err := h.Authorize.Disconnect(c.Request.Context(), req.RealmID); err != nil {
		if errors.Is(err, domainoauth.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "realm_id is required."})
			return
		}
		zap.L().Error("disconnect failure", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

// renderServiceErrorPage maps service errors onto the browser-facing error
// page. Redirect legs never return JSON; the person staring at the page is
// not the programmatic client.
func (h *BrokerHandler) renderServiceErrorPage(c *gin.Context, err error) {
	var oauthErr *service.OAuthError
	switch {
	case errors.As(err, &oauthErr):
		h.renderErrorPage(c, oauthErr.Status, oauthErr.Code, oauthErr.Description)
	case errors.Is(err, domainoauth.ErrInvalidState):
		zap.L().Warn("state rejected", zap.Error(err))
		h.renderErrorPage(c, http.StatusBadRequest, "invalid_request", "The authorization flow has expired or was tampered with. Start again.")
	case errors.Is(err, domainoauth.ErrInvalidRequest):
		h.renderErrorPage(c, http.StatusBadRequest, "invalid_request", "The request is missing required parameters.")
	default:
		zap.L().Error("authorization failure", zap.Error(err))
		h.renderErrorPage(c, http.StatusInternalServerError, "server_error", "Something went wrong on our side. Close this window and try again.")
	}
}

const errorPageTemplate = `<!DOCTYPE html>
<html>
<head><title>Authorization Error</title></head>
<body>
<h1>Authorization failed</h1>
<p><strong>%s</strong></p>
<p>%s</p>
</body>
</html>`

func (h *BrokerHandler) renderErrorPage(c *gin.Context, status int, code, description string) {
	body := fmt.Sprintf(errorPageTemplate, html.EscapeString(code), html.EscapeString(description))
	c.Data(status, "text/html; charset=utf-8", []byte(body))
}

// callbackURL is the broker's own Intuit-facing redirect, rebuilt from the
// incoming request. The host keeps its port; Intuit matches the registered
// redirect URI byte for byte.
func callbackURL(r *http.Request) string {
	return fmt.Sprintf("%s://%s/oauth/callback", schemeOnly(r), r.Host)
}

func schemeOnly(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		if r.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	return scheme
}
