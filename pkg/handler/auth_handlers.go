// Identity HTTP handlers and the bearer principal middleware
package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rubberduck/rubberduck/pkg/models"
	"github.com/rubberduck/rubberduck/pkg/service"
)

const (
	principalKey = "principal"
	tokenKey     = "principal_token"
)

// AuthHandler handles sign-up, sign-in and session lookups.
type AuthHandler struct {
	auth   *service.AuthService
	logger *slog.Logger
}

func NewAuthHandler(auth *service.AuthService, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{auth: auth, logger: logger}
}

// RegisterRoutes registers identity routes
func (h *AuthHandler) RegisterRoutes(r *gin.RouterGroup) {
	auth := r.Group("/auth")
	{
		auth.POST("/signup", h.SignUp)
		auth.POST("/signin", h.SignIn)
		auth.POST("/signout", h.SignOut)
		auth.GET("/session", h.Session)
	}
}

// Middleware resolves `Authorization: Bearer <token>` into a principal.
// Requests without a valid token continue anonymously.
func (h *AuthHandler) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token != "" {
			h.resolve(c, token)
		}
		c.Next()
	}
}

// Authenticate resolves the `token` query parameter for WebSocket upgrades,
// which cannot carry headers from a browser.
func (h *AuthHandler) Authenticate(c *gin.Context) (string, bool) {
	if id, ok := PrincipalID(c); ok {
		return id, true
	}
	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		return "", false
	}
	h.resolve(c, token)
	return PrincipalID(c)
}

func (h *AuthHandler) resolve(c *gin.Context, token string) {
	sess, err := h.auth.CurrentSession(c.Request.Context(), token)
	if err != nil {
		h.logger.Error("Failed to resolve session", "op", "auth", "error", err)
		return
	}
	if sess == nil {
		return
	}
	c.Set(principalKey, sess)
	c.Set(tokenKey, token)
}

// PrincipalID returns the signed-in user id.
func PrincipalID(c *gin.Context) (string, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return "", false
	}
	sess, ok := v.(*models.Session)
	if !ok || sess.User.ID == "" {
		return "", false
	}
	return sess.User.ID, true
}

// requirePrincipal writes 401 and returns false for anonymous requests.
func requirePrincipal(c *gin.Context) (string, bool) {
	id, ok := PrincipalID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return "", false
	}
	return id, true
}

// SignUp registers an account
// POST /api/auth/signup
func (h *AuthHandler) SignUp(c *gin.Context) {
	var req models.Credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}
	sess, err := h.auth.SignUp(c.Request.Context(), req)
	if err != nil {
		h.writeAuthError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// SignIn exchanges credentials for a token
// POST /api/auth/signin
func (h *AuthHandler) SignIn(c *gin.Context) {
	var req models.Credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}
	sess, err := h.auth.SignIn(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.writeAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// SignOut revokes the request's token
// POST /api/auth/signout
func (h *AuthHandler) SignOut(c *gin.Context) {
	token := c.GetString(tokenKey)
	if token == "" {
		token = bearerToken(c.GetHeader("Authorization"))
	}
	if err := h.auth.SignOut(c.Request.Context(), token); err != nil {
		h.logger.Error("Failed to sign out", "op", "auth", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to sign out"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Signed out"})
}

// Session returns the current session, or null
// GET /api/auth/session
func (h *AuthHandler) Session(c *gin.Context) {
	resp := models.SessionResponse{}
	if v, ok := c.Get(principalKey); ok {
		resp.Session, _ = v.(*models.Session)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *AuthHandler) writeAuthError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidEmail), errors.Is(err, service.ErrWeakPassword):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("Identity request failed", "op", "auth", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Identity request failed"})
	}
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
