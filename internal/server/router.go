package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/editor-sessions/internal/auth"
	"github.com/MarcoPoloResearchLab/editor-sessions/internal/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "editor_sessions_user_id"

	defaultStreamHeartbeat = 15 * time.Second
)

var (
	errMissingSessionStore  = errors.New("session store dependency required")
	errMissingAuthenticator = errors.New("session authenticator dependency required")
	errMissingUserResolver  = errors.New("user resolver dependency required")
)

// SessionStore is the store surface the API exposes.
type SessionStore interface {
	sessions.Store
	ListActive(ctx context.Context, document sessions.DocumentRef) ([]sessions.Session, error)
}

// SessionAuthenticator validates the TAuth session presented with a request.
type SessionAuthenticator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserResolver maps validated claims to the canonical user id.
type UserResolver interface {
	ResolveCanonicalUserID(claims auth.SessionClaims) (string, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Store           SessionStore
	Authenticator   SessionAuthenticator
	Users           UserResolver
	AllowedOrigins  []string
	StreamHeartbeat time.Duration
	Logger          *zap.Logger
}

// NewHTTPHandler builds the Session API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingSessionStore
	}
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.Users == nil {
		return nil, errMissingUserResolver
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.StreamHeartbeat
	if heartbeat <= 0 {
		heartbeat = defaultStreamHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		store:         deps.Store,
		authenticator: deps.Authenticator,
		users:         deps.Users,
		heartbeat:     heartbeat,
		logger:        logger,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/editor-sessions", handler.handleCreateSession)
	protected.POST("/editor-sessions/evict", handler.handleEvictSessions)
	protected.GET("/editor-sessions/:id", handler.handleGetSession)
	protected.PATCH("/editor-sessions/:id", handler.handlePatchSession)
	protected.DELETE("/editor-sessions/:id", handler.handleDeleteSession)
	protected.GET("/editor-sessions/:id/stream", handler.handleSessionStream)
	protected.GET("/document-sessions", handler.handleListDocumentSessions)
	protected.GET("/document-sessions/stream", handler.handleDocumentSessionsStream)

	return router, nil
}

type httpHandler struct {
	store         SessionStore
	authenticator SessionAuthenticator
	users         UserResolver
	heartbeat     time.Duration
	logger        *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.authenticator.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Debug("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthenticated})
		return
	}
	userID, err := h.users.ResolveCanonicalUserID(claims)
	if err != nil {
		h.logger.Warn("user resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthenticated})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}
