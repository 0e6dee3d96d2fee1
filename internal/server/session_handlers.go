package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/editor-sessions/internal/conflicts"
	"github.com/MarcoPoloResearchLab/editor-sessions/internal/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	errorCodeInvalidRequest  = "invalid_request"
	errorCodeNotFound        = "session_not_found"
	errorCodeForbidden       = "forbidden"
	errorCodeStoreFailed     = "store_failed"
	errorCodeUnauthenticated = "unauthorized"

	queryDocID          = "doc_id"
	queryCollectionPath = "doc_collection_path"
)

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var payload sessions.SessionPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	session, err := payload.Session()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	session.OwnerUserID = userID

	existing, err := h.store.GetOnce(c.Request.Context(), session.ID)
	switch {
	case err == nil:
		if !ownedBy(existing, userID) {
			c.JSON(http.StatusForbidden, gin.H{"error": errorCodeForbidden})
			return
		}
	case !errors.Is(err, sessions.ErrSessionNotFound):
		h.respondStoreError(c, "create", err)
		return
	}

	if err := h.store.Put(c.Request.Context(), session); err != nil {
		h.respondStoreError(c, "create", err)
		return
	}
	c.JSON(http.StatusCreated, sessions.NewSessionPayload(session))
}

func (h *httpHandler) handleGetSession(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}
	session, err := h.store.GetOnce(c.Request.Context(), sessionID)
	if err != nil {
		h.respondStoreError(c, "get", err)
		return
	}
	c.JSON(http.StatusOK, sessions.NewSessionPayload(session))
}

func (h *httpHandler) handlePatchSession(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}
	var payload sessions.PatchPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	patch, err := payload.Patch()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}

	if patch.TouchesOwnerFields() {
		existing, err := h.store.GetOnce(c.Request.Context(), sessionID)
		if err != nil {
			h.respondStoreError(c, "patch", err)
			return
		}
		if !ownedBy(existing, c.GetString(userIDContextKey)) {
			c.JSON(http.StatusForbidden, gin.H{"error": errorCodeForbidden})
			return
		}
	}

	if err := h.store.Patch(c.Request.Context(), sessionID, patch); err != nil {
		h.respondStoreError(c, "patch", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteSession(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}
	existing, err := h.store.GetOnce(c.Request.Context(), sessionID)
	if errors.Is(err, sessions.ErrSessionNotFound) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		h.respondStoreError(c, "delete", err)
		return
	}
	if !ownedBy(existing, c.GetString(userIDContextKey)) {
		c.JSON(http.StatusForbidden, gin.H{"error": errorCodeForbidden})
		return
	}
	if err := h.store.Remove(c.Request.Context(), sessionID); err != nil {
		h.respondStoreError(c, "delete", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleEvictSessions(c *gin.Context) {
	var payload sessions.EvictionPayload
	if err := c.ShouldBindJSON(&payload); err != nil || len(payload.SessionIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	identifiers := make([]sessions.SessionID, 0, len(payload.SessionIDs))
	for _, rawID := range payload.SessionIDs {
		sessionID, err := sessions.NewSessionID(rawID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
			return
		}
		identifiers = append(identifiers, sessionID)
	}
	except := sessions.SessionID(payload.ExceptSessionID)

	if err := conflicts.EvictSessionIDs(c.Request.Context(), h.store, except, identifiers); err != nil {
		h.respondStoreError(c, "evict", err)
		return
	}
	h.logger.Info("editor sessions evicted",
		zap.String("user_id", c.GetString(userIDContextKey)),
		zap.Int("session_count", len(identifiers)))
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListDocumentSessions(c *gin.Context) {
	document, ok := documentQuery(c)
	if !ok {
		return
	}
	active, err := h.store.ListActive(c.Request.Context(), document)
	if err != nil {
		h.respondStoreError(c, "list", err)
		return
	}
	c.JSON(http.StatusOK, sessions.SessionListPayload{Sessions: sessions.NewSessionPayloads(active)})
}

func (h *httpHandler) respondStoreError(c *gin.Context, operation string, err error) {
	switch {
	case errors.Is(err, sessions.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": errorCodeNotFound})
	case errors.Is(err, sessions.ErrEmptyPatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
	default:
		h.logger.Error("session store request failed",
			zap.String("operation", operation),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorCodeStoreFailed})
	}
}

func sessionIDParam(c *gin.Context) (sessions.SessionID, bool) {
	sessionID, err := sessions.NewSessionID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return "", false
	}
	return sessionID, true
}

func documentQuery(c *gin.Context) (sessions.DocumentRef, bool) {
	document, err := sessions.NewDocumentRef(c.Query(queryDocID), c.Query(queryCollectionPath))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return sessions.DocumentRef{}, false
	}
	return document, true
}

// Records without an owner predate ownership tracking and stay open to every caller.
func ownedBy(session sessions.Session, userID string) bool {
	return session.OwnerUserID == "" || session.OwnerUserID == userID
}
