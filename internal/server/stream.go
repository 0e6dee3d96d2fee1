package server

import (
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/editor-sessions/internal/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type heartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
}

func (h *httpHandler) handleSessionStream(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}
	subscription, err := h.store.Subscribe(c.Request.Context(), sessionID)
	if err != nil {
		h.respondStoreError(c, "stream_session", err)
		return
	}
	defer subscription.Cancel()

	streamSubscription(c, h.heartbeat, subscription, sessions.StreamEventSession, func(snapshot sessions.RecordSnapshot) interface{} {
		return sessions.NewRecordPayload(snapshot)
	})
	h.logger.Debug("session stream closed", zap.String("session_id", sessionID.String()))
}

func (h *httpHandler) handleDocumentSessionsStream(c *gin.Context) {
	document, ok := documentQuery(c)
	if !ok {
		return
	}
	subscription, err := h.store.SubscribeQuery(c.Request.Context(), document)
	if err != nil {
		h.respondStoreError(c, "stream_document", err)
		return
	}
	defer subscription.Cancel()

	streamSubscription(c, h.heartbeat, subscription, sessions.StreamEventSessions, func(active []sessions.Session) interface{} {
		return sessions.SessionListPayload{Sessions: sessions.NewSessionPayloads(active)}
	})
	h.logger.Debug("document stream closed", zap.String("document", document.String()))
}

// streamSubscription writes every update as a server-sent event until the
// client leaves or the subscription ends.
func streamSubscription[T any](c *gin.Context, heartbeat time.Duration, subscription sessions.Subscription[T], event string, encode func(T) interface{}) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	ctx := c.Request.Context()
	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case value, ok := <-subscription.Updates():
			if !ok {
				return false
			}
			c.SSEvent(event, encode(value))
			return true
		case moment := <-ticker.C:
			c.SSEvent(sessions.StreamEventHeartbeat, heartbeatPayload{Timestamp: moment.UnixMilli()})
			return true
		}
	})
}
