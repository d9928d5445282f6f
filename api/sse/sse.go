package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/friendgraph/cache"
	"github.com/kasuganosora/friendgraph/config"
	mw "github.com/kasuganosora/friendgraph/middleware"
	"github.com/kasuganosora/friendgraph/relation"
	"go.uber.org/zap"
)

const announceChannel = "announce"

// Handler handles the SSE endpoint.
type Handler struct {
	pubsub    cache.PubSub
	sec       config.SecurityConfig
	c         cache.Cache
	logger    *zap.Logger
	keepalive time.Duration
}

// NewHandler creates a new SSE Handler.
func NewHandler(pubsub cache.PubSub, c cache.Cache, sec config.SecurityConfig, logger *zap.Logger) *Handler {
	return &Handler{pubsub: pubsub, c: c, sec: sec, logger: logger, keepalive: 30 * time.Second}
}

// SetKeepalive changes the interval of keepalive comments.
func (h *Handler) SetKeepalive(d time.Duration) { h.keepalive = d }

// ServeSSE handles GET /sse?token=<jwt>.
// It streams the caller's relationship notifications as "relation" events
// and system announcements as "announce" events.
func (h *Handler) ServeSSE(c *gin.Context) {
	tokenStr := c.Query("token")
	if tokenStr == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	accountID, reason := mw.Authenticate(c.Request.Context(), tokenStr, h.sec, h.c)
	if reason != "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": reason})
		return
	}

	subCtx, subCancel := context.WithCancel(c.Request.Context())
	defer subCancel()

	own := relation.Channel(accountID)
	msgCh, unsub, err := h.pubsub.Subscribe(subCtx, own, announceChannel)
	if err != nil {
		h.logger.Error("sse subscribe failed", zap.Int64("account_id", accountID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "subscribe failed"})
		return
	}
	defer unsub()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	fmt.Fprintf(c.Writer, "event: connected\ndata: {\"account_id\":%d}\n\n", accountID)
	c.Writer.Flush()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			event := "announce"
			if msg.Channel == own {
				event = "relation"
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, msg.Payload)
			c.Writer.Flush()

		case <-ticker.C:
			fmt.Fprintf(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()

		case <-c.Request.Context().Done():
			return
		}
	}
}

// Announce publishes an announcement message to all SSE subscribers.
func (h *Handler) Announce(ctx context.Context, message string) error {
	return h.pubsub.Publish(ctx, announceChannel, message)
}

type announceRequest struct {
	Message string `json:"message" binding:"required,max=1024"`
}

// PostAnnounce handles POST /api/admin/announce. The message is wrapped in
// a JSON object so it stays on one data line.
func (h *Handler) PostAnnounce(c *gin.Context) {
	var req announceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	payload, err := json.Marshal(gin.H{"message": req.Message, "at": time.Now().Unix()})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encode failed"})
		return
	}
	if err := h.Announce(c.Request.Context(), string(payload)); err != nil {
		h.logger.Error("announce publish failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "publish failed"})
		return
	}
	h.logger.Info("announcement published", zap.Int("len", len(req.Message)))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
