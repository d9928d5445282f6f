package rest

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	mw "github.com/kasuganosora/friendgraph/middleware"
	"github.com/kasuganosora/friendgraph/relation"
	"github.com/kasuganosora/friendgraph/txn"
	"go.uber.org/zap"
)

// RelationHandler exposes the relationship service over HTTP.
type RelationHandler struct {
	svc    *relation.Service
	logger *zap.Logger
}

// NewRelationHandler creates a new RelationHandler.
func NewRelationHandler(svc *relation.Service, logger *zap.Logger) *RelationHandler {
	return &RelationHandler{svc: svc, logger: logger}
}

// Register mounts the relation routes on g. The group must already be
// behind mw.Auth.
func (h *RelationHandler) Register(g *gin.RouterGroup) {
	for _, ev := range relation.Events {
		g.POST("/"+string(ev)+"/:id", h.event(ev))
	}
	g.GET("/friends", h.list(h.svc.ListFriends))
	g.GET("/follows", h.list(h.svc.ListFollows))
	g.GET("/fans", h.list(h.svc.ListFans))
	g.GET("/bans", h.list(h.svc.ListBans))
	g.GET("/status/:id", h.Status)
}

func targetParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return 0, false
	}
	return id, true
}

// event returns the handler for POST /api/relation/<event>/:id.
func (h *RelationHandler) event(ev relation.Event) gin.HandlerFunc {
	return func(c *gin.Context) {
		me := mw.GetAccountID(c)
		target, ok := targetParam(c)
		if !ok {
			return
		}
		res, err := h.svc.Apply(c.Request.Context(), ev, me, target)
		if err != nil {
			h.fail(c, err)
			return
		}
		if !res.OK() {
			c.JSON(rejectionStatus(res.Rejection), gin.H{
				"error": res.Rejection.Reason(),
				"code":  res.Rejection,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"event":   res.Event,
			"target":  res.Target,
			"outcome": res.Outcome,
		})
	}
}

func (h *RelationHandler) list(fn func(ctx context.Context, me int64) ([]int64, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		ids, err := fn(c.Request.Context(), mw.GetAccountID(c))
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ids": ids, "count": len(ids)})
	}
}

// Status handles GET /api/relation/status/:id.
func (h *RelationHandler) Status(c *gin.Context) {
	target, ok := targetParam(c)
	if !ok {
		return
	}
	st, err := h.svc.Status(c.Request.Context(), mw.GetAccountID(c), target)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"target":  target,
		"state":   st,
		"friends": st.Friends(),
	})
}

func (h *RelationHandler) fail(c *gin.Context, err error) {
	if errors.Is(err, txn.ErrContention) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "busy, try again", "retryable": true})
		return
	}
	h.logger.Error("relation request failed",
		zap.String("path", c.FullPath()), zap.Int64("account_id", mw.GetAccountID(c)), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func rejectionStatus(r relation.Rejection) int {
	switch r {
	case relation.SelfReference, relation.UnknownEvent:
		return http.StatusBadRequest
	case relation.TargetNotFound:
		return http.StatusNotFound
	}
	return http.StatusConflict
}
