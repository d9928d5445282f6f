package rest

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/friendgraph/cache"
	mw "github.com/kasuganosora/friendgraph/middleware"
	"github.com/kasuganosora/friendgraph/model"
	"github.com/kasuganosora/friendgraph/relation"
	"github.com/kasuganosora/friendgraph/scheduler"
	"github.com/kasuganosora/friendgraph/store"
	"github.com/kasuganosora/friendgraph/txn"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AdminHandler handles admin-only REST endpoints.
// Routes should be protected by AdminAuth middleware.
type AdminHandler struct {
	db      *gorm.DB
	cache   cache.Cache
	edges   *store.EdgeStore
	coord   *txn.Coordinator
	metrics *relation.Metrics
	sched   *scheduler.Scheduler
	logger  *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(
	db *gorm.DB,
	c cache.Cache,
	edges *store.EdgeStore,
	coord *txn.Coordinator,
	metrics *relation.Metrics,
	sched *scheduler.Scheduler,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{db: db, cache: c, edges: edges, coord: coord, metrics: metrics, sched: sched, logger: logger}
}

// Metrics returns server health metrics.
// GET /api/admin/metrics
func (h *AdminHandler) Metrics(c *gin.Context) {
	ctx := c.Request.Context()
	counts, err := h.edges.CountActive(ctx)
	if err != nil {
		h.logger.Error("admin metrics: count edges", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	var results map[string]int64
	if h.metrics != nil {
		if results, err = h.metrics.Snapshot(ctx); err != nil {
			h.logger.Warn("admin metrics: snapshot", zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"active_edges":    counts,
		"transactions":    h.coord.Stats(),
		"results":         results,
		"scheduler_tasks": h.sched.ListTickers(),
	})
}

// Invariants scans the edge table for rule violations.
// GET /api/admin/invariants
func (h *AdminHandler) Invariants(c *gin.Context) {
	r, err := h.edges.CheckInvariants(c.Request.Context())
	if err != nil {
		h.logger.Error("admin invariants", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": r.OK(), "report": r})
}

// SuspendAccount suspends or restores an account. A suspended account
// cannot log in and its live sessions are refused.
// POST /api/admin/accounts/:id/suspend
func (h *AdminHandler) SuspendAccount(c *gin.Context) {
	accountID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var req struct {
		Suspend bool `json:"suspend"`
	}
	_ = c.ShouldBindJSON(&req)

	status := model.AccountNormal
	if req.Suspend {
		status = model.AccountSuspended
	}
	result := h.db.WithContext(c.Request.Context()).
		Model(&model.Account{}).Where("id = ?", accountID).Update("status", status)
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	key := mw.SuspendedKey(accountID)
	if req.Suspend {
		err = h.cache.Set(ctx, key, "1", 0)
	} else {
		err = h.cache.Del(ctx, key)
	}
	if err != nil {
		h.logger.Error("admin suspend: cache", zap.Int64("account_id", accountID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cache error"})
		return
	}
	h.logger.Info("admin changed account status",
		zap.Int64("account_id", accountID), zap.Bool("suspended", req.Suspend))
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": status})
}

// ListSchedulerTasks returns all registered ticker tasks.
// GET /api/admin/scheduler
func (h *AdminHandler) ListSchedulerTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.sched.Tasks()})
}

// RemoveSchedulerTask stops a ticker or pending delayed task.
// DELETE /api/admin/scheduler/:name
func (h *AdminHandler) RemoveSchedulerTask(c *gin.Context) {
	name := c.Param("name")
	if !h.sched.Remove(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	h.logger.Info("admin removed scheduler task", zap.String("name", name))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// AdminAuth returns a middleware that checks the X-Admin-Key header.
// If adminKey is empty all admin endpoints answer 503.
func AdminAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				gin.H{"error": "admin endpoints disabled: set server.admin_key in config"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(c.GetHeader("X-Admin-Key")), []byte(adminKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
