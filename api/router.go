// Package api assembles the HTTP surface shared by main and the
// integration harness.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	apirest "github.com/kasuganosora/friendgraph/api/rest"
	"github.com/kasuganosora/friendgraph/api/sse"
	"github.com/kasuganosora/friendgraph/cache"
	"github.com/kasuganosora/friendgraph/config"
	mw "github.com/kasuganosora/friendgraph/middleware"
	"github.com/kasuganosora/friendgraph/relation"
	"github.com/kasuganosora/friendgraph/scheduler"
	"github.com/kasuganosora/friendgraph/store"
	"github.com/kasuganosora/friendgraph/txn"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// Deps are the wired components the router serves.
type Deps struct {
	DB       *gorm.DB
	Cache    cache.Cache
	PubSub   cache.PubSub
	Edges    *store.EdgeStore
	Coord    *txn.Coordinator
	Service  *relation.Service
	Metrics  *relation.Metrics
	Sched    *scheduler.Scheduler
	Server   config.ServerConfig
	Security config.SecurityConfig
	Logger   *zap.Logger
}

// NewRouter builds the gin engine with every route mounted.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(d.Logger), mw.Recovery(d.Logger))
	if d.Security.RateLimitRPS > 0 {
		r.Use(mw.RateLimit(rate.Limit(d.Security.RateLimitRPS), d.Security.RateLimitBurst))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authH := apirest.NewAuthHandler(d.DB, d.Cache, d.Security)
	relH := apirest.NewRelationHandler(d.Service, d.Logger)
	adminH := apirest.NewAdminHandler(d.DB, d.Cache, d.Edges, d.Coord, d.Metrics, d.Sched, d.Logger)
	sseH := sse.NewHandler(d.PubSub, d.Cache, d.Security, d.Logger)
	auth := mw.Auth(d.Security, d.Cache)

	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.POST("/register", authH.Register)
		authG.POST("/login", authH.Login)
		authG.POST("/logout", auth, authH.Logout)
		authG.POST("/refresh", auth, authH.Refresh)

		relH.Register(api.Group("/relation", auth))

		adminG := api.Group("/admin")
		adminG.Use(mw.IPWhitelist(d.Security.AdminIPs), apirest.AdminAuth(d.Server.AdminKey))
		adminG.GET("/metrics", adminH.Metrics)
		adminG.GET("/invariants", adminH.Invariants)
		adminG.POST("/accounts/:id/suspend", adminH.SuspendAccount)
		adminG.GET("/scheduler", adminH.ListSchedulerTasks)
		adminG.DELETE("/scheduler/:name", adminH.RemoveSchedulerTask)
		adminG.POST("/announce", sseH.PostAnnounce)
	}

	r.GET("/sse", sseH.ServeSSE)

	return r
}
