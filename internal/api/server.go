// Package api exposes the scheduler over HTTP: token auth, the worker
// task protocol, and the manager order/auto-image surface.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/cardforge/cardforge/internal/models"
	"github.com/cardforge/cardforge/internal/scheduler"
)

// Server serves the HTTP API over the scheduler service.
type Server struct {
	service *scheduler.Service
	log     *logrus.Logger
	secret  []byte
	engine  *gin.Engine
}

// NewServer builds the router.
func NewServer(service *scheduler.Service, log *logrus.Logger, secret string) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		service: service,
		log:     log,
		secret:  []byte(secret),
		engine:  gin.New(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.engine
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	r.POST("/auth/authorize", s.handleAuthorize)
	r.POST("/auth/refresh", s.handleRefresh)
	r.GET("/auto-images/:slug/redirect", s.handleAutoImageRedirect)

	auth := r.Group("/", s.authRequired)
	{
		auth.GET("/tasks/:kind", s.handleListTasks)
		auth.GET("/tasks/:kind/:id", s.handleGetTask)
		auth.PATCH("/tasks/:kind/:id/request", s.handleClaimTask)
		auth.PATCH("/tasks/:kind/:id/status", s.handleReportStatus)
		auth.POST("/tasks/:kind/:id/logs", s.handleAppendLog)
		auth.POST("/workers/sos", s.handleHeartbeat)

		mgr := auth.Group("/", s.managerOnly)
		{
			mgr.POST("/orders", s.handleCreateOrder)
			mgr.GET("/orders", s.handleListOrders)
			mgr.GET("/orders/:id", s.handleGetOrder)
			mgr.PATCH("/orders/:id", s.handleUpdateOrder)
			mgr.PATCH("/orders/:id/cancel", s.handleCancelOrder)
			// POST alias kept for older clients.
			mgr.POST("/orders/:id/cancel", s.handleCancelOrder)
			mgr.PATCH("/orders/:id/shipped", s.handleMarkShipped)
			mgr.DELETE("/orders/:id", s.handleAnonymizeOrder)

			mgr.GET("/workers", s.handleListHeartbeats)

			mgr.POST("/auto-images", s.handleSaveAutoImage)
			mgr.GET("/auto-images", s.handleListAutoImages)
			mgr.GET("/auto-images/:slug", s.handleGetAutoImage)
			mgr.DELETE("/auto-images/:slug", s.handleDeleteAutoImage)
		}
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}

	errc := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("api listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// taskKind resolves the :kind path segment.
func taskKind(c *gin.Context) (models.TaskKind, bool) {
	kind := models.TaskKind(c.Param("kind"))
	for _, k := range models.Kinds {
		if k == kind {
			return kind, true
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "unknown task kind"})
	return "", false
}
