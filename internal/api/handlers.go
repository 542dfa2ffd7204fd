package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/cardforge/cardforge/internal/models"
	"github.com/cardforge/cardforge/internal/scheduler"
	"github.com/cardforge/cardforge/internal/store"
)

// fail maps service errors onto HTTP status codes.
func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrBadTransition),
		errors.Is(err, scheduler.ErrBadRequest),
		errors.Is(err, scheduler.ErrOrderTerminal):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// --- auth ---

type authorizeRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleAuthorize(c *gin.Context) {
	var req authorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	account, err := s.service.Store().Authenticate(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	pair, err := s.issueTokens(account)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

func (s *Server) handleRefresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cl, err := s.parseToken(req.RefreshToken)
	if err != nil || !cl.Refresh {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	pair, err := s.issueTokens(&models.Account{Username: cl.Subject, Role: cl.Role})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

// --- worker task protocol ---

func (s *Server) handleListTasks(c *gin.Context) {
	kind, ok := taskKind(c)
	if !ok {
		return
	}
	tasks, err := s.service.ListClaimable(kind, username(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (s *Server) handleGetTask(c *gin.Context) {
	kind, ok := taskKind(c)
	if !ok {
		return
	}
	task, err := s.service.GetTask(kind, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleClaimTask(c *gin.Context) {
	kind, ok := taskKind(c)
	if !ok {
		return
	}
	task, err := s.service.ClaimTask(c.Request.Context(), kind, c.Param("id"), username(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

type statusReport struct {
	Status  models.TaskStatus     `json:"status" binding:"required"`
	Payload string                `json:"payload"`
	Extra   scheduler.ExtraFields `json:"extra"`
}

func (s *Server) handleReportStatus(c *gin.Context) {
	kind, ok := taskKind(c)
	if !ok {
		return
	}
	var req statusReport
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := s.service.ReportTaskStatus(c.Request.Context(), kind, c.Param("id"), req.Status, req.Payload, req.Extra)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

type logAppend struct {
	Name    string `json:"name" binding:"required"`
	Content string `json:"content"`
}

func (s *Server) handleAppendLog(c *gin.Context) {
	kind, ok := taskKind(c)
	if !ok {
		return
	}
	var req logAppend
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.service.AppendTaskLog(kind, c.Param("id"), req.Name, req.Content); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type heartbeatRequest struct {
	Kind    models.TaskKind        `json:"kind" binding:"required"`
	Slot    string                 `json:"slot"`
	Status  models.HeartbeatStatus `json:"status" binding:"required"`
	Payload string                 `json:"payload"`
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.service.RecordHeartbeat(models.Heartbeat{
		Username: username(c),
		Kind:     req.Kind,
		Slot:     req.Slot,
		Status:   req.Status,
		Payload:  req.Payload,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListHeartbeats(c *gin.Context) {
	beats, err := s.service.ListHeartbeats()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, beats)
}

// --- manager order surface ---

func (s *Server) handleCreateOrder(c *gin.Context) {
	var req models.OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	order, err := s.service.CreateOrder(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (s *Server) handleListOrders(c *gin.Context) {
	orders, err := s.service.ListOrders(models.OrderStatus(c.Query("status")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, orders)
}

func (s *Server) handleGetOrder(c *gin.Context) {
	order, err := s.service.GetOrder(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// orderUpdate is a partial edit of an order's non-status fields. Status
// changes go through the cancel/shipped endpoints.
type orderUpdate struct {
	Recipient *models.Recipient `json:"recipient"`
	Channel   *string           `json:"channel"`
	ClientID  *string           `json:"client_id"`
}

func (s *Server) handleUpdateOrder(c *gin.Context) {
	var req orderUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	order, err := s.service.UpdateOrder(c.Param("id"), func(o *models.Order) {
		if req.Recipient != nil {
			o.Recipient = *req.Recipient
		}
		if req.Channel != nil {
			o.Channel = *req.Channel
		}
		if req.ClientID != nil {
			o.ClientID = *req.ClientID
		}
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	order, err := s.service.CancelOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleMarkShipped(c *gin.Context) {
	order, err := s.service.MarkShipped(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleAnonymizeOrder(c *gin.Context) {
	order, err := s.service.AnonymizeOrder(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// --- auto-images ---

func (s *Server) handleSaveAutoImage(c *gin.Context) {
	var ai models.AutoImage
	if err := c.ShouldBindJSON(&ai); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if ai.Slug == "" || ai.Config == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "slug and config are required"})
		return
	}
	if err := s.service.Store().SaveAutoImage(&ai); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ai)
}

func (s *Server) handleListAutoImages(c *gin.Context) {
	images, err := s.service.Store().ListAutoImages()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, images)
}

func (s *Server) handleGetAutoImage(c *gin.Context) {
	ai, err := s.service.Store().GetAutoImage(c.Param("slug"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ai)
}

func (s *Server) handleDeleteAutoImage(c *gin.Context) {
	if err := s.service.Store().DeleteAutoImage(c.Param("slug")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleAutoImageRedirect serves the stable public URL for a
// subscription's latest artifact.
func (s *Server) handleAutoImageRedirect(c *gin.Context) {
	ai, err := s.service.Store().GetAutoImage(c.Param("slug"))
	if err != nil {
		fail(c, err)
		return
	}
	if ai.Status != models.AutoImageReady || ai.ArtifactURL == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no published artifact"})
		return
	}
	c.Redirect(http.StatusFound, ai.ArtifactURL)
}
