package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/osvaldoandrade/markerq/internal/services"
	"github.com/osvaldoandrade/markerq/pkg/domain"
)

type queueOverviewController struct{ svc services.QueueAdminService }

// NewQueueOverviewController serves every queue's depth plus the live worker count.
func NewQueueOverviewController(svc services.QueueAdminService) *queueOverviewController {
	return &queueOverviewController{svc: svc}
}

func (h *queueOverviewController) Handle(c *gin.Context) {
	out, err := h.svc.Overview(c.Request.Context())
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type queueStatsController struct{ svc services.QueueAdminService }

func NewQueueStatsController(svc services.QueueAdminService) *queueStatsController {
	return &queueStatsController{svc: svc}
}

func (h *queueStatsController) Handle(c *gin.Context) {
	kind, ok := domain.ParseTaskKind(strings.TrimSpace(c.Param("kind")))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be single or batch"})
		return
	}
	out, err := h.svc.QueueStats(c.Request.Context(), kind)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type retentionController struct{ svc services.RetentionService }

// NewRetentionController runs one retention sweep on demand.
func NewRetentionController(svc services.RetentionService) *retentionController {
	return &retentionController{svc: svc}
}

// sweepRequest is read from the query string, then from an optional JSON body.
type sweepRequest struct {
	Limit  int    `form:"limit" json:"limit"`
	Before string `form:"before" json:"before"`
}

type sweepResponse struct {
	Removed int       `json:"removed"`
	Before  time.Time `json:"before"`
}

func (h *retentionController) Handle(c *gin.Context) {
	var req sweepRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query: " + err.Error()})
		return
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
			return
		}
	}
	if req.Limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must not be negative"})
		return
	}

	var before time.Time
	if req.Before != "" {
		t, err := time.Parse(time.RFC3339, req.Before)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "before must be RFC3339"})
			return
		}
		before = t.UTC()
	}

	removed, cutoff, err := h.svc.Sweep(c.Request.Context(), req.Limit, before)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, sweepResponse{Removed: removed, Before: cutoff})
}
