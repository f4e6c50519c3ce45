package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/osvaldoandrade/markerq/internal/services"
	"github.com/osvaldoandrade/markerq/pkg/domain"
)

const healthMessage = "Welcome to Marker API"

type healthController struct {
	serverType domain.ServerType
	admin      services.QueueAdminService
}

// NewHealthController reports the server type. Distributed servers also
// report live workers; admin may be nil in simple mode.
func NewHealthController(serverType domain.ServerType, admin services.QueueAdminService) *healthController {
	return &healthController{serverType: serverType, admin: admin}
}

func (h *healthController) Handle(c *gin.Context) {
	resp := domain.HealthResponse{Message: healthMessage, Type: h.serverType}
	if h.serverType == domain.ServerDistributed && h.admin != nil {
		n, err := h.admin.LiveWorkers(c.Request.Context())
		if err != nil {
			requestLogger(c).Warn("worker count unavailable", "err", err)
		} else {
			resp.Workers = &n
		}
	}
	c.JSON(http.StatusOK, resp)
}

type celeryLiveController struct{}

func NewCeleryLiveController() *celeryLiveController { return &celeryLiveController{} }

func (h *celeryLiveController) Handle(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Celery is live. Available API: /celery/convert, /celery/result"})
}
