package controllers

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/osvaldoandrade/markerq/internal/services"
)

type taskResultController struct{ svc services.StatusService }

func NewTaskResultController(svc services.StatusService) *taskResultController {
	return &taskResultController{svc: svc}
}

func (h *taskResultController) Handle(c *gin.Context) {
	view, err := h.svc.Poll(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(singleView(view))
}

type batchResultController struct{ svc services.StatusService }

func NewBatchResultController(svc services.StatusService) *batchResultController {
	return &batchResultController{svc: svc}
}

func (h *batchResultController) Handle(c *gin.Context) {
	view, err := h.svc.Poll(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(batchView(view))
}
