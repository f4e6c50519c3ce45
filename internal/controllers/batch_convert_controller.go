package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/osvaldoandrade/markerq/internal/services"
	"github.com/osvaldoandrade/markerq/pkg/domain"
)

type simpleBatchController struct {
	svc    services.ConvertService
	limits UploadLimits
}

// NewSimpleBatchController converts every upload inline and returns the
// aggregated batch.
func NewSimpleBatchController(svc services.ConvertService, limits UploadLimits) *simpleBatchController {
	return &simpleBatchController{svc: svc, limits: limits}
}

func (h *simpleBatchController) Handle(c *gin.Context) {
	docs, err := readDocuments(c, BatchField, h.limits)
	if err != nil {
		c.AbortWithStatusJSON(uploadStatus(err))
		return
	}
	batch, err := h.svc.ConvertMany(c.Request.Context(), docs)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     domain.PollSuccess,
		"results":    batch.Results,
		"total":      batch.Total,
		"successful": batch.Successful,
		"failed":     batch.Failed,
	})
}

type batchConvertController struct {
	dispatch services.DispatchService
	limits   UploadLimits
}

func NewBatchConvertController(dispatch services.DispatchService, limits UploadLimits) *batchConvertController {
	return &batchConvertController{dispatch: dispatch, limits: limits}
}

func (h *batchConvertController) Handle(c *gin.Context) {
	docs, err := readDocuments(c, BatchField, h.limits)
	if err != nil {
		c.AbortWithStatusJSON(uploadStatus(err))
		return
	}
	task, err := h.dispatch.SubmitBatch(c.Request.Context(), docs, submitOptions(c))
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": task.ID, "status": domain.PollProcessing, "total": task.Total})
}
