package controllers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/osvaldoandrade/markerq/internal/services"
	"github.com/osvaldoandrade/markerq/pkg/domain"
)

type simpleConvertController struct {
	svc    services.ConvertService
	limits UploadLimits
}

// NewSimpleConvertController converts the upload in the request goroutine.
func NewSimpleConvertController(svc services.ConvertService, limits UploadLimits) *simpleConvertController {
	return &simpleConvertController{svc: svc, limits: limits}
}

func (h *simpleConvertController) Handle(c *gin.Context) {
	doc, err := readDocument(c, SingleField, h.limits)
	if err != nil {
		c.AbortWithStatusJSON(uploadStatus(err))
		return
	}
	out, err := h.svc.ConvertOne(c.Request.Context(), doc)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	body := gin.H{"status": domain.PollSuccess, "result": out.Result}
	if out.SavedTo != "" {
		body["saved_to"] = out.SavedTo
	}
	c.JSON(http.StatusOK, body)
}

type distributedConvertController struct {
	dispatch services.DispatchService
	sync     services.SyncWaitService
	limits   UploadLimits
}

// NewDistributedConvertController queues the upload and waits for it unless
// the caller asks for ?async=true.
func NewDistributedConvertController(dispatch services.DispatchService, sync services.SyncWaitService, limits UploadLimits) *distributedConvertController {
	return &distributedConvertController{dispatch: dispatch, sync: sync, limits: limits}
}

func (h *distributedConvertController) Handle(c *gin.Context) {
	doc, err := readDocument(c, SingleField, h.limits)
	if err != nil {
		c.AbortWithStatusJSON(uploadStatus(err))
		return
	}
	ctx := c.Request.Context()

	if async, _ := strconv.ParseBool(c.Query("async")); async {
		task, err := h.dispatch.SubmitSingle(ctx, doc, submitOptions(c))
		if err != nil {
			abortWithServiceError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"task_id": task.ID, "status": domain.PollProcessing})
		return
	}

	view, err := h.sync.ConvertAndWait(ctx, domain.KindSingle, []domain.Document{doc}, submitOptions(c))
	if err != nil {
		if ctx.Err() != nil {
			requestLogger(c).Info("client left before conversion finished", "err", err)
			c.Abort()
			return
		}
		abortWithServiceError(c, err)
		return
	}
	status, body := singleView(view)
	if view.State == domain.PollSuccess {
		delete(body, "task_id")
	}
	c.JSON(status, body)
}

type celeryConvertController struct {
	dispatch services.DispatchService
	limits   UploadLimits
}

func NewCeleryConvertController(dispatch services.DispatchService, limits UploadLimits) *celeryConvertController {
	return &celeryConvertController{dispatch: dispatch, limits: limits}
}

func (h *celeryConvertController) Handle(c *gin.Context) {
	doc, err := readDocument(c, SingleField, h.limits)
	if err != nil {
		c.AbortWithStatusJSON(uploadStatus(err))
		return
	}
	task, err := h.dispatch.SubmitSingle(c.Request.Context(), doc, submitOptions(c))
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": task.ID, "status": domain.PollProcessing})
}
