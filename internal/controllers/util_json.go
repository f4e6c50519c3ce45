package controllers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/osvaldoandrade/markerq/internal/services"
	"github.com/osvaldoandrade/markerq/pkg/domain"
)

func requestLogger(c *gin.Context) *slog.Logger {
	logger := slog.Default()
	if v, ok := c.Get("logger"); ok {
		if l, ok := v.(*slog.Logger); ok {
			logger = l
		}
	}
	if id := c.GetString("request_id"); id != "" {
		logger = logger.With("request_id", id)
	}
	return logger
}

// abortWithServiceError writes the status for a service error. Internal
// causes are logged and replaced by a generic message.
func abortWithServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrEmptyDocument),
		errors.Is(err, services.ErrEmptyBatch),
		errors.Is(err, services.ErrInvalidWebhook):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrBatchTooLarge):
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrDispatch):
		requestLogger(c).Error("dispatch failed", "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "task queue unavailable"})
	default:
		requestLogger(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func submitOptions(c *gin.Context) services.SubmitOptions {
	return services.SubmitOptions{Webhook: c.PostForm("webhook")}
}

// singleView renders a poll of a single conversion task.
func singleView(view *domain.TaskView) (int, gin.H) {
	switch view.State {
	case domain.PollSuccess:
		body := gin.H{"task_id": view.TaskID, "status": view.State}
		if view.Record != nil {
			body["result"] = view.Record.Single()
		}
		return http.StatusOK, body
	case domain.PollFailed:
		return http.StatusInternalServerError, gin.H{"task_id": view.TaskID, "status": view.State, "message": view.Message}
	case domain.PollTimeout:
		return http.StatusRequestTimeout, gin.H{"task_id": view.TaskID, "status": view.State, "message": view.Message}
	}
	return http.StatusAccepted, gin.H{"task_id": view.TaskID, "status": view.State}
}

// batchView renders a poll of a batch task. Processing views carry progress
// once the worker has published a snapshot.
func batchView(view *domain.TaskView) (int, gin.H) {
	switch view.State {
	case domain.PollSuccess:
		body := gin.H{"task_id": view.TaskID, "status": view.State}
		if view.Record != nil {
			batch := view.Record.Batch()
			body["results"] = batch.Results
			body["total"] = batch.Total
			body["successful"] = batch.Successful
			body["failed"] = batch.Failed
		}
		return http.StatusOK, body
	case domain.PollProcessing:
		body := gin.H{"task_id": view.TaskID, "status": view.State}
		if view.Progress != nil && view.Progress.Valid() {
			body["progress"] = view.Progress.String()
			body["percent"] = view.Progress.Percent()
		}
		return http.StatusAccepted, body
	}
	return singleView(view)
}
