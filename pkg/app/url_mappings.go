package app

import (
	"time"

	"github.com/osvaldoandrade/markerq/internal/controllers"
	"github.com/osvaldoandrade/markerq/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupMappings(app *Application) {
	cfg := app.Config
	limits := controllers.UploadLimits{MaxFileBytes: int64(cfg.MaxUploadMB) << 20}
	upload := func(op string) gin.HandlerFunc { return middleware.RateLimitUpload(app.RateLimiter, cfg, op) }
	batchUpload := func(op string) gin.HandlerFunc {
		return middleware.RateLimitBatchUpload(app.RateLimiter, cfg, op, controllers.BatchField)
	}
	poll := func(op string) gin.HandlerFunc { return middleware.RateLimitPoll(app.RateLimiter, cfg, op) }

	app.Engine.GET("/health", controllers.NewHealthController(app.ServerType(), app.Admin).Handle)
	app.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if app.Dispatch == nil {
		app.Engine.POST("/convert", upload("convert"), controllers.NewSimpleConvertController(app.Convert, limits).Handle)
		app.Engine.POST("/batch_convert", batchUpload("batch_convert"), controllers.NewSimpleBatchController(app.Convert, limits).Handle)
		return
	}

	app.Engine.POST("/convert", upload("convert"), controllers.NewDistributedConvertController(app.Dispatch, app.SyncWait, limits).Handle)

	celery := app.Engine.Group("/celery")
	{
		celery.GET("/live", controllers.NewCeleryLiveController().Handle)
		celery.POST("/convert", upload("celery_convert"), controllers.NewCeleryConvertController(app.Dispatch, limits).Handle)
		celery.GET("/result/:id", poll("result"), controllers.NewTaskResultController(app.Status).Handle)
	}

	batch := app.Engine.Group("/batch_convert")
	{
		batch.POST("", batchUpload("batch_convert"), controllers.NewBatchConvertController(app.Dispatch, limits).Handle)
		batch.GET("/result/:id", poll("batch_result"), controllers.NewBatchResultController(app.Status).Handle)
		batch.GET("/ws/:id", poll("batch_ws"), controllers.NewBatchProgressController(
			app.Status,
			time.Duration(cfg.SyncPollIntervalMillis)*time.Millisecond,
			time.Duration(cfg.SyncWaitTimeoutSeconds)*time.Second,
			cfg.CORSAllowOrigins,
		).Handle)
	}

	admin := app.Engine.Group("/admin", middleware.RequireAdmin(cfg.AdminToken))
	admin.GET("/queues", controllers.NewQueueOverviewController(app.Admin).Handle)
	admin.GET("/queues/:kind", controllers.NewQueueStatsController(app.Admin).Handle)
	admin.POST("/tasks/cleanup", controllers.NewRetentionController(app.Retention).Handle)
}
