package router

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/ostdata-archive/internal/api/auth"
	"github.com/cuongbtq/ostdata-archive/internal/api/dto"
	"github.com/cuongbtq/ostdata-archive/internal/api/handler"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// Options holds what the router needs besides the handler
type Options struct {
	Logger        *slog.Logger
	Authenticator *auth.Authenticator
	// MetricsHandler is mounted on MetricsPath when set
	MetricsHandler http.Handler
	MetricsPath    string
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(jobHandler *handler.JobHandler, opts Options) (*gin.Engine, error) {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return nil, fmt.Errorf("unexpected validator engine %T", binding.Validator.Engine())
	}
	if err := dto.RegisterValidations(v); err != nil {
		return nil, fmt.Errorf("failed to register validations: %w", err)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(opts.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", jobHandler.Health)
	if opts.MetricsHandler != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(opts.MetricsHandler))
	}

	v1 := r.Group("/api/v1")
	v1.Use(opts.Authenticator.Middleware())
	{
		// enqueue
		v1.POST("/download-jobs", jobHandler.CreateBulkJob)
		v1.POST("/runs/:run_id/download-jobs", jobHandler.CreateRunJob)

		jobs := v1.Group("/jobs")
		{
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/:job_id", jobHandler.GetJob)
			jobs.GET("/:job_id/download", jobHandler.DownloadJob)
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
		}

		admin := v1.Group("/admin", auth.RequireAdmin())
		{
			admin.POST("/jobs/cancel", jobHandler.BatchCancel)
			admin.POST("/jobs/extend-expiry", jobHandler.BatchExtendExpiry)
			admin.POST("/jobs/expire-now", jobHandler.BatchExpireNow)
			admin.POST("/cleanup", jobHandler.Cleanup)
		}
	}

	return r, nil
}
