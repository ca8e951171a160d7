package api

import (
	"github.com/gin-gonic/gin"

	"github.com/timmy/genflow/internal/api/handler"
	"github.com/timmy/genflow/internal/api/middleware"
	"github.com/timmy/genflow/internal/config"
	"github.com/timmy/genflow/internal/logger"
	"github.com/timmy/genflow/internal/service"
	"github.com/timmy/genflow/internal/storage"
)

// Dependencies are the services the router exposes.
type Dependencies struct {
	Config  *config.Config
	Logger  *logger.Logger
	Jobs    *service.JobService
	Uploads *storage.UploadService // optional
	Service string
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps *Dependencies) *gin.Engine {
	switch deps.Config.Server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(deps.Logger))
	r.Use(middleware.CORS(deps.Config.Server.CORS))

	healthHandler := handler.NewHealthHandler(deps.Service)
	jobHandler := handler.NewJobHandler(deps.Jobs)
	historyHandler := handler.NewHistoryHandler(deps.Jobs)
	uploadHandler := handler.NewUploadHandler(deps.Uploads)

	r.GET("/health", healthHandler.Health)

	v1 := r.Group("/api/v1")
	v1.Use(middleware.Auth(deps.Config.Server.Auth), middleware.Owner())
	{
		// Jobs
		v1.POST("/jobs", jobHandler.Create)
		v1.GET("/jobs", jobHandler.List)
		v1.GET("/jobs/:id", jobHandler.Get)
		v1.POST("/jobs/:id/cancel", jobHandler.Cancel)
		v1.GET("/jobs/:id/events", jobHandler.Events)

		// History
		v1.GET("/history", historyHandler.List)
		v1.GET("/history/export", historyHandler.Export)
		v1.DELETE("/history/:id", historyHandler.Delete)

		// Uploads
		v1.POST("/uploads", uploadHandler.Upload)
	}

	return r
}
