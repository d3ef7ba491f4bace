package handlers

import (
	"kilncontrol/internal/logger"
	"kilncontrol/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// Handler wires the HTTP layer to services and logging.
type Handler struct {
	services *service.Service
	log      *logger.Logger
}

// NewHandler constructs a new HTTP handler with dependencies.
func NewHandler(services *service.Service, log *logger.Logger) *Handler {
	return &Handler{services: services, log: log}
}

// InitRoutes builds and returns the Gin router with all routes registered.
func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	router.GET("/health", h.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h.registerAuthRoutes(router)
	h.registerAPIRoutes(router)

	// Live telemetry over WebSocket, same port.
	router.GET("/ws", h.wsConnect)

	return router
}

func (h *Handler) registerAuthRoutes(r *gin.Engine) {
	auth := r.Group("/auth")
	{
		auth.POST("/sign-up", h.signUp)
		auth.POST("/sign-in", h.signIn)
	}
}

func (h *Handler) registerAPIRoutes(r *gin.Engine) {
	api := r.Group("/api/v1", h.userIdMiddleware)
	{
		h.registerKilnRoutes(api)
		h.registerScheduleRoutes(api)
		h.registerLogRoutes(api)
	}
}

func (h *Handler) registerKilnRoutes(api *gin.RouterGroup) {
	kiln := api.Group("/kiln")
	{
		kiln.GET("/state", h.getState)
		kiln.POST("/schedule", h.loadSchedule)
		kiln.POST("/start", h.startKiln)
		kiln.POST("/stop", h.stopKiln)
		kiln.POST("/autotune", h.startAutotune)
		kiln.POST("/setpoint", h.setManualSetpoint)
		kiln.POST("/gains", h.setGains)
		kiln.POST("/calibration", h.setCalibration)
		kiln.POST("/reset-error", h.resetError)
	}
}

func (h *Handler) registerScheduleRoutes(api *gin.RouterGroup) {
	schedules := api.Group("/schedules")
	{
		schedules.GET("/", h.listSchedules)
		schedules.POST("/", h.saveSchedule)
		schedules.GET("/:id", h.getSchedule)
		schedules.DELETE("/:id", h.deleteSchedule)
	}
}

func (h *Handler) registerLogRoutes(api *gin.RouterGroup) {
	logs := api.Group("/logs")
	{
		logs.GET("/", h.getLogs)
	}
}
