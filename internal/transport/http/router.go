package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginSwagger "github.com/swaggo/gin-swagger"
	swaggerFiles "github.com/swaggo/files"
	"go.uber.org/zap"

	"tempinbox/backend/internal/health"
	"tempinbox/backend/internal/middleware"
	"tempinbox/backend/internal/monitoring"
	"tempinbox/backend/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Inbox          Inbox
	AllowedOrigins []string
	WebSocketHub   *websocket.Hub        // 为 nil 时不挂载 /api/socket
	Health         *health.HealthChecker // 为 nil 时只提供简单的 /health
	Metrics        *monitoring.Metrics   // 为 nil 时不采集 HTTP 指标
	SessionLimiter middleware.Limiter    // 创建会话的限流器，为 nil 时不限流
	Logger         *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()

	var panics middleware.PanicRecorder
	if deps.Metrics != nil {
		panics = deps.Metrics
	}
	router.Use(middleware.RecoveryHandler(log, panics))
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.SecurityHeaders())
	if deps.Metrics != nil {
		router.Use(middleware.HTTPMetrics(deps.Metrics))
	}
	// 接口均为小 JSON 请求
	router.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))
	router.Use(gincors.New(corsConfig(deps.AllowedOrigins)))

	// Swagger 文档
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	registerHealthRoutes(router, deps.Health)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	handler := NewInboxHandler(deps.Inbox, log)

	createSession := []gin.HandlerFunc{handler.CreateSession}
	if deps.SessionLimiter != nil {
		var blocks middleware.BlockRecorder
		if deps.Metrics != nil {
			blocks = deps.Metrics
		}
		limit := middleware.RateLimitByIP(deps.SessionLimiter, "session_create", blocks, log)
		createSession = append([]gin.HandlerFunc{limit}, createSession...)
	}

	api := router.Group("/api")
	{
		api.POST("/session", createSession...)
		api.POST("/session/rotate", handler.RotateSession)
		api.POST("/ttl", handler.SetTTL)
		api.GET("/inbox", handler.ListInbox)
		api.GET("/message", handler.GetMessage)
		api.GET("/attachment", handler.DownloadAttachment)
		api.GET("/usernames", handler.SuggestUsernames)

		if deps.WebSocketHub != nil {
			api.GET("/socket", websocket.HandleWebSocket(deps.WebSocketHub))
		}
	}

	return router
}

// corsConfig CORS 配置，允许所有来源时关闭凭证支持
func corsConfig(origins []string) gincors.Config {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	cfg := gincors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	for _, origin := range origins {
		if origin == "*" {
			cfg.AllowOrigins = []string{"*"}
			cfg.AllowCredentials = false
			break
		}
	}
	return cfg
}

func registerHealthRoutes(router *gin.Engine, hc *health.HealthChecker) {
	if hc == nil {
		router.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": health.StatusHealthy})
		})
		return
	}

	// 完整报告；degraded 仍返回 200，缓存的收件箱依旧可用
	router.GET("/health", func(c *gin.Context) {
		report := hc.CheckHealth(c.Request.Context())
		status := http.StatusOK
		if report.Status == health.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, report)
	})
	router.GET("/health/live", gin.WrapF(hc.LiveEndpoint))
	router.GET("/health/ready", gin.WrapF(hc.ReadyEndpoint))
}
