// Package httptransport 提供一次性邮箱的 HTTP API。
package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempinbox/backend/internal/config"
	"tempinbox/backend/internal/health"
	"tempinbox/backend/internal/middleware"
	"tempinbox/backend/internal/monitoring"
	"tempinbox/backend/internal/service"
	"tempinbox/backend/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config         *config.Config
	MailboxService *service.MailboxService
	WebSocketHub   *websocket.Hub            // 为空时不注册 /ws
	Metrics        *monitoring.Metrics       // 为空时不暴露 /metrics
	HealthChecker  *monitoring.HealthChecker // GET /health 详细报告
	Probes         *health.Checker           // 存活与就绪探针
	RateCounter    middleware.RateCounter    // 多实例共享的限流计数，可为空
	Logger         *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()

	monitor := middleware.NewMonitoringMiddleware(deps.Metrics, logger)
	router.Use(monitor.HTTPMetrics())
	router.Use(monitor.PanicRecovery())
	router.Use(monitor.RateLimitMetrics())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(middleware.SmallBodyLimit))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"*"}
	}
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			corsConfig.AllowAllOrigins = true
			corsConfig.AllowOrigins = nil
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	mailboxHandler := NewMailboxHandler(deps.MailboxService, deps.Config.Sweeper.Interval, logger)
	publicHandler := NewPublicHandler(deps.MailboxService)
	createLimit := middleware.NewIPRateLimiter("create", deps.Config.Mailbox.CreatePerMinute, time.Minute, deps.RateCounter, logger)

	// 健康检查与指标
	router.GET("/health", func(c *gin.Context) {
		if deps.HealthChecker == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		report := deps.HealthChecker.CheckHealth(c.Request.Context())
		status := http.StatusOK
		if report.Status == monitoring.HealthStatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, report)
	})
	if deps.Probes != nil {
		router.GET("/health/live", gin.WrapH(deps.Probes.LiveHandler()))
		router.GET("/health/ready", gin.WrapH(deps.Probes.ReadyHandler()))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	// 邮箱
	mailbox := router.Group("/mailbox")
	{
		mailbox.POST("", createLimit.Middleware(), mailboxHandler.CreateMailbox)
		mailbox.GET("/:address", mailboxHandler.GetMailbox)
		mailbox.DELETE("/:address", mailboxHandler.DeleteMailbox)
		mailbox.GET("/:address/messages/:id", mailboxHandler.GetMessage)
		mailbox.POST("/:address/messages/:id/read", mailboxHandler.MarkRead)

		if deps.WebSocketHub != nil {
			mailbox.GET("/:address/ws", websocket.HandleWebSocket(deps.WebSocketHub))
		}
	}

	v1 := router.Group("/v1")
	{
		v1.GET("/public/config", publicHandler.GetSystemConfig)
	}

	router.NoRoute(func(c *gin.Context) {
		NotFound(c, "接口不存在")
	})

	return router
}
