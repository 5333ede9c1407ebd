package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempinbox/backend/internal/monitoring"
)

// MonitoringMiddleware 监控中间件
type MonitoringMiddleware struct {
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// NewMonitoringMiddleware 创建监控中间件
func NewMonitoringMiddleware(metrics *monitoring.Metrics, logger *zap.Logger) *MonitoringMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MonitoringMiddleware{
		metrics: metrics,
		logger:  logger,
	}
}

// HTTPMetrics HTTP 指标中间件
func (mm *MonitoringMiddleware) HTTPMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		mm.metrics.RecordHTTPRequest(
			c.Request.Method,
			endpoint,
			strconv.Itoa(c.Writer.Status()),
			time.Since(start),
		)

		if c.Writer.Status() >= http.StatusInternalServerError {
			mm.metrics.RecordError("http_error", "http")
		}
	}
}

// PanicRecovery Panic 恢复中间件
func (mm *MonitoringMiddleware) PanicRecovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				mm.metrics.RecordPanic()
				mm.logger.Error("panic recovered",
					zap.Any("error", err),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.String("ip", c.ClientIP()),
					zap.Stack("stack"),
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"code": http.StatusInternalServerError,
					"msg":  "internal server error",
				})
			}
		}()

		c.Next()
	}
}

// RateLimitMetrics 限流指标中间件
func (mm *MonitoringMiddleware) RateLimitMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Status() == http.StatusTooManyRequests {
			mm.metrics.RecordRateLimitBlock("http")
		}
	}
}
