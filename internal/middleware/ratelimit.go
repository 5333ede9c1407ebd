package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateCounter 在固定窗口内累加计数，多实例部署时由 Redis 实现
type RateCounter interface {
	IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error)
}

// IPRateLimiter 按客户端 IP 限制请求速率。
//
// 配置了 RateCounter 时使用共享的固定窗口计数；否则使用进程内令牌桶。
// 共享计数不可用时回退到进程内令牌桶。
type IPRateLimiter struct {
	prefix  string
	limit   int
	window  time.Duration
	counter RateCounter
	logger  *zap.Logger

	mu       sync.Mutex
	limiters map[string]*visitor
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter 创建限流器，limit<=0 表示不限流
func NewIPRateLimiter(prefix string, limit int, window time.Duration, counter RateCounter, logger *zap.Logger) *IPRateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if window <= 0 {
		window = time.Minute
	}
	return &IPRateLimiter{
		prefix:   prefix,
		limit:    limit,
		window:   window,
		counter:  counter,
		logger:   logger,
		limiters: make(map[string]*visitor),
		now:      time.Now,
	}
}

// Allow 判断该 IP 是否还能继续请求
func (l *IPRateLimiter) Allow(ctx context.Context, ip string) bool {
	if l.limit <= 0 {
		return true
	}

	if l.counter != nil {
		n, err := l.counter.IncrementRateLimit(ctx, "ratelimit:"+l.prefix+":"+ip, l.window)
		if err == nil {
			return n <= int64(l.limit)
		}
		l.logger.Warn("shared rate limit unavailable, using local limiter", zap.Error(err))
	}

	return l.local(ip).Allow()
}

func (l *IPRateLimiter) local(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	v, ok := l.limiters[ip]
	if !ok {
		every := rate.Every(l.window / time.Duration(l.limit))
		v = &visitor{limiter: rate.NewLimiter(every, l.limit)}
		l.limiters[ip] = v
	}
	v.lastSeen = now

	// 顺带清理长时间未出现的 IP
	if len(l.limiters) > 1024 {
		for key, other := range l.limiters {
			if now.Sub(other.lastSeen) > 3*l.window {
				delete(l.limiters, key)
			}
		}
	}
	return v.limiter
}

// Middleware 返回 gin 中间件，超限时返回 429
func (l *IPRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.Request.Context(), c.ClientIP()) {
			c.Header("Retry-After", strconv.Itoa(int(l.window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": http.StatusTooManyRequests,
				"msg":  "too many requests",
			})
			return
		}
		c.Next()
	}
}
