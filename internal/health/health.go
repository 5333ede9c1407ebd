// Package health 提供 Kubernetes 风格的存活与就绪探针。
package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"tempinbox/backend/internal/monitoring"
	"tempinbox/backend/internal/sweeper"
)

const (
	goroutineThreshold = 10000
	pingTimeout        = 3 * time.Second
)

// Heartbeat 周期任务的心跳
type Heartbeat interface {
	LastRun() (time.Time, sweeper.Result)
	Interval() time.Duration
}

// Checker 存活检查只关心进程自身；就绪检查包含外部依赖
type Checker struct {
	health healthcheck.Handler
	logger *zap.Logger
}

// NewChecker 创建健康检查器
//
// 参数:
//   - hb: 过期清理任务心跳，超过三个周期未运行视为不存活
//   - deps: 外部依赖，全部纳入就绪检查
func NewChecker(hb Heartbeat, logger *zap.Logger, deps ...monitoring.Dependency) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Checker{
		health: healthcheck.NewHandler(),
		logger: logger,
	}

	c.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(goroutineThreshold))
	if hb != nil {
		c.health.AddLivenessCheck("sweeper", SweeperCheck(hb, time.Now()))
	}

	for _, dep := range deps {
		c.health.AddReadinessCheck(dep.Name, c.dependencyCheck(dep))
	}

	return c
}

// LiveHandler GET /health/live
func (c *Checker) LiveHandler() http.Handler {
	return http.HandlerFunc(c.health.LiveEndpoint)
}

// ReadyHandler GET /health/ready
func (c *Checker) ReadyHandler() http.Handler {
	return http.HandlerFunc(c.health.ReadyEndpoint)
}

func (c *Checker) dependencyCheck(dep monitoring.Dependency) healthcheck.Check {
	return healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()

		if err := dep.Ping(ctx); err != nil {
			c.logger.Warn("readiness check failed", zap.String("dependency", dep.Name), zap.Error(err))
			return err
		}
		return nil
	}, pingTimeout)
}

// SweeperCheck 清理任务心跳检查，首轮运行前以 startedAt 为基准
func SweeperCheck(hb Heartbeat, startedAt time.Time) healthcheck.Check {
	return func() error {
		last, _ := hb.LastRun()
		if last.IsZero() {
			last = startedAt
		}
		limit := 3 * hb.Interval()
		if limit <= 0 {
			return nil
		}
		if since := time.Since(last); since > limit {
			return fmt.Errorf("sweeper has not run for %s", since.Truncate(time.Second))
		}
		return nil
	}
}
