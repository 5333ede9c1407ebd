package monitoring

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// HealthStatus 健康状态
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

const (
	memoryLimitMB      = 1024.0
	goroutineLimit     = 10000
	dependencyTimeout  = 3 * time.Second
	namespaceWarnRatio = 0.9
)

// HealthCheck 健康检查
type HealthCheck struct {
	Name        string        `json:"name"`
	Status      HealthStatus  `json:"status"`
	Message     string        `json:"message,omitempty"`
	Duration    time.Duration `json:"duration"`
	LastChecked time.Time     `json:"last_checked"`
}

// HealthReport 健康报告
type HealthReport struct {
	Status    HealthStatus  `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	Mailboxes int           `json:"mailboxes"`
	Checks    []HealthCheck `json:"checks"`
	Version   string        `json:"version"`
}

// Dependency 外部依赖（冷却账本数据库、Redis）
type Dependency struct {
	Name string
	Ping func(ctx context.Context) error
	// Critical 为 true 时失败判定为 unhealthy，否则为 degraded
	Critical bool
}

// Namespace 提供地址命名空间的使用情况
type Namespace interface {
	ActiveCount() int
	CoolingCount() int
	Capacity() int
}

// MailboxCounter 提供当前邮箱数量
type MailboxCounter interface {
	Count() int
}

// HealthChecker 汇总各组件状态生成健康报告
type HealthChecker struct {
	mailboxes    MailboxCounter
	namespace    Namespace
	dependencies []Dependency
	logger       *zap.Logger
	startTime    time.Time
	version      string
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(mailboxes MailboxCounter, namespace Namespace, logger *zap.Logger, version string, deps ...Dependency) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthChecker{
		mailboxes:    mailboxes,
		namespace:    namespace,
		dependencies: deps,
		logger:       logger,
		startTime:    time.Now(),
		version:      version,
	}
}

// CheckHealth 执行健康检查
func (hc *HealthChecker) CheckHealth(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Timestamp: time.Now(),
		Uptime:    time.Since(hc.startTime),
		Version:   hc.version,
		Checks:    make([]HealthCheck, 0, len(hc.dependencies)+3),
	}
	if hc.mailboxes != nil {
		report.Mailboxes = hc.mailboxes.Count()
	}

	checks := []HealthCheck{hc.checkNamespace(), hc.checkMemory(), hc.checkGoroutines()}
	for _, dep := range hc.dependencies {
		checks = append(checks, hc.checkDependency(ctx, dep))
	}

	overall := HealthStatusHealthy
	for _, check := range checks {
		report.Checks = append(report.Checks, check)
		switch check.Status {
		case HealthStatusUnhealthy:
			overall = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if overall != HealthStatusUnhealthy {
				overall = HealthStatusDegraded
			}
		}
	}

	report.Status = overall
	return report
}

// IsHealthy 检查系统是否健康
func (hc *HealthChecker) IsHealthy(ctx context.Context) bool {
	return hc.CheckHealth(ctx).Status == HealthStatusHealthy
}

func (hc *HealthChecker) checkDependency(ctx context.Context, dep Dependency) HealthCheck {
	start := time.Now()
	check := HealthCheck{Name: dep.Name, LastChecked: start}

	ctx, cancel := context.WithTimeout(ctx, dependencyTimeout)
	defer cancel()

	if err := dep.Ping(ctx); err != nil {
		check.Status = HealthStatusDegraded
		if dep.Critical {
			check.Status = HealthStatusUnhealthy
		}
		check.Message = fmt.Sprintf("%s unreachable: %v", dep.Name, err)
	} else {
		check.Status = HealthStatusHealthy
		check.Message = fmt.Sprintf("%s is reachable", dep.Name)
	}

	check.Duration = time.Since(start)
	return check
}

// checkNamespace 地址命名空间接近耗尽时降级
func (hc *HealthChecker) checkNamespace() HealthCheck {
	start := time.Now()
	check := HealthCheck{Name: "namespace", LastChecked: start, Status: HealthStatusHealthy}

	if hc.namespace != nil {
		used := hc.namespace.ActiveCount() + hc.namespace.CoolingCount()
		capacity := hc.namespace.Capacity()
		check.Message = fmt.Sprintf("%d of %d addresses in use", used, capacity)
		if capacity > 0 && float64(used) >= float64(capacity)*namespaceWarnRatio {
			check.Status = HealthStatusDegraded
		}
	}

	check.Duration = time.Since(start)
	return check
}

// checkMemory 检查内存使用
func (hc *HealthChecker) checkMemory() HealthCheck {
	start := time.Now()
	check := HealthCheck{Name: "memory", LastChecked: start}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	usageMB := float64(m.Alloc) / 1024 / 1024

	if usageMB > memoryLimitMB {
		check.Status = HealthStatusDegraded
		check.Message = fmt.Sprintf("High memory usage: %.2f MB", usageMB)
	} else {
		check.Status = HealthStatusHealthy
		check.Message = fmt.Sprintf("Memory usage: %.2f MB", usageMB)
	}

	check.Duration = time.Since(start)
	return check
}

// checkGoroutines 检查 Goroutine 数量
func (hc *HealthChecker) checkGoroutines() HealthCheck {
	start := time.Now()
	check := HealthCheck{Name: "goroutines", LastChecked: start}

	n := runtime.NumGoroutine()
	if n > goroutineLimit {
		check.Status = HealthStatusDegraded
		check.Message = fmt.Sprintf("High goroutine count: %d", n)
	} else {
		check.Status = HealthStatusHealthy
		check.Message = fmt.Sprintf("Goroutines: %d", n)
	}

	check.Duration = time.Since(start)
	return check
}

// StartPeriodicHealthCheck 启动定期健康检查，只记录日志
func (hc *HealthChecker) StartPeriodicHealthCheck(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := hc.CheckHealth(ctx)

			switch report.Status {
			case HealthStatusUnhealthy:
				hc.logger.Error("System health check failed",
					zap.String("status", string(report.Status)),
					zap.Duration("uptime", report.Uptime),
				)
			case HealthStatusDegraded:
				hc.logger.Warn("System health check degraded",
					zap.String("status", string(report.Status)),
					zap.Duration("uptime", report.Uptime),
				)
			default:
				hc.logger.Debug("System health check passed",
					zap.Int("mailboxes", report.Mailboxes),
					zap.Duration("uptime", report.Uptime),
				)
			}
		}
	}
}
