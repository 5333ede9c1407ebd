package monitoring

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AlertLevel 告警级别
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert 告警
type Alert struct {
	ID         string     `json:"id"`
	RuleID     string     `json:"rule_id"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Level      AlertLevel `json:"level"`
	Component  string     `json:"component"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// AlertRule 告警规则
type AlertRule struct {
	ID        string
	Name      string
	Condition func() bool
	Level     AlertLevel
	Component string
	Message   string
	Cooldown  time.Duration

	lastTriggered time.Time
}

// AlertReceiver 告警接收器接口
type AlertReceiver interface {
	SendAlert(alert *Alert) error
}

// AlertManager 告警管理器。
//
// 规则条件成立时触发告警，条件恢复后自动解除；同一规则在冷却期内不会重复触发。
type AlertManager struct {
	mu        sync.Mutex
	alerts    map[string]*Alert // ruleID -> 当前告警
	rules     []*AlertRule
	receivers []AlertReceiver
	logger    *zap.Logger
	now       func() time.Time
}

// NewAlertManager 创建告警管理器
func NewAlertManager(logger *zap.Logger) *AlertManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertManager{
		alerts: make(map[string]*Alert),
		logger: logger,
		now:    time.Now,
	}
}

// AddReceiver 添加告警接收器
func (am *AlertManager) AddReceiver(receiver AlertReceiver) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.receivers = append(am.receivers, receiver)
}

// AddRule 添加告警规则
func (am *AlertManager) AddRule(rule AlertRule) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.rules = append(am.rules, &rule)
}

// GetActiveAlerts 获取未解除的告警
func (am *AlertManager) GetActiveAlerts() []Alert {
	am.mu.Lock()
	defer am.mu.Unlock()

	alerts := make([]Alert, 0, len(am.alerts))
	for _, alert := range am.alerts {
		if !alert.Resolved {
			alerts = append(alerts, *alert)
		}
	}
	return alerts
}

// CheckRules 检查告警规则
func (am *AlertManager) CheckRules() {
	am.mu.Lock()
	rules := make([]*AlertRule, len(am.rules))
	copy(rules, am.rules)
	am.mu.Unlock()

	for _, rule := range rules {
		firing := rule.Condition()

		am.mu.Lock()
		now := am.now()
		current, active := am.alerts[rule.ID]
		active = active && !current.Resolved

		switch {
		case firing && !active && now.Sub(rule.lastTriggered) >= rule.Cooldown:
			alert := &Alert{
				ID:        fmt.Sprintf("%s_%d", rule.ID, now.Unix()),
				RuleID:    rule.ID,
				Title:     rule.Name,
				Message:   rule.Message,
				Level:     rule.Level,
				Component: rule.Component,
				Timestamp: now,
			}
			am.alerts[rule.ID] = alert
			rule.lastTriggered = now
			receivers := append([]AlertReceiver(nil), am.receivers...)
			am.mu.Unlock()

			am.dispatch(alert, receivers)
			continue

		case !firing && active:
			current.Resolved = true
			current.ResolvedAt = &now
			am.logger.Info("Alert resolved", zap.String("alert_id", current.ID))
		}
		am.mu.Unlock()
	}
}

func (am *AlertManager) dispatch(alert *Alert, receivers []AlertReceiver) {
	for _, receiver := range receivers {
		if err := receiver.SendAlert(alert); err != nil {
			am.logger.Error("Failed to send alert",
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
		}
	}

	am.logger.Info("Alert triggered",
		zap.String("alert_id", alert.ID),
		zap.String("level", string(alert.Level)),
		zap.String("component", alert.Component),
	)
}

// StartMonitoring 启动监控
func (am *AlertManager) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			am.CheckRules()
		}
	}
}

// ========== 内置告警规则 ==========

// HighMemoryUsageRule 高内存使用告警规则
func HighMemoryUsageRule(thresholdMB float64) AlertRule {
	return AlertRule{
		ID:   "high_memory_usage",
		Name: "High Memory Usage",
		Condition: func() bool {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return float64(m.Alloc)/1024/1024 > thresholdMB
		},
		Level:     AlertLevelWarning,
		Component: "memory",
		Message:   fmt.Sprintf("Memory usage exceeds %.0f MB", thresholdMB),
		Cooldown:  5 * time.Minute,
	}
}

// NamespacePressureRule 地址命名空间使用率超过 ratio 时告警
func NamespacePressureRule(ns Namespace, ratio float64) AlertRule {
	return AlertRule{
		ID:   "namespace_pressure",
		Name: "Address Namespace Pressure",
		Condition: func() bool {
			capacity := ns.Capacity()
			if capacity <= 0 {
				return false
			}
			used := ns.ActiveCount() + ns.CoolingCount()
			return float64(used) >= float64(capacity)*ratio
		},
		Level:     AlertLevelCritical,
		Component: "allocator",
		Message:   fmt.Sprintf("Address namespace usage exceeds %.0f%%", ratio*100),
		Cooldown:  10 * time.Minute,
	}
}

// DependencyRule 外部依赖不可达告警规则
func DependencyRule(dep Dependency) AlertRule {
	return AlertRule{
		ID:   dep.Name + "_unreachable",
		Name: dep.Name + " Unreachable",
		Condition: func() bool {
			ctx, cancel := context.WithTimeout(context.Background(), dependencyTimeout)
			defer cancel()
			return dep.Ping(ctx) != nil
		},
		Level:     AlertLevelCritical,
		Component: dep.Name,
		Message:   dep.Name + " connection failed",
		Cooldown:  time.Minute,
	}
}

// ========== 告警接收器实现 ==========

// LogAlertReceiver 日志告警接收器
type LogAlertReceiver struct {
	logger *zap.Logger
}

// NewLogAlertReceiver 创建日志告警接收器
func NewLogAlertReceiver(logger *zap.Logger) *LogAlertReceiver {
	return &LogAlertReceiver{logger: logger}
}

// SendAlert 发送告警到日志
func (lar *LogAlertReceiver) SendAlert(alert *Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("title", alert.Title),
		zap.String("message", alert.Message),
		zap.String("component", alert.Component),
		zap.Time("timestamp", alert.Timestamp),
	}

	switch alert.Level {
	case AlertLevelCritical:
		lar.logger.Error("CRITICAL ALERT", fields...)
	case AlertLevelWarning:
		lar.logger.Warn("WARNING ALERT", fields...)
	default:
		lar.logger.Info("INFO ALERT", fields...)
	}
	return nil
}
