package monitoring

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeNamespace struct {
	active, cooling, capacity int
}

func (f fakeNamespace) ActiveCount() int  { return f.active }
func (f fakeNamespace) CoolingCount() int { return f.cooling }
func (f fakeNamespace) Capacity() int     { return f.capacity }

func TestAlertManager_TriggerAndResolve(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	am := NewAlertManager(zap.New(core))
	am.AddReceiver(NewLogAlertReceiver(zap.New(core)))

	var firing atomic.Bool
	firing.Store(true)
	am.AddRule(AlertRule{
		ID:        "test_rule",
		Name:      "Test Rule",
		Condition: firing.Load,
		Level:     AlertLevelCritical,
		Component: "test",
	})

	am.CheckRules()
	active := am.GetActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, "test_rule", active[0].RuleID)
	assert.Equal(t, 1, logs.FilterMessage("CRITICAL ALERT").Len())

	// 仍在告警中，不重复发送
	am.CheckRules()
	assert.Equal(t, 1, logs.FilterMessage("CRITICAL ALERT").Len())

	firing.Store(false)
	am.CheckRules()
	assert.Empty(t, am.GetActiveAlerts())
	assert.Equal(t, 1, logs.FilterMessage("Alert resolved").Len())
}

func TestAlertManager_Cooldown(t *testing.T) {
	am := NewAlertManager(nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	am.now = func() time.Time { return now }

	var firing atomic.Bool
	firing.Store(true)
	am.AddRule(AlertRule{ID: "flappy", Condition: firing.Load, Cooldown: time.Minute})

	am.CheckRules()
	firing.Store(false)
	am.CheckRules()
	firing.Store(true)

	now = now.Add(30 * time.Second)
	am.CheckRules()
	assert.Empty(t, am.GetActiveAlerts())

	now = now.Add(30 * time.Second)
	am.CheckRules()
	assert.Len(t, am.GetActiveAlerts(), 1)
}

func TestNamespacePressureRule(t *testing.T) {
	assert.True(t, NamespacePressureRule(fakeNamespace{active: 8, cooling: 1, capacity: 10}, 0.9).Condition())
	assert.False(t, NamespacePressureRule(fakeNamespace{active: 5, capacity: 10}, 0.9).Condition())
	assert.False(t, NamespacePressureRule(fakeNamespace{}, 0.9).Condition())
}

func TestDependencyRule(t *testing.T) {
	down := DependencyRule(Dependency{Name: "redis", Ping: func(context.Context) error { return errors.New("refused") }})
	up := DependencyRule(Dependency{Name: "database", Ping: func(context.Context) error { return nil }})

	assert.Equal(t, "redis_unreachable", down.ID)
	assert.True(t, down.Condition())
	assert.False(t, up.Condition())
}
