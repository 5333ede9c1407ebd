// Package sweeper 周期性回收过期邮箱并释放其地址。
package sweeper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tempinbox/backend/internal/monitoring"
	"tempinbox/backend/internal/storage"
)

const (
	defaultInterval    = 60 * time.Second
	defaultConcurrency = 8
)

// Store 清理任务需要的存储操作
type Store interface {
	Expired(now time.Time) []string
	// DestroyExpired 在邮箱锁内复核过期后删除；未删除时返回 false
	DestroyExpired(address string, now time.Time) (bool, error)
	Count() int
}

// Releaser 释放地址并开始冷却
type Releaser interface {
	Release(ctx context.Context, address string)
	CoolingCount() int
}

// LedgerPruner 可选：清理冷却账本中的过期记录
type LedgerPruner interface {
	PruneLedger(ctx context.Context) (int64, error)
}

// Options 清理任务配置
type Options struct {
	Interval    time.Duration
	Timeout     time.Duration // 单轮最长耗时，0 表示与周期相同
	Concurrency int
	Notifier    storage.EventPublisher
	Metrics     *monitoring.Metrics
	Logger      *zap.Logger
	Now         func() time.Time
}

// Result 单轮清理结果
type Result struct {
	Expired   int // 本轮发现的过期邮箱
	Destroyed int
	Failed    int
	Skipped   int // 列出后已被删除或重建，不再过期
	Deferred  int // 因超时留到下一轮的邮箱
}

// Sweeper 过期清理任务。
//
// 每个邮箱独立处理：一个邮箱失败只记录日志并计数，不影响其余邮箱。
type Sweeper struct {
	store    Store
	releaser Releaser
	opts     Options
	logger   *zap.Logger

	running atomic.Bool
	mu      sync.Mutex
	lastRun time.Time
	last    Result
}

// New 创建清理任务
func New(store Store, releaser Releaser, opts Options) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = opts.Interval
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:    store,
		releaser: releaser,
		opts:     opts,
		logger:   logger,
	}
}

// Run 按周期执行清理，直到 ctx 取消
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.logger.Info("expiry sweeper started",
		zap.Duration("interval", s.opts.Interval),
		zap.Int("concurrency", s.opts.Concurrency),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return nil
		case <-ticker.C:
			s.Sweep(ctx, s.opts.Now())
		}
	}
}

// Sweep 执行一轮清理：对每个 createdAt+ttl <= now 的邮箱先销毁再释放地址。
//
// 上一轮尚未结束时直接返回空结果。
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) Result {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("previous sweep still running, skipping")
		return Result{}
	}
	defer s.running.Store(false)

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	expired := s.store.Expired(now)
	result := Result{Expired: len(expired)}

	var destroyed, failed, skipped, deferred atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)

	for _, address := range expired {
		if ctx.Err() != nil {
			deferred.Add(1)
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				deferred.Add(1)
				return nil
			}
			switch s.reclaim(ctx, address, now) {
			case outcomeDestroyed:
				destroyed.Add(1)
			case outcomeSkipped:
				skipped.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Destroyed = int(destroyed.Load())
	result.Failed = int(failed.Load())
	result.Skipped = int(skipped.Load())
	result.Deferred = int(deferred.Load())

	if pruner, ok := s.releaser.(LedgerPruner); ok {
		if _, err := pruner.PruneLedger(ctx); err != nil {
			s.logger.Warn("failed to prune cooldown ledger", zap.Error(err))
		}
	}

	s.opts.Metrics.RecordSweep(time.Since(start), result.Failed)
	s.opts.Metrics.UpdateMailboxesActive(s.store.Count())
	s.opts.Metrics.UpdateAddressesCooling(s.releaser.CoolingCount())

	s.mu.Lock()
	s.lastRun = now
	s.last = result
	s.mu.Unlock()

	if result.Expired > 0 {
		s.logger.Info("expiry sweep finished",
			zap.Int("expired", result.Expired),
			zap.Int("destroyed", result.Destroyed),
			zap.Int("failed", result.Failed),
			zap.Int("skipped", result.Skipped),
			zap.Int("deferred", result.Deferred),
			zap.Duration("took", time.Since(start)),
		)
	}
	return result
}

// LastRun 返回最近一轮清理的时间与结果
func (s *Sweeper) LastRun() (time.Time, Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.last
}

// Interval 返回清理周期
func (s *Sweeper) Interval() time.Duration {
	return s.opts.Interval
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeDestroyed
	outcomeSkipped
)

func (s *Sweeper) reclaim(ctx context.Context, address string, now time.Time) outcome {
	removed, err := s.store.DestroyExpired(address, now)
	if err != nil {
		s.logger.Error("failed to destroy expired mailbox",
			zap.String("address", address),
			zap.Error(err),
		)
		s.opts.Metrics.RecordError("destroy_failed", "sweeper")
		return outcomeFailed
	}
	if !removed {
		// 已被 DELETE 删除，或地址已重新分配给未过期的新邮箱
		s.logger.Debug("mailbox no longer expired, skipping",
			zap.String("address", address),
		)
		return outcomeSkipped
	}

	s.releaser.Release(ctx, address)
	s.opts.Metrics.RecordMailboxDestroyed("expired")

	if s.opts.Notifier != nil {
		event := storage.Event{Kind: storage.EventMailboxExpired, Address: address, At: now}
		if err := s.opts.Notifier.Publish(ctx, event); err != nil {
			s.logger.Warn("failed to publish expiry event",
				zap.String("address", address),
				zap.Error(err),
			)
		}
	}
	return outcomeDestroyed
}
