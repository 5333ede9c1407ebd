// Package allocator 负责签发唯一的随机邮箱地址，并维护活跃集合与冷却集合。
package allocator

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/storage"
)

// DefaultAlphabet 随机本地部分使用的字符集，全部小写以保证地址规范化后不变
const DefaultAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

const (
	defaultLocalPartLength = 10
	defaultMaxAttempts     = 32
	ledgerTimeout          = 3 * time.Second
)

// Options 地址分配器配置
type Options struct {
	Domains         []string      // 允许的域名，第一个为默认域名
	LocalPartLength int           // 随机本地部分长度
	Alphabet        string        // 随机字符集，留空使用 DefaultAlphabet
	Cooldown        time.Duration // 地址释放后的冷却期
	MaxActive       int           // 活跃地址上限，0 表示仅受命名空间容量限制
	MaxAttempts     int           // 单次分配的最大随机尝试次数
	Ledger          storage.CooldownLedger
	Logger          *zap.Logger
	Now             func() time.Time
	Random          io.Reader // 随机源，默认 crypto/rand
}

// Allocator 地址分配器。
//
// 活跃集合与冷却集合共用一把锁，分配、预留、释放都是 O(1) 操作。
type Allocator struct {
	mu       sync.Mutex
	active   map[string]struct{}
	cooldown map[string]time.Time // 地址 -> 释放时间

	lastPrune time.Time

	domains   []string
	domainSet map[string]struct{}
	length    int
	alphabet  string
	window    time.Duration
	maxActive int
	attempts  int
	ledger    storage.CooldownLedger
	logger    *zap.Logger
	now       func() time.Time
	random    io.Reader
}

// New 创建地址分配器
func New(opts Options) *Allocator {
	a := &Allocator{
		active:    make(map[string]struct{}),
		cooldown:  make(map[string]time.Time),
		domainSet: make(map[string]struct{}, len(opts.Domains)),
		length:    opts.LocalPartLength,
		alphabet:  opts.Alphabet,
		window:    opts.Cooldown,
		maxActive: opts.MaxActive,
		attempts:  opts.MaxAttempts,
		ledger:    opts.Ledger,
		logger:    opts.Logger,
		now:       opts.Now,
		random:    opts.Random,
	}
	for _, d := range opts.Domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if _, ok := a.domainSet[d]; ok {
			continue
		}
		a.domainSet[d] = struct{}{}
		a.domains = append(a.domains, d)
	}
	if a.length <= 0 {
		a.length = defaultLocalPartLength
	}
	if a.alphabet == "" {
		a.alphabet = DefaultAlphabet
	}
	if a.attempts <= 0 {
		a.attempts = defaultMaxAttempts
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.random == nil {
		a.random = rand.Reader
	}
	return a
}

// Restore 从冷却账本恢复仍在冷却期内的地址，启动时调用一次
func (a *Allocator) Restore(ctx context.Context) error {
	if a.ledger == nil {
		return nil
	}

	since := a.now().Add(-a.window)
	entries, err := a.ledger.Load(ctx, since)
	if err != nil {
		return fmt.Errorf("load cooldown ledger: %w", err)
	}

	a.mu.Lock()
	for address, releasedAt := range entries {
		if prev, ok := a.cooldown[address]; !ok || releasedAt.After(prev) {
			a.cooldown[address] = releasedAt
		}
	}
	a.mu.Unlock()

	a.logger.Info("cooldown ledger restored", zap.Int("addresses", len(entries)))
	return nil
}

// Domains 返回允许的域名列表
func (a *Allocator) Domains() []string {
	out := make([]string, len(a.domains))
	copy(out, a.domains)
	return out
}

// DomainAllowed 判断域名是否允许签发地址
func (a *Allocator) DomainAllowed(d string) bool {
	_, ok := a.domainSet[strings.ToLower(d)]
	return ok
}

// Allocate 在指定域名上签发一个新的随机地址，domainName 为空时使用默认域名。
//
// 候选地址在提交前会同时检查活跃集合与冷却集合；容量已满或有限次随机尝试全部
// 冲突时返回 domain.ErrExhaustedNamespace。
func (a *Allocator) Allocate(domainName string) (string, error) {
	d, err := a.resolveDomain(domainName)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if !a.roomLocked(now) {
		return "", domain.ErrExhaustedNamespace
	}

	for i := 0; i < a.attempts; i++ {
		local, err := a.randomLocalPart()
		if err != nil {
			return "", fmt.Errorf("generate local part: %w", err)
		}
		address := local + "@" + d
		if a.takenLocked(address, now) {
			continue
		}
		a.active[address] = struct{}{}
		return address, nil
	}

	a.logger.Warn("address namespace exhausted",
		zap.String("domain", d),
		zap.Int("attempts", a.attempts),
		zap.Int("active", len(a.active)),
		zap.Int("cooling", len(a.cooldown)),
	)
	return "", domain.ErrExhaustedNamespace
}

// Reserve 占用调用方指定的本地部分。
//
// 地址仍活跃或处于冷却期时返回 domain.ErrAddressInUse。
func (a *Allocator) Reserve(localPart, domainName string) (string, error) {
	d, err := a.resolveDomain(domainName)
	if err != nil {
		return "", err
	}

	localPart = strings.ToLower(strings.TrimSpace(localPart))
	if err := domain.NewEmailValidator().ValidateLocalPart(localPart); err != nil {
		return "", err
	}
	address := localPart + "@" + d

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if !a.roomLocked(now) {
		return "", domain.ErrExhaustedNamespace
	}
	if a.takenLocked(address, now) {
		return "", domain.ErrAddressInUse
	}
	a.active[address] = struct{}{}
	return address, nil
}

// Release 将地址标记为非活跃并开始冷却计时。释放未知地址不做任何事。
func (a *Allocator) Release(ctx context.Context, address string) {
	address = domain.NormalizeAddress(address)

	a.mu.Lock()
	if _, ok := a.active[address]; !ok {
		a.mu.Unlock()
		return
	}
	delete(a.active, address)
	releasedAt := a.now()
	if a.window > 0 {
		a.cooldown[address] = releasedAt
	}
	a.mu.Unlock()

	if a.ledger == nil || a.window <= 0 {
		return
	}

	// 账本写入失败只影响重启后的冷却期，不影响本进程
	ctx, cancel := context.WithTimeout(ctx, ledgerTimeout)
	defer cancel()
	if err := a.ledger.Record(ctx, address, releasedAt); err != nil {
		a.logger.Warn("failed to record released address",
			zap.String("address", address),
			zap.Error(err),
		)
	}
}

// IsActive 判断地址是否处于活跃状态
func (a *Allocator) IsActive(address string) bool {
	address = domain.NormalizeAddress(address)
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.active[address]
	return ok
}

// InCooldown 判断地址是否处于冷却期
func (a *Allocator) InCooldown(address string) bool {
	address = domain.NormalizeAddress(address)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.coolingLocked(address, a.now())
}

// ActiveCount 返回活跃地址数
func (a *Allocator) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}

// CoolingCount 返回冷却中的地址数
func (a *Allocator) CoolingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked(a.now())
	return len(a.cooldown)
}

// PruneLedger 删除账本中已过冷却期的记录
func (a *Allocator) PruneLedger(ctx context.Context) (int64, error) {
	if a.ledger == nil {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, ledgerTimeout)
	defer cancel()
	return a.ledger.Prune(ctx, a.now().Add(-a.window))
}

// Capacity 返回单个域名下的随机命名空间容量，溢出时返回 math.MaxInt
func (a *Allocator) Capacity() int {
	total := 1.0
	for i := 0; i < a.length; i++ {
		total *= float64(len(a.alphabet))
		if total >= math.MaxInt32 {
			return math.MaxInt
		}
	}
	return int(total) * len(a.domains)
}

func (a *Allocator) resolveDomain(requested string) (string, error) {
	if len(a.domains) == 0 {
		return "", domain.ErrDomainNotAllowed
	}
	requested = strings.ToLower(strings.TrimSpace(requested))
	if requested == "" {
		return a.domains[0], nil
	}
	if _, ok := a.domainSet[requested]; !ok {
		return "", domain.ErrDomainNotAllowed
	}
	return requested, nil
}

// roomLocked 判断是否还能签发新地址。
//
// 冷却记录平时按 pruneInterval 惰性清理；容量看似已满时强制清理一次再判断。
func (a *Allocator) roomLocked(now time.Time) bool {
	if now.Sub(a.lastPrune) >= a.pruneInterval() {
		a.pruneLocked(now)
	}
	if !a.full() {
		return true
	}
	a.pruneLocked(now)
	return !a.full()
}

func (a *Allocator) pruneInterval() time.Duration {
	if a.window > 0 && a.window < time.Minute {
		return a.window
	}
	return time.Minute
}

func (a *Allocator) full() bool {
	if a.maxActive > 0 && len(a.active) >= a.maxActive {
		return true
	}
	return len(a.active)+len(a.cooldown) >= a.Capacity()
}

func (a *Allocator) takenLocked(address string, now time.Time) bool {
	if _, ok := a.active[address]; ok {
		return true
	}
	return a.coolingLocked(address, now)
}

func (a *Allocator) coolingLocked(address string, now time.Time) bool {
	releasedAt, ok := a.cooldown[address]
	if !ok {
		return false
	}
	return now.Sub(releasedAt) < a.window
}

// pruneLocked 惰性清理过期的冷却记录，调用方必须持有锁
func (a *Allocator) pruneLocked(now time.Time) {
	for address, releasedAt := range a.cooldown {
		if now.Sub(releasedAt) >= a.window {
			delete(a.cooldown, address)
		}
	}
	a.lastPrune = now
}

func (a *Allocator) randomLocalPart() (string, error) {
	max := big.NewInt(int64(len(a.alphabet)))
	var b strings.Builder
	b.Grow(a.length)
	for i := 0; i < a.length; i++ {
		n, err := rand.Int(a.random, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(a.alphabet[n.Int64()])
	}
	return b.String(), nil
}
