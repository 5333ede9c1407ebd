package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tempinbox/backend/internal/config"
)

// Client 封装 Redis 客户端
type Client struct {
	rdb *goredis.Client
	log *zap.Logger
}

// New 创建新的 Redis 客户端并测试连接
func New(cfg config.RedisConfig, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("connected to Redis",
		zap.String("address", cfg.Address),
		zap.Int("db", cfg.DB),
	)

	return &Client{
		rdb: rdb,
		log: log,
	}, nil
}

// Close 关闭 Redis 连接
func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		c.log.Error("failed to close Redis connection", zap.Error(err))
		return err
	}
	c.log.Info("Redis connection closed")
	return nil
}

// Ping 测试 Redis 连接
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// IncrementRateLimit 增加限流计数并刷新窗口过期时间，返回窗口内的累计次数
func (c *Client) IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := c.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
