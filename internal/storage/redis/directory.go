package redis

import (
	"context"
	"fmt"
	"time"

	"tempinbox/backend/internal/domain"
)

// Directory 在 Redis 中登记存活的邮箱地址。
//
// 邮箱本身只保存在创建它的实例内存中；登记表让其他实例也能确认地址有效，
// 从而接受该地址的 WebSocket 订阅，再由 Relay 把事件推过去。
// 键的过期时间与邮箱有效期一致，实例崩溃后登记也会自然消失。
type Directory struct {
	client *Client
	prefix string
}

// NewDirectory 创建邮箱登记表
func NewDirectory(client *Client, prefix string) *Directory {
	return &Directory{client: client, prefix: prefix}
}

func (d *Directory) key(address string) string {
	return d.prefix + domain.NormalizeAddress(address)
}

// Register 登记邮箱，ttl 到期后自动失效
func (d *Directory) Register(ctx context.Context, address string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := d.client.rdb.Set(ctx, d.key(address), 1, ttl).Err(); err != nil {
		return fmt.Errorf("register mailbox %s: %w", address, err)
	}
	return nil
}

// Unregister 注销邮箱
func (d *Directory) Unregister(ctx context.Context, address string) error {
	if err := d.client.rdb.Del(ctx, d.key(address)).Err(); err != nil {
		return fmt.Errorf("unregister mailbox %s: %w", address, err)
	}
	return nil
}

// Contains 判断邮箱是否在任一实例上存活
func (d *Directory) Contains(ctx context.Context, address string) (bool, error) {
	n, err := d.client.rdb.Exists(ctx, d.key(address)).Result()
	if err != nil {
		return false, fmt.Errorf("lookup mailbox %s: %w", address, err)
	}
	return n > 0, nil
}
