package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tempinbox/backend/internal/storage"
)

// wireEvent 频道中传输的事件，Origin 用于丢弃本实例自己发布的消息
type wireEvent struct {
	Origin string        `json:"origin"`
	Event  storage.Event `json:"event"`
}

// Relay 通过 Redis 发布订阅在多个实例之间转发邮箱事件。
//
// SMTP 投递与 HTTP 读写由持有邮箱的实例处理；WebSocket 订阅可以落在任意实例上
// （地址是否有效由 Directory 确认），转发后订阅所在实例推送给本地客户端。
type Relay struct {
	client  *Client
	channel string
	origin  string
}

// NewRelay 创建事件中继
func NewRelay(client *Client, channel string) *Relay {
	return &Relay{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
	}
}

// Publish 发布事件到共享频道
func (r *Relay) Publish(ctx context.Context, event storage.Event) error {
	data, err := json.Marshal(wireEvent{Origin: r.origin, Event: event})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return r.client.rdb.Publish(ctx, r.channel, data).Err()
}

// Subscription 一个已生效的频道订阅
type Subscription struct {
	relay  *Relay
	pubsub *goredis.PubSub
}

// Subscribe 订阅共享频道，返回时订阅已经生效
func (r *Relay) Subscribe(ctx context.Context) (*Subscription, error) {
	pubsub := r.client.rdb.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	return &Subscription{relay: r, pubsub: pubsub}, nil
}

// Run 将其他实例发布的事件交给 handler，直到 ctx 取消
func (s *Subscription) Run(ctx context.Context, handler func(storage.Event)) error {
	defer s.pubsub.Close()

	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.relay.client.log.Warn("dropping malformed relay event", zap.Error(err))
				continue
			}
			if ev.Origin == s.relay.origin {
				continue
			}
			handler(ev.Event)
		}
	}
}
