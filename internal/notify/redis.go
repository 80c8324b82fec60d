package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 通知渠道的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	List     string
}

// RedisNotifier 把事件以 JSON 形式 LPUSH 到 Redis list。
type RedisNotifier struct {
	client *redis.Client
	list   string
}

// NewRedisNotifier 创建 Redis 通知器。
func NewRedisNotifier(ctx context.Context, cfg RedisConfig) (*RedisNotifier, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisNotifierWithClient(client, cfg.List), nil
}

// NewRedisNotifierWithClient 复用已有客户端。
func NewRedisNotifierWithClient(client *redis.Client, list string) *RedisNotifier {
	if list == "" {
		list = "openaudit:outcomes"
	}
	return &RedisNotifier{client: client, list: list}
}

// Channel 返回 Redis 渠道。
func (n *RedisNotifier) Channel() Channel { return ChannelRedis }

// Notify 投递事件。
func (n *RedisNotifier) Notify(ctx context.Context, event Event) error {
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化通知事件失败: %w", err)
	}
	if err := n.client.LPush(ctx, n.list, encoded).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (n *RedisNotifier) Close() error {
	if n == nil || n.client == nil {
		return nil
	}
	return n.client.Close()
}
