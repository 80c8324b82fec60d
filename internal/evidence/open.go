package evidence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"OpenAudit/internal/config"
)

// Open 根据配置创建证据存储。
func Open(ctx context.Context, cfg config.EvidenceStoreConfig, dataDir string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		return NewFileStore(dataDir)
	case "memory":
		return NewMemoryStore(), nil
	case "mysql", "sqlite", "sqlite3":
		return NewSQLStore(ctx, SQLConfig{
			Driver:          cfg.Driver,
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second,
		})
	case "redis":
		return NewRedisStore(ctx, RedisOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	default:
		return nil, fmt.Errorf("暂不支持的存储驱动: %s", cfg.Driver)
	}
}

// TTLPolicyFrom 将配置转换为 TTLPolicy。
func TTLPolicyFrom(cfg config.FreshnessConfig) TTLPolicy {
	policy := TTLPolicy{
		Success:  cfg.TTLSuccess,
		NotFound: cfg.TTLNotFound,
		Error:    cfg.TTLError,
	}
	if policy.Success <= 0 {
		policy.Success = DefaultTTLPolicy.Success
	}
	if policy.NotFound <= 0 {
		policy.NotFound = DefaultTTLPolicy.NotFound
	}
	if policy.Error <= 0 {
		policy.Error = DefaultTTLPolicy.Error
	}
	return policy
}
