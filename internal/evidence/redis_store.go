package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"OpenAudit/internal/audit"
)

// RedisStore 以 hash 保存每个主体的最新证据，field 为来源名称。
// 旧记录直接被覆盖，键本身不设置过期时间。
type RedisStore struct {
	client *redis.Client
	prefix string
	owned  bool
}

// RedisOptions 描述 Redis 连接参数。
type RedisOptions struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// NewRedisStore 创建 Redis 证据存储并探活。
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if strings.TrimSpace(opts.Address) == "" {
		return nil, fmt.Errorf("Redis 地址不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("无法连接到 Redis: %w", err)
	}
	store := NewRedisStoreWithClient(client, opts.Prefix)
	store.owned = true
	return store, nil
}

// NewRedisStoreWithClient 复用已有客户端，Close 不会关闭该客户端。
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "openaudit"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(subjectID string) string {
	return s.prefix + ":evidence:" + subjectID
}

// Save 实现 Store 接口。较旧的记录不会覆盖较新的记录。
func (s *RedisStore) Save(ctx context.Context, records ...audit.EvidenceRecord) error {
	if len(records) == 0 {
		return nil
	}
	bySubject := make(map[string][]audit.EvidenceRecord)
	for _, rec := range records {
		bySubject[rec.SubjectID] = append(bySubject[rec.SubjectID], rec)
	}
	for subjectID, recs := range bySubject {
		current, err := s.Latest(ctx, subjectID)
		if err != nil {
			return err
		}
		existing := make(map[string]audit.EvidenceRecord, len(current))
		for _, rec := range current {
			existing[rec.Source] = rec
		}
		values := make(map[string]any, len(recs))
		for _, rec := range recs {
			if prev, ok := existing[rec.Source]; ok && !newer(rec, prev) {
				continue
			}
			existing[rec.Source] = rec
			encoded, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("序列化证据记录失败: %w", err)
			}
			values[rec.Source] = string(encoded)
		}
		if len(values) == 0 {
			continue
		}
		if err := s.client.HSet(ctx, s.key(subjectID), values).Err(); err != nil {
			return fmt.Errorf("写入 Redis 证据失败: %w", err)
		}
	}
	return nil
}

// Latest 实现 Store 接口。
func (s *RedisStore) Latest(ctx context.Context, subjectID string) ([]audit.EvidenceRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.key(subjectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("读取 Redis 证据失败: %w", err)
	}
	records := make([]audit.EvidenceRecord, 0, len(fields))
	for _, raw := range fields {
		var rec audit.EvidenceRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	sortBySource(records)
	return records, nil
}

// Close 实现 Store 接口。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil || !s.owned {
		return nil
	}
	return s.client.Close()
}
