package evidence

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"OpenAudit/internal/audit"
)

// FileStore 以追加写 JSON lines 的方式保存证据，启动时回放文件重建最新视图。
type FileStore struct {
	mu       sync.Mutex
	dataFile string
	index    *MemoryStore
}

// NewFileStore 在 dataDir 下创建或打开 evidence.log。
func NewFileStore(dataDir string) (*FileStore, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	store := &FileStore{
		dataFile: filepath.Join(dataDir, "evidence.log"),
		index:    NewMemoryStore(),
	}
	if err := store.loadFromDisk(); err != nil {
		return nil, err
	}
	return store, nil
}

// Save 以追加写的方式记录证据。
func (s *FileStore) Save(ctx context.Context, records ...audit.EvidenceRecord) error {
	if len(records) == 0 {
		return nil
	}
	buf := make([]byte, 0, 256*len(records))
	for _, rec := range records {
		encoded, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("序列化证据记录失败: %w", err)
		}
		buf = append(buf, encoded...)
		buf = append(buf, '\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开证据日志失败: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(buf); err != nil {
		return fmt.Errorf("写入证据日志失败: %w", err)
	}
	return s.index.Save(ctx, records...)
}

// Latest 实现 Store 接口。
func (s *FileStore) Latest(ctx context.Context, subjectID string) ([]audit.EvidenceRecord, error) {
	return s.index.Latest(ctx, subjectID)
}

// Close 实现 Store 接口。
func (s *FileStore) Close() error { return nil }

func (s *FileStore) loadFromDisk() error {
	file, err := os.OpenFile(s.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取证据日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var rec audit.EvidenceRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		s.index.put(rec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析证据日志失败: %w", err)
	}
	return nil
}
