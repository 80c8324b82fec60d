// Package state persists batch progress so an interrupted batch can resume
// exactly where it stopped. The whole document is rewritten on every change
// through a temp file and a rename, so readers never observe a partial write.
package state

import (
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"OpenAudit/internal/audit"
	xerrors "OpenAudit/internal/errors"
)

// Completed 记录一个已完成的主体。
type Completed struct {
	ID        string          `json:"id"`
	Score     int             `json:"score"`
	RiskLevel audit.RiskLevel `json:"risk_level,omitempty"`
	Outcome   audit.Outcome   `json:"outcome,omitempty"`
	TS        time.Time       `json:"ts"`
}

// Failed 记录一个失败的主体。
type Failed struct {
	ID     string    `json:"id"`
	Error  string    `json:"error"`
	Phase  string    `json:"phase,omitempty"`
	Reason string    `json:"reason,omitempty"`
	TS     time.Time `json:"ts"`
}

// BatchState 是断点续跑的唯一依据。
type BatchState struct {
	Completed   []Completed `json:"completed"`
	Failed      []Failed    `json:"failed"`
	Pending     []string    `json:"pending"`
	StartedAt   time.Time   `json:"startedAt"`
	LastUpdated time.Time   `json:"lastUpdated"`
}

func (b BatchState) clone() BatchState {
	out := b
	out.Completed = append([]Completed{}, b.Completed...)
	out.Failed = append([]Failed{}, b.Failed...)
	out.Pending = append([]string{}, b.Pending...)
	return out
}

// Store 管理批次状态文件。
type Store struct {
	mu    sync.Mutex
	path  string
	state BatchState
	now   func() time.Time
}

// Option 定义 Store 的可选配置。
type Option func(*Store)

// WithClock 注入时钟。
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open 加载状态文件并确认其可写。文件不存在时以空状态开始。
// 文件不可读、内容损坏或目录不可写都属于启动期致命错误。
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeFatalStartup, "状态文件路径不能为空")
	}
	s := &Store{path: path, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFatalStartup, err, "创建状态目录失败")
	}

	state, err := Load(path)
	if err != nil {
		return nil, err
	}
	s.state = state

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persistLocked(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFatalStartup, err, "状态文件不可写")
	}
	return s, nil
}

// Load 读取最近一次持久化的状态，文件不存在时返回空状态。
func Load(path string) (BatchState, error) {
	raw, err := os.ReadFile(path)
	if stdErrors.Is(err, os.ErrNotExist) {
		return BatchState{Completed: []Completed{}, Failed: []Failed{}, Pending: []string{}}, nil
	}
	if err != nil {
		return BatchState{}, xerrors.Wrap(xerrors.CodeFatalStartup, err, "读取状态文件失败")
	}
	var state BatchState
	if err := json.Unmarshal(raw, &state); err != nil {
		return BatchState{}, xerrors.Wrap(xerrors.CodeFatalStartup, err, "状态文件已损坏")
	}
	if state.Completed == nil {
		state.Completed = []Completed{}
	}
	if state.Failed == nil {
		state.Failed = []Failed{}
	}
	if state.Pending == nil {
		state.Pending = []string{}
	}
	return state, nil
}

// Path 返回状态文件路径。
func (s *Store) Path() string { return s.path }

// Snapshot 返回当前状态的副本。
func (s *Store) Snapshot() BatchState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// PendingSubjects 返回 allIDs 中既未完成也未失败的主体，保持入参顺序并去重。
func (s *Store) PendingSubjects(allIDs []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	done := make(map[string]struct{}, len(s.state.Completed)+len(s.state.Failed))
	for _, c := range s.state.Completed {
		done[c.ID] = struct{}{}
	}
	for _, f := range s.state.Failed {
		done[f.ID] = struct{}{}
	}
	pending := make([]string, 0, len(allIDs))
	for _, id := range allIDs {
		if _, ok := done[id]; ok {
			continue
		}
		done[id] = struct{}{}
		pending = append(pending, id)
	}
	return pending
}

// SetPending 记录本次批次待处理的主体。
func (s *Store) SetPending(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Pending = append([]string{}, ids...)
	if s.state.StartedAt.IsZero() {
		s.state.StartedAt = s.now()
	}
	return s.persistLocked()
}

// RecordCompleted 记录主体完成并原子地重写状态文件。
func (s *Store) RecordCompleted(id string, result audit.ScoreResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(id)
	s.state.Completed = append(s.state.Completed, Completed{
		ID:        id,
		Score:     result.EnforcedScore,
		RiskLevel: result.RiskLevel,
		Outcome:   result.Outcome,
		TS:        s.now(),
	})
	return s.persistLocked()
}

// RecordFailed 记录主体失败并原子地重写状态文件。
func (s *Store) RecordFailed(id string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(id)
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	s.state.Failed = append(s.state.Failed, Failed{
		ID:     id,
		Error:  msg,
		Phase:  xerrors.PhaseOf(cause),
		Reason: xerrors.ReasonOf(cause),
		TS:     s.now(),
	})
	return s.persistLocked()
}

// RetryFailed 把失败的主体移回待处理列表，返回被移动的 ID。
func (s *Store) RetryFailed() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.state.Failed))
	for _, f := range s.state.Failed {
		ids = append(ids, f.ID)
	}
	s.state.Failed = []Failed{}
	s.state.Pending = append(s.state.Pending, ids...)
	return ids, s.persistLocked()
}

// Reset 清空全部进度。
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = BatchState{Completed: []Completed{}, Failed: []Failed{}, Pending: []string{}}
	return s.persistLocked()
}

func (s *Store) removeLocked(id string) {
	pending := s.state.Pending[:0]
	for _, p := range s.state.Pending {
		if p != id {
			pending = append(pending, p)
		}
	}
	s.state.Pending = pending

	completed := s.state.Completed[:0]
	for _, c := range s.state.Completed {
		if c.ID != id {
			completed = append(completed, c)
		}
	}
	s.state.Completed = completed

	failed := s.state.Failed[:0]
	for _, f := range s.state.Failed {
		if f.ID != id {
			failed = append(failed, f)
		}
	}
	s.state.Failed = failed
}

// persistLocked 写入同目录下的临时文件，fsync 后 rename 覆盖原文件。
func (s *Store) persistLocked() error {
	s.state.LastUpdated = s.now()
	encoded, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化批次状态失败")
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建临时状态文件失败")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		cleanup()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入临时状态文件失败")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "同步临时状态文件失败")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "关闭临时状态文件失败")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return xerrors.Wrap(xerrors.CodeStorageFailure, fmt.Errorf("rename %s: %w", tmpName, err), "替换状态文件失败")
	}
	return nil
}
