// Package cost keeps an append-only record of external-call spend. Each event
// is one JSON line; totals can always be rebuilt by replaying the file.
package cost

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event 是一次外部调用的花费，追加后不再修改。
type Event struct {
	ID       string            `json:"id"`
	TS       time.Time         `json:"ts"`
	Source   string            `json:"source"`
	Cost     float64           `json:"cost"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Totals 是账本的只读快照。
type Totals struct {
	Total    float64            `json:"total"`
	Events   int                `json:"events"`
	BySource map[string]float64 `json:"by_source"`
}

// Sources 按名称排序返回出现过的来源。
func (t Totals) Sources() []string {
	names := make([]string, 0, len(t.BySource))
	for name := range t.BySource {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ErrClosed 表示账本已关闭，事件不会再落盘。
var ErrClosed = errors.New("成本账本已关闭")

// Ledger 记录本批次的花费。文件以 O_APPEND 打开，每个事件一次 Write。
type Ledger struct {
	mu     sync.Mutex
	file   *os.File
	closed bool
	now    func() time.Time
	totals Totals
}

// Open 打开（或创建）账本文件。内存汇总只统计本次进程追加的事件。
func Open(path string) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("成本账本路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建账本目录失败: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("打开成本账本失败: %w", err)
	}
	return &Ledger{
		file:   file,
		now:    func() time.Time { return time.Now().UTC() },
		totals: Totals{BySource: make(map[string]float64)},
	}, nil
}

// NewMemory 创建不落盘的账本，用于测试和 dry run。
func NewMemory() *Ledger {
	return &Ledger{
		now:    func() time.Time { return time.Now().UTC() },
		totals: Totals{BySource: make(map[string]float64)},
	}
}

// Record 追加一条事件并更新内存汇总。写盘失败时汇总不变。
func (l *Ledger) Record(source string, cost float64, metadata map[string]string) error {
	if l == nil {
		return nil
	}
	event := Event{
		ID:       uuid.NewString(),
		Source:   source,
		Cost:     cost,
		Metadata: cloneMetadata(metadata),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("记录 %s 花费 %.4f 失败: %w", source, cost, ErrClosed)
	}
	event.TS = l.now()

	if l.file != nil {
		line, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("序列化成本事件失败: %w", err)
		}
		if _, err := l.file.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("写入成本账本失败: %w", err)
		}
	}
	l.totals.Total += cost
	l.totals.Events++
	l.totals.BySource[source] += cost
	return nil
}

// Snapshot 返回当前汇总的副本。
func (l *Ledger) Snapshot() Totals {
	if l == nil {
		return Totals{BySource: map[string]float64{}}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyTotals(l.totals)
}

// Close 关闭底层文件，之后的 Record 返回 ErrClosed。
func (l *Ledger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.file == nil {
		return nil
	}
	err := l.file.Sync()
	if closeErr := l.file.Close(); err == nil {
		err = closeErr
	}
	l.file = nil
	return err
}

// Replay 读取账本文件重建全部花费。崩溃时写了一半的末行会被跳过。
func Replay(path string) (Totals, error) {
	file, err := os.Open(path)
	if err != nil {
		return Totals{}, fmt.Errorf("读取成本账本失败: %w", err)
	}
	defer file.Close()
	return ReplayFrom(file)
}

// ReplayFrom 从任意 reader 重建花费。
func ReplayFrom(r io.Reader) (Totals, error) {
	totals := Totals{BySource: make(map[string]float64)}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		totals.Total += event.Cost
		totals.Events++
		totals.BySource[event.Source] += event.Cost
	}
	if err := scanner.Err(); err != nil {
		return totals, fmt.Errorf("解析成本账本失败: %w", err)
	}
	return totals, nil
}

func copyTotals(in Totals) Totals {
	out := Totals{Total: in.Total, Events: in.Events, BySource: make(map[string]float64, len(in.BySource))}
	for k, v := range in.BySource {
		out.BySource[k] = v
	}
	return out
}

func cloneMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]string, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}
