// Package notify fans audit outcomes out to downstream sinks. Sink failures
// are reported to the caller but never change a subject's recorded outcome.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"OpenAudit/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog      Channel = "log"
	ChannelRedis    Channel = "redis"
	ChannelRabbitMQ Channel = "rabbitmq"
)

// Status 是主体审计结束时的状态。
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Event 描述一个主体的审计结果。
type Event struct {
	SubjectID  string    `json:"subject_id"`
	RunID      string    `json:"run_id,omitempty"`
	Status     Status    `json:"status"`
	Score      int       `json:"score"`
	RiskLevel  string    `json:"risk_level,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Error      string    `json:"error,omitempty"`
	Phase      string    `json:"phase,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Cost       float64   `json:"cost"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers []Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher，同一渠道只保留最后一个通知器。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	index := make(map[Channel]int, len(notifiers))
	set := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		if idx, ok := index[n.Channel()]; ok {
			set[idx] = n
			continue
		}
		index[n.Channel()] = len(set)
		set = append(set, n)
	}
	return &FanoutDispatcher{notifiers: set}
}

// Channels 返回已注册的渠道。
func (d *FanoutDispatcher) Channels() []Channel {
	if d == nil {
		return nil
	}
	channels := make([]Channel, 0, len(d.notifiers))
	for _, n := range d.notifiers {
		channels = append(channels, n.Channel())
	}
	return channels
}

// Notify 将事件广播至所有注册渠道，单个渠道失败不影响其它渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Close 关闭实现了 Close 的通知器。
func (d *FanoutDispatcher) Close() error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if closer, ok := notifier.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// LogNotifier 把结果写入审计日志。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 写入一条结构化日志。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	log := logger.Audit()
	if n != nil && n.Logger != nil {
		log = n.Logger
	}
	attrs := []any{
		slog.String("subject_id", event.SubjectID),
		slog.String("run_id", event.RunID),
		slog.String("status", string(event.Status)),
		slog.Float64("cost", event.Cost),
		slog.Time("occurred_at", event.OccurredAt),
	}
	if event.Status == StatusFailed {
		attrs = append(attrs,
			slog.String("phase", event.Phase),
			slog.String("reason", event.Reason),
			slog.String("error", event.Error))
		log.Warn("主体审计失败", attrs...)
		return nil
	}
	attrs = append(attrs,
		slog.Int("score", event.Score),
		slog.String("risk_level", event.RiskLevel),
		slog.String("outcome", event.Outcome))
	log.Info("主体审计完成", attrs...)
	return nil
}
