package batch

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"OpenAudit/internal/agent"
	"OpenAudit/internal/audit"
	"OpenAudit/internal/cost"
	xerrors "OpenAudit/internal/errors"
	"OpenAudit/internal/notify"
	"OpenAudit/internal/observability/metrics"
	"OpenAudit/internal/score"
	"OpenAudit/internal/state"
	"OpenAudit/pkg/logger"
)

// Runner 执行单个主体的审计，agent.Agent 实现了该接口。
type Runner interface {
	Run(ctx context.Context, subject audit.Subject) (*agent.Outcome, error)
}

// Summary 汇总一次批处理的结果。
type Summary struct {
	Total       int     `json:"total"`
	Scheduled   int     `json:"scheduled"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Abandoned   int     `json:"abandoned"`
	Interrupted int     `json:"interrupted"`
	PeakActive  int     `json:"peak_active"`
	Cost        float64 `json:"cost"`
}

// Scheduler 以受限并发驱动审计运行，并把结果写入 StateStore。
type Scheduler struct {
	runner      Runner
	state       *state.Store
	ledger      *cost.Ledger
	notifier    notify.Dispatcher
	metrics     *metrics.Recorder
	concurrency int
	limit       int
	grace       time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// Option 定义可选配置。
type Option func(*Scheduler)

const (
	defaultConcurrency = 4
	defaultGrace       = 30 * time.Second
)

// WithConcurrency 设置同时进行的审计运行数量上限。
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithLimit 限制本次最多调度的主体数量，0 表示不限。
func WithLimit(n int) Option {
	return func(s *Scheduler) {
		if n >= 0 {
			s.limit = n
		}
	}
}

// WithGraceTimeout 设置收到停止信号后等待在途运行的时长。
func WithGraceTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithLedger 配置成本账本，用于汇总本批次花费。
func WithLedger(ledger *cost.Ledger) Option {
	return func(s *Scheduler) {
		s.ledger = ledger
	}
}

// WithNotifier 配置结果通知。
func WithNotifier(d notify.Dispatcher) Option {
	return func(s *Scheduler) {
		s.notifier = d
	}
}

// WithMetrics 配置指标记录器。
func WithMetrics(r *metrics.Recorder) Option {
	return func(s *Scheduler) {
		s.metrics = r
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New 构造 Scheduler。
func New(runner Runner, store *state.Store, opts ...Option) (*Scheduler, error) {
	if runner == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置审计执行器")
	}
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置状态存储")
	}
	s := &Scheduler{
		runner:      runner,
		state:       store,
		concurrency: defaultConcurrency,
		grace:       defaultGrace,
		now:         time.Now,
		logger:      logger.Named("batch"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// batchRun 保存一次 Run 调用内的共享状态。
type batchRun struct {
	mu      sync.Mutex
	live    map[string]struct{}
	peak    int
	closed  bool
	summary Summary
	errs    []error
}

func (b *batchRun) enter(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.live[id] = struct{}{}
	if len(b.live) > b.peak {
		b.peak = len(b.live)
	}
}

// close 阻止宽限期结束后的迟到写入，返回仍在途的主体。
func (b *batchRun) close() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	ids := make([]string, 0, len(b.live))
	for id := range b.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run 调度尚未完成或失败的主体。ctx 取消后停止接纳新主体，
// 在途运行最多再等待宽限期，之后被取消且不写入状态。
// 只有状态存储在启动阶段不可写时才返回 FatalStartup 错误。
func (s *Scheduler) Run(ctx context.Context, subjects []audit.Subject) (Summary, error) {
	subjects = audit.Dedupe(subjects)
	byID := make(map[string]audit.Subject, len(subjects))
	for _, subject := range subjects {
		byID[subject.ID] = subject
	}

	pending := s.state.PendingSubjects(audit.IDs(subjects))
	if s.limit > 0 && len(pending) > s.limit {
		pending = pending[:s.limit]
	}
	if err := s.state.SetPending(pending); err != nil {
		return Summary{}, xerrors.Wrap(xerrors.CodeFatalStartup, err, "写入待处理列表失败")
	}

	br := &batchRun{
		live:    make(map[string]struct{}, s.concurrency),
		summary: Summary{Total: len(subjects), Scheduled: len(pending)},
	}
	costBefore := s.ledger.Snapshot().Total

	s.logger.Info("批处理开始",
		slog.Int("total", len(subjects)),
		slog.Int("pending", len(pending)),
		slog.Int("concurrency", s.concurrency))

	// 在途运行使用独立的上下文，仅在宽限期结束后取消。
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	sem := make(chan struct{}, s.concurrency)
	var g errgroup.Group
	admitted := 0
admission:
	for _, id := range pending {
		select {
		case <-ctx.Done():
			break admission
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			<-sem
			break admission
		}
		subject := byID[id]
		admitted++
		br.enter(subject.ID)
		g.Go(func() error {
			defer func() { <-sem }()
			s.handle(workCtx, br, subject)
			return nil
		})
	}
	br.mu.Lock()
	br.summary.Abandoned = len(pending) - admitted
	br.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("收到停止信号，等待在途运行", slog.Duration("grace", s.grace))
		timer := time.NewTimer(s.grace)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			stranded := br.close()
			cancelWork()
			br.mu.Lock()
			br.summary.Interrupted += len(stranded)
			br.mu.Unlock()
			s.logger.Warn("宽限期结束，放弃在途运行", slog.Any("subjects", stranded))
		}
	}

	br.mu.Lock()
	defer br.mu.Unlock()
	summary := br.summary
	summary.PeakActive = br.peak
	if s.ledger != nil {
		summary.Cost = s.ledger.Snapshot().Total - costBefore
	}

	s.logger.Info("批处理结束",
		slog.Int("completed", summary.Completed),
		slog.Int("failed", summary.Failed),
		slog.Int("abandoned", summary.Abandoned),
		slog.Int("interrupted", summary.Interrupted),
		slog.Int("peak_active", summary.PeakActive),
		slog.Float64("cost", summary.Cost))

	if len(br.errs) > 0 {
		return summary, xerrors.Wrap(xerrors.CodeStorageFailure, stdErrors.Join(br.errs...), "部分结果未能写入状态存储")
	}
	return summary, nil
}

func (s *Scheduler) handle(ctx context.Context, br *batchRun, subject audit.Subject) {
	started := s.now()
	s.metrics.RunStarted()

	outcome, runErr := s.runner.Run(ctx, subject)
	elapsed := s.now().Sub(started)

	event, ok := s.record(ctx, br, subject, outcome, runErr, elapsed)
	if ok {
		s.emit(ctx, event)
	}
}

// record 在持锁状态下写入 StateStore 并更新汇总。返回 false 表示结果被丢弃。
func (s *Scheduler) record(ctx context.Context, br *batchRun, subject audit.Subject, outcome *agent.Outcome, runErr error, elapsed time.Duration) (notify.Event, bool) {
	br.mu.Lock()
	defer br.mu.Unlock()
	delete(br.live, subject.ID)

	// 宽限期已结束，close 已把该主体计为 Interrupted。
	if br.closed {
		s.metrics.RunFinished("interrupted", "", elapsed)
		return notify.Event{}, false
	}
	if runErr != nil && (ctx.Err() != nil || stdErrors.Is(runErr, context.Canceled)) {
		br.summary.Interrupted++
		s.metrics.RunFinished("interrupted", "", elapsed)
		s.logger.Warn("审计被中断，不写入状态", slog.String("subject_id", subject.ID))
		return notify.Event{}, false
	}

	event := notify.Event{SubjectID: subject.ID, OccurredAt: s.now()}
	if outcome != nil {
		event.RunID = outcome.Run.ID
		event.Cost = outcome.Run.Cost
		s.metrics.AddCost("run", outcome.Run.Cost)
	}

	if runErr != nil || outcome == nil {
		if runErr == nil {
			runErr = xerrors.New(xerrors.CodeUnknown, "审计未返回结果", xerrors.WithSubject(subject.ID))
		}
		event.Status = notify.StatusFailed
		event.Error = runErr.Error()
		event.Phase = xerrors.PhaseOf(runErr)
		event.Reason = xerrors.ReasonOf(runErr)
		if err := s.state.RecordFailed(subject.ID, runErr); err != nil {
			br.errs = append(br.errs, fmt.Errorf("记录主体 %s 失败状态: %w", subject.ID, err))
			s.logger.Error("写入失败状态出错", slog.String("subject_id", subject.ID), slog.Any("error", err))
		}
		br.summary.Failed++
		s.metrics.RunFinished(string(notify.StatusFailed), "", elapsed)
		s.logger.Warn("主体审计失败",
			slog.String("subject_id", subject.ID),
			slog.String("phase", event.Phase),
			slog.String("reason", event.Reason))
		return event, true
	}

	result := score.Apply(outcome.Result)
	event.Status = notify.StatusCompleted
	event.Score = result.EnforcedScore
	event.RiskLevel = string(result.RiskLevel)
	event.Outcome = string(result.Outcome)
	if err := s.state.RecordCompleted(subject.ID, result); err != nil {
		br.errs = append(br.errs, fmt.Errorf("记录主体 %s 完成状态: %w", subject.ID, err))
		s.logger.Error("写入完成状态出错", slog.String("subject_id", subject.ID), slog.Any("error", err))
	}
	br.summary.Completed++
	s.metrics.RunFinished(string(notify.StatusCompleted), string(result.Outcome), elapsed)
	s.logger.Info("主体审计完成",
		slog.String("subject_id", subject.ID),
		slog.Int("raw_score", result.RawScore),
		slog.Int("enforced_score", result.EnforcedScore),
		slog.String("outcome", string(result.Outcome)))
	return event, true
}

// emit 把结果发送到通知渠道，失败只记录日志。
func (s *Scheduler) emit(ctx context.Context, event notify.Event) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.logger.Warn("发送结果通知失败",
			slog.String("subject_id", event.SubjectID),
			slog.Any("error", err))
	}
}
