package collect

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"OpenAudit/internal/audit"
	"OpenAudit/internal/cost"
	xerrors "OpenAudit/internal/errors"
	"OpenAudit/internal/evidence"
	"OpenAudit/internal/ratelimit"
	"OpenAudit/internal/retry"
	"OpenAudit/pkg/logger"
)

// Orchestrator 包装外部采集器，保证每个请求的来源都有一条落库记录。
type Orchestrator struct {
	provider Provider
	store    evidence.Store
	sources  []string
	limits   *ratelimit.Registry
	ledger   *cost.Ledger
	ttl      evidence.TTLPolicy
	timeout  time.Duration
	retry    retry.Policy
	now      func() time.Time
	logger   *slog.Logger
}

// Option 定义 Orchestrator 的可选配置。
type Option func(*Orchestrator)

// WithRateLimits 指定共享的限流器。
func WithRateLimits(limits *ratelimit.Registry) Option {
	return func(o *Orchestrator) {
		o.limits = limits
	}
}

// WithLedger 指定成本账本。
func WithLedger(ledger *cost.Ledger) Option {
	return func(o *Orchestrator) {
		o.ledger = ledger
	}
}

// WithTTLPolicy 覆盖默认的有效期策略。
func WithTTLPolicy(policy evidence.TTLPolicy) Option {
	return func(o *Orchestrator) {
		o.ttl = policy
	}
}

// WithTimeout 设置单次采集调用的超时。采集器应在超时后交回已完成来源的结果。
func WithTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithRetryPolicy 设置采集器整体失败时的重试策略。
func WithRetryPolicy(policy retry.Policy) Option {
	return func(o *Orchestrator) {
		o.retry = policy
	}
}

// WithClock 注入时钟。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New 创建 Orchestrator。
func New(provider Provider, store evidence.Store, sources []string, opts ...Option) (*Orchestrator, error) {
	if provider == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "采集器未配置")
	}
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "证据存储未配置")
	}
	sources = normalizeSources(sources)
	if len(sources) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "至少需要配置一个证据来源")
	}
	o := &Orchestrator{
		provider: provider,
		store:    store,
		sources:  sources,
		ttl:      evidence.DefaultTTLPolicy,
		timeout:  2 * time.Minute,
		retry:    retry.DefaultPolicy,
		now:      time.Now,
		logger:   logger.Named("collect"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// Sources 返回配置的全部来源。
func (o *Orchestrator) Sources() []string {
	return append([]string(nil), o.sources...)
}

// Collect 采集全部配置来源。
func (o *Orchestrator) Collect(ctx context.Context, subject audit.Subject) ([]audit.EvidenceRecord, error) {
	return o.CollectSources(ctx, subject, o.sources)
}

// CollectSources 采集指定来源并持久化结果。
// 采集器遗漏的来源记为 status=error，单个来源失败不会中断其它来源。
func (o *Orchestrator) CollectSources(ctx context.Context, subject audit.Subject, sources []string) ([]audit.EvidenceRecord, error) {
	sources = normalizeSources(sources)
	if len(sources) == 0 {
		return nil, nil
	}
	log := o.logger.With(slog.String("subject_id", subject.ID))

	results, err := retry.Do(ctx, o.retry, func(ctx context.Context) ([]Result, error) {
		if err := o.limits.Acquire(ctx, ratelimit.ClassCollection, 1); err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, o.timeout)
		defer cancel()
		return o.provider.Collect(callCtx, subject, sources)
	}, func(attempt int, err error, wait time.Duration) {
		log.Warn("采集器调用失败，准备重试",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.Any("error", err))
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, xerrors.Wrap(xerrors.CodeProviderUnavailable, err, "采集器不可用",
			xerrors.WithSubject(subject.ID), xerrors.WithPhase("gathering"), xerrors.WithReason(retry.AbortReason(err)))
	}
	// 调用超时但采集器仍交回了部分结果时，只有上层取消才放弃本次采集。
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := o.now()
	bySource := make(map[string]Result, len(results))
	var spent float64
	for _, res := range results {
		spent += res.Cost
		res.Source = strings.TrimSpace(res.Source)
		if _, dup := bySource[res.Source]; dup {
			continue
		}
		bySource[res.Source] = res
	}

	records := make([]audit.EvidenceRecord, 0, len(sources))
	failed := 0
	for _, source := range sources {
		res, ok := bySource[source]
		if !ok {
			res = Result{Source: source, Status: audit.StatusError, Error: "采集器未返回该来源的结果"}
		}
		if !res.Status.Valid() {
			res.Error = strings.TrimSpace(fmt.Sprintf("未知的采集状态 %q %s", res.Status, res.Error))
			res.Status = audit.StatusError
		}
		rec := audit.EvidenceRecord{
			SubjectID: subject.ID,
			Source:    source,
			Status:    res.Status,
			Payload:   res.Payload,
			Error:     res.Error,
			FetchedAt: res.FetchedAt,
			ExpiresAt: res.ExpiresAt,
		}
		if rec.Status != audit.StatusSuccess {
			rec.Payload = nil
		}
		o.ttl.Fill(&rec, now)
		if rec.Status == audit.StatusError {
			failed++
			collErr := xerrors.New(xerrors.CodeCollection, rec.Error,
				xerrors.WithSubject(subject.ID), xerrors.WithPhase("gathering"))
			log.Debug("来源采集失败", slog.String("source", source), slog.Any("error", collErr))
		}
		records = append(records, rec)
	}

	if err := o.store.Save(ctx, records...); err != nil {
		return records, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存证据记录失败",
			xerrors.WithSubject(subject.ID), xerrors.WithPhase("gathering"))
	}

	if err := o.ledger.Record("collection", spent, map[string]string{
		"subject_id": subject.ID,
		"sources":    strconv.Itoa(len(sources)),
		"failed":     strconv.Itoa(failed),
	}); err != nil {
		log.Warn("记录采集成本失败", slog.Any("error", err))
	}

	log.Info("证据采集完成",
		slog.Int("sources", len(sources)),
		slog.Int("failed", failed),
		slog.Float64("cost", spent))
	return records, nil
}

func normalizeSources(sources []string) []string {
	seen := make(map[string]struct{}, len(sources))
	out := make([]string, 0, len(sources))
	for _, source := range sources {
		source = strings.TrimSpace(source)
		if source == "" {
			continue
		}
		if _, ok := seen[source]; ok {
			continue
		}
		seen[source] = struct{}{}
		out = append(out, source)
	}
	return out
}
