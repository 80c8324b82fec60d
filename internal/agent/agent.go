package agent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"OpenAudit/internal/audit"
	"OpenAudit/internal/cost"
	xerrors "OpenAudit/internal/errors"
	"OpenAudit/internal/evidence"
	"OpenAudit/internal/llm"
	"OpenAudit/internal/ratelimit"
	"OpenAudit/internal/retry"
	"OpenAudit/internal/search"
	"OpenAudit/pkg/logger"
)

// State 是一次审计运行所处的阶段。
type State string

const (
	StateGathering     State = "gathering"
	StateDeciding      State = "deciding"
	StateInvestigating State = "investigating"
	StateFinalized     State = "finalized"
	StateAborted       State = "aborted"
)

// 终止原因。
const (
	ReasonAgentOutputInvalid  = "agent_output_invalid"
	ReasonProviderUnavailable = retry.ReasonUnavailable
	ReasonProviderRejected    = retry.ReasonRejected
	ReasonStorageFailure      = "storage_failure"
	ReasonCancelled           = "cancelled"
	ReasonMaxIterations       = "max_iterations"
	ReasonMaxCost             = "max_cost"
)

// Run 记录一次审计运行的过程信息。
type Run struct {
	ID          string    `json:"id"`
	SubjectID   string    `json:"subject_id"`
	State       State     `json:"state"`
	Iteration   int       `json:"iteration"`
	Rounds      int       `json:"rounds"`
	Cost        float64   `json:"cost"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Reason      string    `json:"reason,omitempty"`
	Collections int       `json:"collections"`
}

// Outcome 是 Run 的最终产物。Result 为未经钳制的原始结论，仅在 Finalized 时有效。
type Outcome struct {
	Run    Run
	Result audit.ScoreResult
}

// Collector 是 Agent 依赖的采集能力，collect.Orchestrator 实现了该接口。
type Collector interface {
	Sources() []string
	Collect(ctx context.Context, subject audit.Subject) ([]audit.EvidenceRecord, error)
	CollectSources(ctx context.Context, subject audit.Subject, sources []string) ([]audit.EvidenceRecord, error)
}

// Agent 驱动单个主体的审计状态机。实例可被多个 goroutine 并发使用。
type Agent struct {
	collector     Collector
	cache         *evidence.Cache
	policy        llm.Policy
	search        search.Provider
	limits        *ratelimit.Registry
	ledger        *cost.Ledger
	decoder       *Decoder
	sources       []string
	threshold     int
	maxIterations int
	maxRounds     int
	maxCost       float64
	policyTimeout time.Duration
	searchTimeout time.Duration
	retry         retry.Policy
	now           func() time.Time
	logger        *slog.Logger
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

const (
	defaultMaxIterations = 10
	defaultMaxRounds     = 3
	defaultThreshold     = 20
)

// WithSearch 配置临时检索能力。
func WithSearch(provider search.Provider) Option {
	return func(a *Agent) {
		a.search = provider
	}
}

// WithRateLimits 指定共享的限流器。
func WithRateLimits(limits *ratelimit.Registry) Option {
	return func(a *Agent) {
		a.limits = limits
	}
}

// WithLedger 指定成本账本。
func WithLedger(ledger *cost.Ledger) Option {
	return func(a *Agent) {
		a.ledger = ledger
	}
}

// WithMaxIterations 设置 Deciding 阶段的最大进入次数。
func WithMaxIterations(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

// WithMaxCollectionRounds 设置整次运行可用的补充调查轮次。
func WithMaxCollectionRounds(n int) Option {
	return func(a *Agent) {
		if n >= 0 {
			a.maxRounds = n
		}
	}
}

// WithFreshnessThreshold 设置跳过采集所需的新鲜记录数。
func WithFreshnessThreshold(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.threshold = n
		}
	}
}

// WithMaxCostPerRun 设置单次运行的成本上限，0 表示不限制。
func WithMaxCostPerRun(limit float64) Option {
	return func(a *Agent) {
		if limit >= 0 {
			a.maxCost = limit
		}
	}
}

// WithPolicyTimeout 设置单次 Policy 调用的超时。
func WithPolicyTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout > 0 {
			a.policyTimeout = timeout
		}
	}
}

// WithSearchTimeout 设置单次检索的超时。
func WithSearchTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout > 0 {
			a.searchTimeout = timeout
		}
	}
}

// WithRetryPolicy 设置外部调用的退避重试策略。
func WithRetryPolicy(policy retry.Policy) Option {
	return func(a *Agent) {
		a.retry = policy
	}
}

// WithClock 注入时钟。
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// New 创建一个 Agent。
func New(collector Collector, cache *evidence.Cache, policy llm.Policy, opts ...Option) (*Agent, error) {
	// 验证必要的组件是否已配置。
	if collector == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置采集器")
	}
	if cache == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置证据缓存")
	}
	if policy == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置决策 Policy")
	}

	sources := collector.Sources()
	decoder, err := NewDecoder(sources)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化动作解码器失败")
	}

	ag := &Agent{
		collector:     collector,
		cache:         cache,
		policy:        policy,
		search:        search.Disabled{},
		decoder:       decoder,
		sources:       sources,
		threshold:     defaultThreshold,
		maxIterations: defaultMaxIterations,
		maxRounds:     defaultMaxRounds,
		policyTimeout: time.Minute,
		searchTimeout: 30 * time.Second,
		retry:         retry.DefaultPolicy,
		now:           time.Now,
		logger:        logger.Named("agent"),
	}
	// 应用可选配置。
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if ag.search == nil {
		ag.search = search.Disabled{}
	}
	if ag.threshold > len(sources) {
		ag.threshold = len(sources)
	}
	return ag, nil
}

// runContext 保存单次运行的可变状态，只在一个 goroutine 内使用。
type runContext struct {
	run          Run
	subject      audit.Subject
	snapshot     []audit.EvidenceRecord
	observations []string
	log          *slog.Logger
}

func (rc *runContext) transition(state State) {
	rc.log.Debug("状态迁移", slog.String("from", string(rc.run.State)), slog.String("to", string(state)))
	rc.run.State = state
}

func (rc *runContext) observe(format string, args ...any) {
	rc.observations = append(rc.observations, fmt.Sprintf(format, args...))
}

// Run 对单个主体执行完整的审计循环。
// Aborted 时同时返回 Outcome 与携带主体、阶段和原因的错误。
func (a *Agent) Run(ctx context.Context, subject audit.Subject) (*Outcome, error) {
	if strings.TrimSpace(subject.ID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "主体 ID 不能为空")
	}

	runID := uuid.NewString()
	rc := &runContext{
		run: Run{
			ID:        runID,
			SubjectID: subject.ID,
			State:     StateGathering,
			StartedAt: a.now(),
		},
		subject: subject,
		log:     logger.ForRun(a.logger, subject.ID, runID),
	}

	if err := ctx.Err(); err != nil {
		return a.abort(ctx, rc, err)
	}

	// Gathering：必要时采集证据，然后读取快照。
	if err := a.gather(ctx, rc); err != nil {
		return a.abort(ctx, rc, err)
	}

	// 没有任何可用证据时直接得出 no_data，不调用 Policy。
	if usableCount(rc.snapshot) == 0 {
		return a.finalize(rc, a.noDataResult()), nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return a.abort(ctx, rc, err)
		}
		// 预算检查发生在进入 Deciding 之前，保证 Deciding 次数不超过上限。
		if rc.run.Iteration >= a.maxIterations {
			return a.forceFinalize(rc, ReasonMaxIterations), nil
		}
		if a.maxCost > 0 && rc.run.Cost >= a.maxCost {
			return a.forceFinalize(rc, ReasonMaxCost), nil
		}

		rc.transition(StateDeciding)
		rc.run.Iteration++
		action, err := a.decide(ctx, rc)
		if err != nil {
			return a.abort(ctx, rc, err)
		}

		switch act := action.(type) {
		case Finalize:
			result := act.Result
			result.Outcome = audit.OutcomeVerdict
			result.Confidence = a.verdictConfidence(rc.snapshot)
			return a.finalize(rc, result), nil
		case RequestEvidence:
			rc.transition(StateInvestigating)
			if err := a.requestEvidence(ctx, rc, act); err != nil {
				return a.abort(ctx, rc, err)
			}
		case Search:
			rc.transition(StateInvestigating)
			if err := a.runSearch(ctx, rc, act); err != nil {
				return a.abort(ctx, rc, err)
			}
		default:
			return a.abort(ctx, rc, xerrors.New(xerrors.CodeAgentOutputInvalid,
				fmt.Sprintf("未知动作 %T", action), xerrors.WithReason(ReasonAgentOutputInvalid)))
		}
	}
}

func (a *Agent) gather(ctx context.Context, rc *runContext) error {
	subjectID := rc.subject.ID
	complete, err := a.cache.IsCollectionComplete(ctx, subjectID, a.threshold)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "检查证据新鲜度失败", xerrors.WithReason(ReasonStorageFailure))
	}

	if complete {
		rc.log.Info("证据足够新鲜，跳过采集")
	} else {
		stale, err := a.cache.StaleSources(ctx, subjectID, a.sources)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取证据记录失败", xerrors.WithReason(ReasonStorageFailure))
		}
		if len(stale) > 0 {
			rc.run.Collections++
			if _, err := a.collector.CollectSources(ctx, rc.subject, stale); err != nil {
				return err
			}
		}
	}
	return a.refreshSnapshot(ctx, rc)
}

func (a *Agent) refreshSnapshot(ctx context.Context, rc *runContext) error {
	records, err := a.cache.Snapshot(ctx, rc.subject.ID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取证据快照失败", xerrors.WithReason(ReasonStorageFailure))
	}
	configured := make(map[string]struct{}, len(a.sources))
	for _, source := range a.sources {
		configured[source] = struct{}{}
	}
	snapshot := make([]audit.EvidenceRecord, 0, len(records))
	for _, rec := range records {
		if _, ok := configured[rec.Source]; ok {
			snapshot = append(snapshot, rec)
		}
	}
	rc.snapshot = snapshot
	return nil
}

// decide 调用 Policy 并解码动作；输出不合法时带纠正提示重试一次。
func (a *Agent) decide(ctx context.Context, rc *runContext) (Action, error) {
	req := llm.Request{
		Subject:         rc.subject,
		Evidence:        encodeSnapshot(rc.snapshot),
		Catalog:         a.decoder.Catalog(),
		Observations:    append([]string(nil), rc.observations...),
		Iteration:       rc.run.Iteration,
		MaxIterations:   a.maxIterations,
		RoundsRemaining: a.maxRounds - rc.run.Rounds,
	}

	resp, err := a.callPolicy(ctx, rc, req)
	if err != nil {
		return nil, err
	}
	action, decodeErr := a.decoder.Decode(resp.Content)
	if decodeErr == nil {
		return action, nil
	}

	rc.log.Warn("Policy 输出不合法，发送纠正提示后重试", slog.Any("error", decodeErr))
	req.Correction = fmt.Sprintf("上一次输出无效: %v。请只返回一个符合动作目录的 JSON 对象。", decodeErr)
	resp, err = a.callPolicy(ctx, rc, req)
	if err != nil {
		return nil, err
	}
	action, decodeErr = a.decoder.Decode(resp.Content)
	if decodeErr != nil {
		return nil, xerrors.Wrap(xerrors.CodeAgentOutputInvalid, decodeErr, "Policy 输出在纠正后仍不合法",
			xerrors.WithReason(ReasonAgentOutputInvalid))
	}
	return action, nil
}

func (a *Agent) callPolicy(ctx context.Context, rc *runContext, req llm.Request) (*llm.Response, error) {
	resp, err := retry.Do(ctx, a.retry, func(ctx context.Context) (*llm.Response, error) {
		if err := a.limits.Acquire(ctx, ratelimit.ClassPolicy, 1); err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, a.policyTimeout)
		defer cancel()
		resp, err := a.policy.Decide(callCtx, req)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			return nil, xerrors.New(xerrors.CodeProviderUnavailable, "Policy 返回空响应")
		}
		return resp, nil
	}, func(attempt int, err error, wait time.Duration) {
		rc.log.Warn("Policy 调用失败，准备重试",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.Any("error", err))
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, xerrors.Wrap(xerrors.CodeProviderUnavailable, err, "Policy 不可用",
			xerrors.WithReason(retry.AbortReason(err)))
	}

	rc.run.Cost += resp.Cost
	if err := a.ledger.Record("policy", resp.Cost, map[string]string{
		"subject_id":        rc.subject.ID,
		"run_id":            rc.run.ID,
		"iteration":         strconv.Itoa(rc.run.Iteration),
		"prompt_tokens":     strconv.Itoa(resp.Usage.PromptTokens),
		"completion_tokens": strconv.Itoa(resp.Usage.CompletionTokens),
	}); err != nil {
		rc.log.Warn("记录 Policy 成本失败", slog.Any("error", err))
	}
	return resp, nil
}

func (a *Agent) requestEvidence(ctx context.Context, rc *runContext, act RequestEvidence) error {
	if rc.run.Rounds >= a.maxRounds {
		rc.observe("补充调查次数已用尽，未重新采集 %s，请基于现有证据给出结论", act.Source)
		return nil
	}
	rc.run.Rounds++
	rc.run.Collections++

	records, err := a.collector.CollectSources(ctx, rc.subject, []string{act.Source})
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Error != "" {
			rc.observe("重新采集 %s: %s (%s)", rec.Source, rec.Status, rec.Error)
		} else {
			rc.observe("重新采集 %s: %s", rec.Source, rec.Status)
		}
	}
	return a.refreshSnapshot(ctx, rc)
}

func (a *Agent) runSearch(ctx context.Context, rc *runContext, act Search) error {
	if rc.run.Rounds >= a.maxRounds {
		rc.observe("补充调查次数已用尽，未执行检索 %q，请基于现有证据给出结论", act.Query)
		return nil
	}
	rc.run.Rounds++

	hits, err := retry.Do(ctx, a.retry, func(ctx context.Context) ([]search.Hit, error) {
		if err := a.limits.Acquire(ctx, ratelimit.ClassSearch, 1); err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, a.searchTimeout)
		defer cancel()
		return a.search.Search(callCtx, act.Query)
	}, func(attempt int, err error, wait time.Duration) {
		rc.log.Warn("检索失败，准备重试", slog.Int("attempt", attempt), slog.Duration("wait", wait), slog.Any("error", err))
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return xerrors.Wrap(xerrors.CodeProviderUnavailable, err, "检索服务不可用",
			xerrors.WithReason(retry.AbortReason(err)))
	}

	if err := a.ledger.Record("search", 0, map[string]string{
		"subject_id": rc.subject.ID,
		"run_id":     rc.run.ID,
		"hits":       strconv.Itoa(len(hits)),
	}); err != nil {
		rc.log.Warn("记录检索成本失败", slog.Any("error", err))
	}

	if len(hits) == 0 {
		rc.observe("检索 %q 无结果", act.Query)
		return nil
	}
	for _, hit := range hits {
		if hit.URL != "" {
			rc.observe("检索 %q: %s - %s (%s)", act.Query, hit.Title, hit.Snippet, hit.URL)
		} else {
			rc.observe("检索 %q: %s - %s", act.Query, hit.Title, hit.Snippet)
		}
	}
	return nil
}

func (a *Agent) finalize(rc *runContext, result audit.ScoreResult) *Outcome {
	rc.transition(StateFinalized)
	rc.run.FinishedAt = a.now()
	rc.log.Info("审计完成",
		slog.String("outcome", string(result.Outcome)),
		slog.Int("raw_score", result.RawScore),
		slog.Int("iterations", rc.run.Iteration),
		slog.Float64("cost", rc.run.Cost))
	return &Outcome{Run: rc.run, Result: result}
}

// forceFinalize 在预算耗尽时基于现有证据给出保守的低置信度结论。
func (a *Agent) forceFinalize(rc *runContext, reason string) *Outcome {
	budgetErr := xerrors.New(xerrors.CodeBudgetExceeded, "预算耗尽，强制得出结论",
		xerrors.WithSubject(rc.subject.ID), xerrors.WithPhase(string(rc.run.State)), xerrors.WithReason(reason))
	rc.log.Warn("强制定论", slog.Any("error", budgetErr))
	rc.run.Reason = reason
	return a.finalize(rc, a.fallbackResult(rc.snapshot))
}

func (a *Agent) abort(ctx context.Context, rc *runContext, err error) (*Outcome, error) {
	phase := string(rc.run.State)
	rc.run.State = StateAborted
	rc.run.FinishedAt = a.now()

	reason := xerrors.ReasonOf(err)
	switch {
	case ctx.Err() != nil || stdErrors.Is(err, context.Canceled):
		reason = ReasonCancelled
		err = xerrors.Wrap(xerrors.CodeTimeout, err, "审计被取消", xerrors.WithReason(reason))
	case reason == "":
		if xerrors.CodeOf(err) == xerrors.CodeProviderUnavailable {
			reason = ReasonProviderUnavailable
		} else {
			reason = strings.ToLower(string(xerrors.CodeOf(err)))
		}
	}
	rc.run.Reason = reason

	wrapped := xerrors.Wrap(xerrors.CodeOf(err), err, "审计中止",
		xerrors.WithSubject(rc.subject.ID), xerrors.WithPhase(phase), xerrors.WithReason(reason))
	rc.log.Error("审计中止", slog.String("reason", reason), slog.Any("error", err))
	return &Outcome{Run: rc.run}, wrapped
}

func (a *Agent) noDataResult() audit.ScoreResult {
	return audit.ScoreResult{
		RawScore:        0,
		RiskLevel:       audit.RiskUnknown,
		Recommendation:  audit.RecommendationInsufficient,
		RedFlags:        []audit.RedFlag{},
		PositiveSignals: []string{},
		Gaps:            append([]string(nil), a.sources...),
		Confidence:      audit.ConfidenceLow,
		Outcome:         audit.OutcomeNoData,
	}
}

// fallbackScoreCeiling 是强制定论时允许的最高分。
const fallbackScoreCeiling = 50

func (a *Agent) fallbackResult(snapshot []audit.EvidenceRecord) audit.ScoreResult {
	usable := make(map[string]struct{}, len(snapshot))
	for _, rec := range snapshot {
		if rec.Usable() {
			usable[rec.Source] = struct{}{}
		}
	}
	gaps := make([]string, 0, len(a.sources))
	for _, source := range a.sources {
		if _, ok := usable[source]; !ok {
			gaps = append(gaps, source)
		}
	}
	coverage := float64(len(a.sources)-len(gaps)) / float64(len(a.sources))
	return audit.ScoreResult{
		RawScore:        int(math.Round(coverage * fallbackScoreCeiling)),
		Recommendation:  audit.RecommendationManualReview,
		RedFlags:        []audit.RedFlag{},
		PositiveSignals: []string{},
		Gaps:            gaps,
		Confidence:      audit.ConfidenceLow,
		Outcome:         audit.OutcomeForced,
	}
}

func (a *Agent) verdictConfidence(snapshot []audit.EvidenceRecord) audit.Confidence {
	if usableCount(snapshot) >= len(a.sources) {
		return audit.ConfidenceHigh
	}
	return audit.ConfidenceMedium
}

func usableCount(records []audit.EvidenceRecord) int {
	n := 0
	for _, rec := range records {
		if rec.Usable() {
			n++
		}
	}
	return n
}

type snapshotEntry struct {
	Source    string          `json:"source"`
	Status    audit.Status    `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

func encodeSnapshot(records []audit.EvidenceRecord) json.RawMessage {
	entries := make([]snapshotEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, snapshotEntry{
			Source:    rec.Source,
			Status:    rec.Status,
			Payload:   rec.Payload,
			Error:     rec.Error,
			FetchedAt: rec.FetchedAt,
		})
	}
	encoded, err := json.Marshal(entries)
	if err != nil {
		return json.RawMessage("[]")
	}
	return encoded
}
