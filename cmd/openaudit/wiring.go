package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"OpenAudit/internal/agent"
	"OpenAudit/internal/collect"
	"OpenAudit/internal/config"
	"OpenAudit/internal/cost"
	xerrors "OpenAudit/internal/errors"
	"OpenAudit/internal/evidence"
	"OpenAudit/internal/llm"
	"OpenAudit/internal/llm/command"
	"OpenAudit/internal/llm/openai"
	"OpenAudit/internal/notify"
	"OpenAudit/internal/ratelimit"
	"OpenAudit/internal/retry"
	"OpenAudit/internal/search"
	"OpenAudit/pkg/logger"
)

// loadConfig 读取配置并初始化日志。失败视为启动期致命错误。
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.Resolve(configPath))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFatalStartup, err, "加载配置失败")
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFatalStartup, err, "初始化日志失败")
	}
	return cfg, nil
}

// pipeline 持有一次批处理需要的全部组件。
type pipeline struct {
	agent    *agent.Agent
	store    evidence.Store
	ledger   *cost.Ledger
	notifier *notify.FanoutDispatcher
	closers  []func() error
}

func (p *pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type pipelineOptions struct {
	force bool
}

// buildPipeline 按配置装配 证据存储 → 采集 → 搜索 → Policy → Agent。
func buildPipeline(ctx context.Context, cfg *config.Config, opts pipelineOptions) (_ *pipeline, err error) {
	p := &pipeline{}
	defer func() {
		if err != nil {
			_ = p.Close()
		}
	}()

	ledger, err := cost.Open(cfg.Batch.CostLedgerFile)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFatalStartup, err, "打开成本账本失败")
	}
	p.ledger = ledger
	p.closers = append(p.closers, ledger.Close)

	store, err := evidence.Open(ctx, cfg.EvidenceStore, cfg.Runtime.DataDir)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFatalStartup, err, "打开证据存储失败")
	}
	p.store = store
	p.closers = append(p.closers, store.Close)

	provider, err := buildProvider(cfg.Collector, cfg.Agent.CollectionTimeout)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFatalStartup, err, "初始化采集器失败")
	}

	limits := buildRateLimits(cfg.RateLimits)
	retryPolicy := retry.Policy{
		MaxAttempts: cfg.Agent.MaxAttempts,
		Initial:     cfg.Agent.BackoffInitial,
		Max:         cfg.Agent.BackoffMax,
	}

	orchestrator, err := collect.New(provider, store, cfg.Sources,
		collect.WithRateLimits(limits),
		collect.WithLedger(ledger),
		collect.WithTTLPolicy(evidence.TTLPolicyFrom(cfg.Freshness)),
		collect.WithTimeout(cfg.Agent.CollectionTimeout),
		collect.WithRetryPolicy(retryPolicy),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFatalStartup, err, "初始化采集编排失败")
	}

	searcher, err := buildSearch(cfg.Search)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFatalStartup, err, "初始化搜索失败")
	}

	policy, err := buildPolicy(cfg.LLM)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFatalStartup, err, "初始化 Policy 失败")
	}

	cache := evidence.NewCache(store, evidence.WithForce(opts.force))
	ag, err := agent.New(orchestrator, cache, policy,
		agent.WithSearch(searcher),
		agent.WithRateLimits(limits),
		agent.WithLedger(ledger),
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithMaxCollectionRounds(cfg.Agent.MaxCollectionRounds),
		agent.WithFreshnessThreshold(cfg.Freshness.Threshold),
		agent.WithMaxCostPerRun(cfg.Agent.MaxCostPerRun),
		agent.WithPolicyTimeout(cfg.Agent.PolicyTimeout),
		agent.WithSearchTimeout(cfg.Agent.SearchTimeout),
		agent.WithRetryPolicy(retryPolicy),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFatalStartup, err, "初始化 Agent 失败")
	}
	p.agent = ag

	p.notifier = buildNotifier(ctx, cfg.Notify)
	p.closers = append(p.closers, p.notifier.Close)
	return p, nil
}

func buildProvider(cfg config.CollectorConfig, sourceTimeout time.Duration) (collect.Provider, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "script":
		if cfg.Script == "" {
			return nil, fmt.Errorf("collector.script 未配置")
		}
		return collect.NewScriptProvider(cfg.Executable, cfg.Script, cfg.WorkingDir, cfg.Parallelism,
			collect.WithSourceTimeout(sourceTimeout))
	case "static":
		return collect.LoadStaticProvider(cfg.Fixtures)
	default:
		return nil, fmt.Errorf("未知的采集驱动: %s", cfg.Driver)
	}
}

func buildSearch(cfg config.SearchConfig) (search.Provider, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "none":
		return search.Disabled{}, nil
	case "static":
		return search.LoadStaticProvider(cfg.Source, cfg.MaxResults)
	default:
		return nil, fmt.Errorf("未知的搜索驱动: %s", cfg.Driver)
	}
}

func buildPolicy(cfg config.LLMConfig) (llm.Policy, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "openai":
		return openai.NewClient(openai.Config{
			APIKey:               cfg.OpenAI.ResolveAPIKey(),
			BaseURL:              cfg.OpenAI.BaseURL,
			Model:                cfg.OpenAI.Model,
			Timeout:              cfg.OpenAI.Timeout,
			PricePer1KPrompt:     cfg.OpenAI.PricePer1KPrompt,
			PricePer1KCompletion: cfg.OpenAI.PricePer1KCompletion,
		})
	case "command":
		return command.NewClient(cfg.Command.Executable, cfg.Command.Script, cfg.Command.WorkingDir)
	default:
		return nil, fmt.Errorf("未知的 Policy 提供方: %s", cfg.Provider)
	}
}

func buildRateLimits(cfg map[string]config.RateLimitConfig) *ratelimit.Registry {
	limits := make(map[ratelimit.Class]ratelimit.Limit, len(cfg))
	for class, limit := range cfg {
		limits[ratelimit.Class(class)] = ratelimit.Limit{
			RatePerSecond: limit.RatePerSecond,
			Burst:         limit.Burst,
		}
	}
	return ratelimit.NewRegistry(limits)
}

// buildNotifier 连接失败的渠道只记录告警，不阻止批处理启动。
func buildNotifier(ctx context.Context, cfg config.NotifyConfig) *notify.FanoutDispatcher {
	log := logger.Named("notify")
	var notifiers []notify.Notifier
	if cfg.Log {
		notifiers = append(notifiers, &notify.LogNotifier{})
	}
	if cfg.Redis.Address != "" {
		n, err := notify.NewRedisNotifier(ctx, notify.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			List:     cfg.Redis.List,
		})
		if err != nil {
			log.Warn("Redis 通知渠道不可用", slog.Any("error", err))
		} else {
			notifiers = append(notifiers, n)
		}
	}
	if cfg.RabbitMQ.URL != "" {
		n, err := notify.NewRabbitMQNotifier(notify.RabbitMQConfig{
			URL:     cfg.RabbitMQ.URL,
			Queue:   cfg.RabbitMQ.Queue,
			Durable: cfg.RabbitMQ.Durable,
		})
		if err != nil {
			log.Warn("RabbitMQ 通知渠道不可用", slog.Any("error", err))
		} else {
			notifiers = append(notifiers, n)
		}
	}
	return notify.NewFanout(notifiers...)
}
