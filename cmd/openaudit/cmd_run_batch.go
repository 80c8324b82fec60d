package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"OpenAudit/internal/api"
	"OpenAudit/internal/audit"
	"OpenAudit/internal/batch"
	xerrors "OpenAudit/internal/errors"
	"OpenAudit/internal/observability/metrics"
	"OpenAudit/internal/state"
	"OpenAudit/pkg/logger"
)

var runBatchFlags struct {
	limit       int
	concurrency int
	ids         string
	subjects    string
	resume      bool
	reset       bool
	force       bool
	retryFailed bool
}

var runBatchCmd = &cobra.Command{
	Use:   "run-batch",
	Short: "Audit every subject not yet completed or failed",
	RunE:  runBatch,
}

func init() {
	f := runBatchCmd.Flags()
	f.IntVar(&runBatchFlags.limit, "limit", 0, "本次最多调度的主体数量 (0 表示不限)")
	f.IntVar(&runBatchFlags.concurrency, "concurrency", 0, "并发审计数量 (默认取配置)")
	f.StringVar(&runBatchFlags.ids, "ids", "", "只处理指定的主体 ID，逗号分隔")
	f.StringVar(&runBatchFlags.subjects, "subjects", "", "主体列表文件 (JSON/YAML)")
	f.BoolVar(&runBatchFlags.resume, "resume", true, "跳过已完成或已失败的主体")
	f.BoolVar(&runBatchFlags.reset, "reset", false, "清空批处理状态后重新开始")
	f.BoolVar(&runBatchFlags.force, "force", false, "忽略证据缓存，全部重新采集")
	f.BoolVar(&runBatchFlags.retryFailed, "retry-failed", false, "把失败的主体重新放回待处理")
	runBatchCmd.MarkFlagsMutuallyExclusive("reset", "retry-failed")
}

func runBatch(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cmd.Flags().Changed("resume") && cmd.Flags().Changed("reset") && runBatchFlags.resume && runBatchFlags.reset {
		return fmt.Errorf("--resume 与 --reset 不能同时使用")
	}

	subjectsFile := runBatchFlags.subjects
	if subjectsFile == "" {
		subjectsFile = cfg.Batch.SubjectsFile
	}
	subjects, err := selectSubjects(subjectsFile, splitIDs(runBatchFlags.ids))
	if err != nil {
		return err
	}

	store, err := state.Open(cfg.Batch.StateFile)
	if err != nil {
		return err
	}
	switch {
	case runBatchFlags.reset || !runBatchFlags.resume:
		if err := store.Reset(); err != nil {
			return xerrors.Wrap(xerrors.CodeFatalStartup, err, "重置批处理状态失败")
		}
	case runBatchFlags.retryFailed:
		ids, err := store.RetryFailed()
		if err != nil {
			return xerrors.Wrap(xerrors.CodeFatalStartup, err, "重置失败主体失败")
		}
		logger.L().Info("失败主体已重新排队", slog.Int("count", len(ids)))
	}

	p, err := buildPipeline(ctx, cfg, pipelineOptions{force: runBatchFlags.force})
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.L().Warn("关闭资源失败", slog.Any("error", err))
		}
	}()

	recorder := metrics.NewRecorder()
	if cfg.Metrics.Address != "" {
		// 宽限期内状态接口仍然可用，命令返回时才关闭。
		serverCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		server := api.NewServer(cfg.Metrics.Address, store,
			api.WithEvidence(p.store),
			api.WithMetrics(recorder.Handler()))
		go func() {
			if err := server.Start(serverCtx); err != nil && serverCtx.Err() == nil {
				logger.L().Warn("状态服务退出", slog.Any("error", err))
			}
		}()
	}

	concurrency := runBatchFlags.concurrency
	if concurrency <= 0 {
		concurrency = cfg.Batch.Concurrency
	}
	limit := runBatchFlags.limit
	if limit <= 0 {
		limit = cfg.Batch.Limit
	}

	scheduler, err := batch.New(p.agent, store,
		batch.WithConcurrency(concurrency),
		batch.WithLimit(limit),
		batch.WithGraceTimeout(cfg.Batch.GraceTimeout),
		batch.WithLedger(p.ledger),
		batch.WithNotifier(p.notifier),
		batch.WithMetrics(recorder),
	)
	if err != nil {
		return err
	}

	summary, err := scheduler.Run(ctx, subjects)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeFatalStartup {
			return err
		}
		// 扫描已完成，部分状态写入失败只记录日志。
		logger.L().Error("批处理结束时存在错误", slog.Any("error", err))
	}
	printSummary(cmd, summary)
	return nil
}

// selectSubjects 读取主体文件并按 --ids 过滤。未提供文件时直接用 ID 构造主体。
func selectSubjects(path string, ids []string) ([]audit.Subject, error) {
	var subjects []audit.Subject
	if path != "" {
		loaded, err := audit.LoadSubjects(path)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeFatalStartup, err, "加载主体列表失败")
		}
		subjects = loaded
	}
	if len(ids) == 0 {
		if len(subjects) == 0 {
			return nil, xerrors.New(xerrors.CodeFatalStartup, "没有可处理的主体，请指定 --subjects 或 --ids")
		}
		return subjects, nil
	}

	if len(subjects) == 0 {
		out := make([]audit.Subject, 0, len(ids))
		for _, id := range ids {
			out = append(out, audit.Subject{ID: id})
		}
		return audit.Dedupe(out), nil
	}

	byID := make(map[string]audit.Subject, len(subjects))
	for _, s := range subjects {
		byID[s.ID] = s
	}
	out := make([]audit.Subject, 0, len(ids))
	for _, id := range ids {
		s, ok := byID[id]
		if !ok {
			logger.L().Warn("主体不在列表中，已忽略", slog.String("subject_id", id))
			continue
		}
		out = append(out, s)
	}
	return audit.Dedupe(out), nil
}

func splitIDs(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}

func printSummary(cmd *cobra.Command, s batch.Summary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Total:       %d\n", s.Total)
	fmt.Fprintf(out, "Scheduled:   %d\n", s.Scheduled)
	fmt.Fprintf(out, "Completed:   %d\n", s.Completed)
	fmt.Fprintf(out, "Failed:      %d\n", s.Failed)
	fmt.Fprintf(out, "Abandoned:   %d\n", s.Abandoned)
	fmt.Fprintf(out, "Interrupted: %d\n", s.Interrupted)
	fmt.Fprintf(out, "Peak active: %d\n", s.PeakActive)
	fmt.Fprintf(out, "Cost:        %.4f\n", s.Cost)
}
