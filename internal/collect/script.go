package collect

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"OpenAudit/internal/audit"
)

// defaultWaitDelay 是进程被杀后等待其输出管道关闭的上限，孙进程持有 stdout 时不会卡住 Wait。
const defaultWaitDelay = 2 * time.Second

// ScriptProvider 为每个来源启动一个外部脚本进程，请求写入 stdin，结果从 stdout 读取。
// 子进程在独立 goroutine 中等待，不会阻塞调度器。
type ScriptProvider struct {
	executable    string
	scriptPath    string
	workingDir    string
	parallelism   int
	sourceTimeout time.Duration
	waitDelay     time.Duration
}

// ScriptOption 定义 ScriptProvider 的可选配置。
type ScriptOption func(*ScriptProvider)

// WithSourceTimeout 限制单个来源进程的运行时长，超时的来源记为 status=error。
func WithSourceTimeout(timeout time.Duration) ScriptOption {
	return func(p *ScriptProvider) {
		if timeout > 0 {
			p.sourceTimeout = timeout
		}
	}
}

// NewScriptProvider 创建脚本采集器。
func NewScriptProvider(executable, scriptPath, workingDir string, parallelism int, opts ...ScriptOption) (*ScriptProvider, error) {
	if scriptPath == "" {
		return nil, fmt.Errorf("未指定采集脚本路径")
	}
	if executable == "" {
		executable = "node"
	}
	if _, err := exec.LookPath(executable); err != nil {
		return nil, fmt.Errorf("找不到采集器可执行文件 %s: %w", executable, err)
	}
	if parallelism <= 0 {
		parallelism = 4
	}
	p := &ScriptProvider{
		executable:  executable,
		scriptPath:  scriptPath,
		workingDir:  workingDir,
		parallelism: parallelism,
		waitDelay:   defaultWaitDelay,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

type scriptRequest struct {
	Subject   audit.Subject `json:"subject"`
	Source    string        `json:"source"`
	Timestamp int64         `json:"timestamp"`
}

// Collect 实现 Provider 接口。单个进程失败或超时记为该来源的 error 结果，
// 其余来源的结果照常返回；只有 ctx 被取消时才整体返回错误。
func (p *ScriptProvider) Collect(ctx context.Context, subject audit.Subject, sources []string) ([]Result, error) {
	results := make([]Result, len(sources))
	var group errgroup.Group
	group.SetLimit(p.parallelism)

	for i, source := range sources {
		group.Go(func() error {
			results[i] = p.runSource(ctx, subject, source)
			return nil
		})
	}
	_ = group.Wait()

	if err := ctx.Err(); stdErrors.Is(err, context.Canceled) {
		return nil, err
	}
	return results, nil
}

func (p *ScriptProvider) runSource(ctx context.Context, subject audit.Subject, source string) Result {
	failed := func(format string, args ...any) Result {
		return Result{Source: source, Status: audit.StatusError, Error: fmt.Sprintf(format, args...)}
	}
	if err := ctx.Err(); err != nil {
		return failed("采集超时: 未启动 (%v)", err)
	}

	encoded, err := json.Marshal(scriptRequest{Subject: subject, Source: source, Timestamp: time.Now().Unix()})
	if err != nil {
		return failed("序列化采集请求失败: %v", err)
	}

	runCtx := ctx
	if p.sourceTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.sourceTimeout)
		defer cancel()
	}

	command := exec.CommandContext(runCtx, p.executable, p.scriptPath, "--source", source)
	if p.workingDir != "" {
		command.Dir = p.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)
	command.WaitDelay = p.waitDelay

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if runCtx.Err() != nil {
			return failed("采集超时: %v", runCtx.Err())
		}
		return failed("执行采集脚本失败: %v, stderr=%s", err, strings.TrimSpace(stderr.String()))
	}

	var res Result
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &res); err != nil {
		return failed("解析采集脚本输出失败: %v", err)
	}
	res.Source = source
	return res
}
