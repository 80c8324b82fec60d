// Package command implements llm.Policy by running an external decision
// process. The request is written to stdin as JSON; the process answers on
// stdout with either a response envelope or the action JSON itself.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"OpenAudit/internal/audit"
	xerrors "OpenAudit/internal/errors"
	"OpenAudit/internal/llm"
)

// Client 通过调用外部脚本完成决策。
type Client struct {
	executable string
	scriptPath string
	workingDir string
	now        func() time.Time
}

// NewClient 创建外部进程 Policy。
func NewClient(executable, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未指定决策脚本路径")
	}
	if executable == "" {
		executable = "python3"
	}
	if _, err := exec.LookPath(executable); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err,
			fmt.Sprintf("找不到决策程序 %s", executable))
	}
	return &Client{
		executable: executable,
		scriptPath: scriptPath,
		workingDir: workingDir,
		now:        time.Now,
	}, nil
}

type request struct {
	Subject         audit.Subject    `json:"subject"`
	Evidence        json.RawMessage  `json:"evidence"`
	Catalog         []llm.ActionSpec `json:"catalog"`
	Observations    []string         `json:"observations"`
	Iteration       int              `json:"iteration"`
	MaxIterations   int              `json:"max_iterations"`
	RoundsRemaining int              `json:"rounds_remaining"`
	Correction      string           `json:"correction,omitempty"`
	Timestamp       int64            `json:"timestamp"`
}

type envelope struct {
	Content json.RawMessage `json:"content"`
	Usage   llm.Usage       `json:"usage"`
	Cost    float64         `json:"cost"`
}

// Decide 实现 llm.Policy。进程失败视为 Policy 不可用，可重试。
func (c *Client) Decide(ctx context.Context, req llm.Request) (*llm.Response, error) {
	evidence := req.Evidence
	if len(evidence) == 0 {
		evidence = json.RawMessage("[]")
	}
	encoded, err := json.Marshal(request{
		Subject:         req.Subject,
		Evidence:        evidence,
		Catalog:         req.Catalog,
		Observations:    req.Observations,
		Iteration:       req.Iteration,
		MaxIterations:   req.MaxIterations,
		RoundsRemaining: req.RoundsRemaining,
		Correction:      req.Correction,
		Timestamp:       c.now().Unix(),
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化决策请求失败")
	}

	cmd := exec.CommandContext(ctx, c.executable, c.scriptPath)
	if c.workingDir != "" {
		cmd.Dir = c.workingDir
	}
	cmd.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, xerrors.Wrap(xerrors.CodeProviderUnavailable, err,
			fmt.Sprintf("执行决策脚本失败: stderr=%s", strings.TrimSpace(stderr.String())))
	}
	return parseOutput(stdout.Bytes()), nil
}

// parseOutput 识别响应信封；不是信封时整个输出作为动作内容交给解码器校验。
func parseOutput(out []byte) *llm.Response {
	trimmed := bytes.TrimSpace(out)
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err == nil && len(env.Content) > 0 {
		content := string(env.Content)
		var text string
		if err := json.Unmarshal(env.Content, &text); err == nil {
			content = text
		}
		return &llm.Response{Content: content, Usage: env.Usage, Cost: env.Cost}
	}
	return &llm.Response{Content: string(trimmed)}
}
