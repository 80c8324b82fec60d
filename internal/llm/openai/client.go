package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "OpenAudit/internal/errors"
	"OpenAudit/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	// 每 1000 token 的价格，用于计算成本。
	PricePer1KPrompt     float64
	PricePer1KCompletion float64
}

// Client 通过 HTTP 调用 OpenAI，实现 llm.Policy。
type Client struct {
	apiKey          string
	baseURL         string
	model           string
	promptPrice     float64
	completionPrice float64
	httpClient      *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:          apiKey,
		baseURL:         baseURL,
		model:           model,
		promptPrice:     cfg.PricePer1KPrompt,
		completionPrice: cfg.PricePer1KCompletion,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Decide 调用 OpenAI 获取下一步动作。返回内容是原始 JSON 文本，由调用方校验。
func (c *Client) Decide(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建 OpenAI 请求失败")
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderUnavailable, err, "请求 OpenAI 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		msg := fmt.Sprintf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return nil, xerrors.New(xerrors.CodeProviderUnavailable, msg)
		}
		return nil, xerrors.New(xerrors.CodeInvalidArgument, msg)
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage llm.Usage `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderUnavailable, err, "解析 OpenAI 响应失败")
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeProviderUnavailable, "OpenAI 响应中没有有效的 choices")
	}

	return &llm.Response{
		Content: strings.TrimSpace(decoded.Choices[0].Message.Content),
		Usage:   decoded.Usage,
		Cost:    c.cost(decoded.Usage),
	}, nil
}

func (c *Client) cost(usage llm.Usage) float64 {
	return float64(usage.PromptTokens)/1000*c.promptPrice +
		float64(usage.CompletionTokens)/1000*c.completionPrice
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	messages := []message{
		{
			Role:    "system",
			Content: systemPrompt,
		},
		{
			Role:    "user",
			Content: buildUserPrompt(req),
		},
	}
	if correction := strings.TrimSpace(req.Correction); correction != "" {
		messages = append(messages, message{Role: "user", Content: correction})
	}

	body := map[string]any{
		"model":           c.model,
		"messages":        messages,
		"temperature":     0.2,
		"response_format": map[string]string{"type": "json_object"},
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化 OpenAI 请求失败")
	}
	return encoded, nil
}

const systemPrompt = "" +
	"You audit business entities using third-party evidence. " +
	"Respond with exactly one JSON object choosing an action from the catalog: " +
	"{\"type\":\"request_evidence\",\"source\":string,\"reason\":string}, " +
	"{\"type\":\"search\",\"query\":string} or " +
	"{\"type\":\"finalize\",\"result\":{\"score\":0-100,\"riskLevel\":string,\"recommendation\":string," +
	"\"redFlags\":[{\"severity\":\"critical|high|medium|low\",\"category\":string,\"description\":string,\"evidence\":string}]," +
	"\"positiveSignals\":[string],\"gaps\":[string]}}."

func buildUserPrompt(req llm.Request) string {
	var builder strings.Builder
	builder.WriteString("## 审计对象\n")
	builder.WriteString(fmt.Sprintf("ID: %s\n名称: %s\n", req.Subject.ID, strings.TrimSpace(req.Subject.Name)))
	if locality := strings.TrimSpace(strings.Join([]string{req.Subject.Street, req.Subject.City, req.Subject.State, req.Subject.Zip}, " ")); locality != "" {
		builder.WriteString(fmt.Sprintf("地址: %s\n", locality))
	}
	if website := strings.TrimSpace(req.Subject.Website); website != "" {
		builder.WriteString(fmt.Sprintf("网站: %s\n", website))
	}

	builder.WriteString(fmt.Sprintf("\n## 进度\n第 %d/%d 轮决策，剩余补充调查次数 %d\n",
		req.Iteration, req.MaxIterations, req.RoundsRemaining))

	builder.WriteString("\n## 可选动作\n")
	for _, action := range req.Catalog {
		builder.WriteString(fmt.Sprintf("- %s: %s\n", action.Type, action.Description))
	}

	builder.WriteString("\n## 证据快照\n")
	if len(req.Evidence) == 0 {
		builder.WriteString("[]\n")
	} else {
		builder.Write(req.Evidence)
		builder.WriteString("\n")
	}

	if len(req.Observations) > 0 {
		builder.WriteString("\n## 调查记录\n")
		for idx, note := range req.Observations {
			builder.WriteString(fmt.Sprintf("[%d] %s\n", idx+1, truncate(note)))
		}
	}
	return builder.String()
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) > 400 {
		return string([]rune(text)[:400]) + "..."
	}
	return text
}

var _ llm.Policy = (*Client)(nil)
