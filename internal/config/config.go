package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"OpenAudit/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "OPENAUDIT_CONFIG"

// DefaultPath 是未显式指定时尝试加载的配置文件。
var DefaultPath = filepath.Join("configs", "openaudit.yaml")

// Config 描述了 OpenAudit 在启动阶段需要加载的全部配置。
type Config struct {
	Runtime       RuntimeConfig              `yaml:"runtime"`
	Logging       logger.Config              `yaml:"logging"`
	Batch         BatchConfig                `yaml:"batch"`
	Agent         AgentConfig                `yaml:"agent"`
	Freshness     FreshnessConfig            `yaml:"freshness"`
	Sources       []string                   `yaml:"sources"`
	RateLimits    map[string]RateLimitConfig `yaml:"rate_limits"`
	EvidenceStore EvidenceStoreConfig        `yaml:"evidence_store"`
	Collector     CollectorConfig            `yaml:"collector"`
	Search        SearchConfig               `yaml:"search"`
	LLM           LLMConfig                  `yaml:"llm"`
	Notify        NotifyConfig               `yaml:"notify"`
	Metrics       MetricsConfig              `yaml:"metrics"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// BatchConfig 控制批处理调度。
type BatchConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	Limit          int           `yaml:"limit"`
	GraceTimeout   time.Duration `yaml:"grace_timeout"`
	StateFile      string        `yaml:"state_file"`
	CostLedgerFile string        `yaml:"cost_ledger_file"`
	SubjectsFile   string        `yaml:"subjects_file"`
}

// AgentConfig 控制单个主体的决策循环。
type AgentConfig struct {
	MaxIterations       int           `yaml:"max_iterations"`
	MaxCollectionRounds int           `yaml:"max_collection_rounds"`
	MaxAttempts         int           `yaml:"max_attempts"`
	BackoffInitial      time.Duration `yaml:"backoff_initial"`
	BackoffMax          time.Duration `yaml:"backoff_max"`
	PolicyTimeout       time.Duration `yaml:"policy_timeout"`
	CollectionTimeout   time.Duration `yaml:"collection_timeout"`
	SearchTimeout       time.Duration `yaml:"search_timeout"`
	MaxCostPerRun       float64       `yaml:"max_cost_per_run"`
}

// FreshnessConfig 描述证据的有效期策略。
type FreshnessConfig struct {
	Threshold   int           `yaml:"threshold"`
	TTLSuccess  time.Duration `yaml:"ttl_success"`
	TTLNotFound time.Duration `yaml:"ttl_not_found"`
	TTLError    time.Duration `yaml:"ttl_error"`
}

// RateLimitConfig 描述一个外部依赖类别的令牌桶。
type RateLimitConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// EvidenceStoreConfig 选择证据存储后端。
type EvidenceStoreConfig struct {
	Driver                 string      `yaml:"driver"`
	DSN                    string      `yaml:"dsn"`
	MaxOpenConns           int         `yaml:"max_open_conns"`
	MaxIdleConns           int         `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int         `yaml:"conn_max_lifetime_seconds"`
	Redis                  RedisConfig `yaml:"redis"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	List     string `yaml:"list"`
}

// CollectorConfig 描述外部采集器。
type CollectorConfig struct {
	Driver      string `yaml:"driver"`
	Executable  string `yaml:"executable"`
	Script      string `yaml:"script"`
	WorkingDir  string `yaml:"working_dir"`
	Fixtures    string `yaml:"fixtures"`
	Parallelism int    `yaml:"parallelism"`
}

// SearchConfig 描述临时搜索能力。
type SearchConfig struct {
	Driver     string `yaml:"driver"`
	Source     string `yaml:"source"`
	MaxResults int    `yaml:"max_results"`
}

// LLMConfig 用于配置 Policy 的调用方式。
type LLMConfig struct {
	Provider string        `yaml:"provider"`
	OpenAI   OpenAIConfig  `yaml:"openai"`
	Command  CommandConfig `yaml:"command"`
}

// CommandConfig 描述以外部进程实现的 Policy。
type CommandConfig struct {
	Executable string `yaml:"executable"`
	Script     string `yaml:"script"`
	WorkingDir string `yaml:"working_dir"`
}

// OpenAIConfig 描述 Chat Completions 接口参数。
type OpenAIConfig struct {
	APIKey               string        `yaml:"api_key"`
	APIKeyEnv            string        `yaml:"api_key_env"`
	BaseURL              string        `yaml:"base_url"`
	Model                string        `yaml:"model"`
	Timeout              time.Duration `yaml:"timeout"`
	PricePer1KPrompt     float64       `yaml:"price_per_1k_prompt"`
	PricePer1KCompletion float64       `yaml:"price_per_1k_completion"`
}

// ResolveAPIKey 优先使用显式配置，其次读取环境变量。
func (c OpenAIConfig) ResolveAPIKey() string {
	key := strings.TrimSpace(c.APIKey)
	if key == "" && c.APIKeyEnv != "" {
		key = strings.TrimSpace(os.Getenv(c.APIKeyEnv))
	}
	return key
}

// NotifyConfig 选择结果通知渠道。
type NotifyConfig struct {
	Log      bool           `yaml:"log"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL     string `yaml:"url"`
	Queue   string `yaml:"queue"`
	Durable bool   `yaml:"durable"`
}

// MetricsConfig 控制 /metrics 端点。
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// Resolve 按 显式参数 → 环境变量 → 默认路径 的顺序确定配置文件位置。
func Resolve(explicit string) string {
	if strings.TrimSpace(explicit) != "" {
		return explicit
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	return DefaultPath
}

// Load 解析指定路径的 YAML（或 JSON）配置文件。文件不存在时返回默认配置。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	var cfg Config
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const defaultFreshnessThreshold = 20

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir, "data")

	if c.Batch.Concurrency <= 0 {
		c.Batch.Concurrency = 4
	}
	if c.Batch.GraceTimeout <= 0 {
		c.Batch.GraceTimeout = 30 * time.Second
	}
	c.Batch.StateFile = resolvePath(c.Runtime.DataDir, c.Batch.StateFile, "batch_state.json")
	c.Batch.CostLedgerFile = resolvePath(c.Runtime.DataDir, c.Batch.CostLedgerFile, "cost_ledger.jsonl")
	if c.Batch.SubjectsFile != "" {
		c.Batch.SubjectsFile = resolvePath(baseDir, c.Batch.SubjectsFile, "")
	}

	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 10
	}
	if c.Agent.MaxCollectionRounds <= 0 {
		c.Agent.MaxCollectionRounds = 3
	}
	if c.Agent.MaxAttempts <= 0 {
		c.Agent.MaxAttempts = 3
	}
	if c.Agent.BackoffInitial <= 0 {
		c.Agent.BackoffInitial = 500 * time.Millisecond
	}
	if c.Agent.BackoffMax <= 0 {
		c.Agent.BackoffMax = 10 * time.Second
	}
	if c.Agent.PolicyTimeout <= 0 {
		c.Agent.PolicyTimeout = 60 * time.Second
	}
	if c.Agent.CollectionTimeout <= 0 {
		c.Agent.CollectionTimeout = 120 * time.Second
	}
	if c.Agent.SearchTimeout <= 0 {
		c.Agent.SearchTimeout = 30 * time.Second
	}

	if c.Freshness.Threshold <= 0 {
		c.Freshness.Threshold = min(defaultFreshnessThreshold, len(c.Sources))
	}
	if c.Freshness.TTLSuccess <= 0 {
		c.Freshness.TTLSuccess = 30 * 24 * time.Hour
	}
	if c.Freshness.TTLNotFound <= 0 {
		c.Freshness.TTLNotFound = 7 * 24 * time.Hour
	}
	if c.Freshness.TTLError <= 0 {
		c.Freshness.TTLError = 6 * time.Hour
	}

	if c.EvidenceStore.Driver == "" {
		c.EvidenceStore.Driver = "file"
	}
	if c.EvidenceStore.Driver == "sqlite" && c.EvidenceStore.DSN == "" {
		c.EvidenceStore.DSN = filepath.Join(c.Runtime.DataDir, "evidence.db")
	}

	if c.Collector.Driver == "" {
		c.Collector.Driver = "script"
	}
	if c.Collector.Executable == "" {
		c.Collector.Executable = "node"
	}
	c.Collector.WorkingDir = resolvePath(baseDir, c.Collector.WorkingDir, ".")
	if c.Collector.Script != "" {
		c.Collector.Script = resolvePath(c.Collector.WorkingDir, c.Collector.Script, "")
	}
	if c.Collector.Fixtures != "" {
		c.Collector.Fixtures = resolvePath(baseDir, c.Collector.Fixtures, "")
	}

	if c.Search.Driver == "" {
		c.Search.Driver = "none"
	}
	if c.Search.Source != "" {
		c.Search.Source = resolvePath(baseDir, c.Search.Source, "")
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.OpenAI.Timeout <= 0 {
		c.LLM.OpenAI.Timeout = c.Agent.PolicyTimeout
	}
	if c.LLM.Command.Executable == "" {
		c.LLM.Command.Executable = "python3"
	}
	c.LLM.Command.WorkingDir = resolvePath(baseDir, c.LLM.Command.WorkingDir, ".")
	if c.LLM.Command.Script != "" {
		c.LLM.Command.Script = resolvePath(c.LLM.Command.WorkingDir, c.LLM.Command.Script, "")
	}

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "logs", "verdicts.log")
	}
}

// Validate 拒绝无法运行的配置。
func (c *Config) Validate() error {
	if c.Batch.Concurrency < 1 {
		return fmt.Errorf("batch.concurrency 必须 >= 1")
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("至少需要配置一个采集来源 (sources)")
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for _, source := range c.Sources {
		name := strings.TrimSpace(source)
		if name == "" {
			return fmt.Errorf("sources 中存在空名称")
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("来源 %s 重复配置", name)
		}
		seen[name] = struct{}{}
	}
	// 阈值超过来源数量时缓存永远不会命中，每次都会重新采集。
	if c.Freshness.Threshold > len(c.Sources) {
		return fmt.Errorf("freshness.threshold (%d) 不能大于来源数量 (%d)", c.Freshness.Threshold, len(c.Sources))
	}
	for class, limit := range c.RateLimits {
		if limit.RatePerSecond < 0 || limit.Burst < 0 {
			return fmt.Errorf("rate_limits.%s 不能为负数", class)
		}
	}
	return nil
}

func resolvePath(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if value == "" || filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}
