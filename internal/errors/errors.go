package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于日志与通知。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"

	// CodeCollection 单个来源采集失败，记录为 status=error 后继续。
	CodeCollection Code = "COLLECTION_FAILED"
	// CodeAgentOutputInvalid Policy 输出不符合 schema，纠正重试一次后仍失败。
	CodeAgentOutputInvalid Code = "AGENT_OUTPUT_INVALID"
	// CodeProviderUnavailable Policy / 采集 / 搜索依赖在退避重试后仍不可用。
	CodeProviderUnavailable Code = "PROVIDER_UNAVAILABLE"
	// CodeBudgetExceeded 迭代或成本上限耗尽，触发低置信度强制定论。
	CodeBudgetExceeded Code = "BUDGET_EXCEEDED"
	// CodeFatalStartup 状态文件或账本不可读写，进程应以非零码退出。
	CodeFatalStartup Code = "FATAL_STARTUP"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown: {
			Message:   "unknown error",
			Severity:  SeverityCritical,
			Retryable: false,
			Alert:     true,
		},
		CodeInvalidArgument: {
			Message:   "invalid argument",
			Severity:  SeverityInfo,
			Retryable: false,
			Alert:     false,
		},
		CodeNotFound: {
			Message:   "resource not found",
			Severity:  SeverityInfo,
			Retryable: false,
			Alert:     false,
		},
		CodeInitializationFailure: {
			Message:   "service not initialized",
			Severity:  SeverityWarning,
			Retryable: false,
			Alert:     true,
		},
		CodeStorageFailure: {
			Message:   "storage failure",
			Severity:  SeverityCritical,
			Retryable: true,
			Alert:     true,
		},
		CodeTimeout: {
			Message:   "operation timed out",
			Severity:  SeverityWarning,
			Retryable: true,
			Alert:     true,
		},
		CodeCollection: {
			Message:   "evidence collection failed",
			Severity:  SeverityInfo,
			Retryable: false,
			Alert:     false,
		},
		CodeAgentOutputInvalid: {
			Message:   "agent output invalid",
			Severity:  SeverityWarning,
			Retryable: false,
			Alert:     true,
		},
		CodeProviderUnavailable: {
			Message:   "provider unavailable",
			Severity:  SeverityWarning,
			Retryable: true,
			Alert:     true,
		},
		CodeBudgetExceeded: {
			Message:   "budget exceeded",
			Severity:  SeverityInfo,
			Retryable: false,
			Alert:     false,
		},
		CodeFatalStartup: {
			Message:   "fatal startup error",
			Severity:  SeverityCritical,
			Retryable: false,
			Alert:     true,
		},
	}
)

// 附加信息使用的约定键。
const (
	MetaSubject = "subject_id"
	MetaPhase   = "phase"
	MetaReason  = "reason"
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	severity  *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithSubject 标记错误所属的审计对象。
func WithSubject(id string) Option {
	return WithMetadata(MetaSubject, id)
}

// WithPhase 标记错误发生的阶段，便于断点续跑时定位。
func WithPhase(phase string) Option {
	return WithMetadata(MetaPhase, phase)
}

// WithReason 记录终止原因，如 agent_output_invalid。
func WithReason(reason string) Option {
	return WithMetadata(MetaReason, reason)
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	prefix := fmt.Sprintf("[%s]", e.code)
	if phase := e.metadata[MetaPhase]; phase != "" {
		prefix = fmt.Sprintf("[%s@%s]", e.code, phase)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s %s", prefix, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// MetadataOf 沿错误链查找第一个带有指定键的附加信息。
func MetadataOf(err error, key string) string {
	for err != nil {
		if e, ok := err.(*Error); ok && e != nil {
			if v := e.metadata[key]; v != "" {
				return v
			}
		}
		err = stdErrors.Unwrap(err)
	}
	return ""
}

// PhaseOf 返回错误发生的阶段。
func PhaseOf(err error) string {
	return MetadataOf(err, MetaPhase)
}

// SubjectOf 返回错误关联的审计对象。
func SubjectOf(err error) string {
	return MetadataOf(err, MetaSubject)
}

// ReasonOf 返回终止原因。
func ReasonOf(err error) string {
	return MetadataOf(err, MetaReason)
}
