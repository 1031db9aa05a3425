package models

import (
	"errors"
	"fmt"
)

// ErrPriceUnavailable 表示某个代币在本周期没有可用价格
var ErrPriceUnavailable = errors.New("price unavailable")

// ConfigError 网格配置不合法。创建/编辑时同步返回，启动时导致该网格不被跟踪。
type ConfigError struct {
	GridID string
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.GridID == "" {
		return fmt.Sprintf("invalid grid config: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid grid config %s: %s: %s", e.GridID, e.Field, e.Reason)
}

// NewConfigError 创建一个 ConfigError
func NewConfigError(gridID, field, reason string) *ConfigError {
	return &ConfigError{GridID: gridID, Field: field, Reason: reason}
}

// IsConfigError 判断错误链中是否存在 ConfigError
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// ExecutionErrorKind 执行失败的分类
type ExecutionErrorKind string

const (
	ExecQuoteRejected       ExecutionErrorKind = "quote_rejected"
	ExecSimulationFailed    ExecutionErrorKind = "simulation_failed"
	ExecInsufficientBalance ExecutionErrorKind = "insufficient_balance"
	ExecNotFilled           ExecutionErrorKind = "not_filled"
	ExecNetwork             ExecutionErrorKind = "network"
	ExecConfirmFailed       ExecutionErrorKind = "confirm_failed"
)

// ExecutionFailure 执行场所返回的失败。Transient 仅用于日志与告警，控制器在同一周期内从不重试。
type ExecutionFailure struct {
	Kind      ExecutionErrorKind
	Transient bool
	Err       error
}

func (e *ExecutionFailure) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("execution failed (%s)", e.Kind)
	}
	return fmt.Sprintf("execution failed (%s): %v", e.Kind, e.Err)
}

func (e *ExecutionFailure) Unwrap() error { return e.Err }

// NewExecutionFailure 创建一个 ExecutionFailure, network 类错误默认视为暂时性
func NewExecutionFailure(kind ExecutionErrorKind, err error) *ExecutionFailure {
	return &ExecutionFailure{
		Kind:      kind,
		Transient: kind == ExecNetwork || kind == ExecNotFilled,
		Err:       err,
	}
}

// ExecutionKindOf 返回错误链中的执行失败类型，非执行错误返回空字符串
func ExecutionKindOf(err error) ExecutionErrorKind {
	var ef *ExecutionFailure
	if errors.As(err, &ef) {
		return ef.Kind
	}
	return ""
}

// PersistenceFailure 持久化写入失败。内存状态仍然是权威数据。
type PersistenceFailure struct {
	Op     string
	GridID string
	Err    error
}

func (e *PersistenceFailure) Error() string {
	return fmt.Sprintf("persistence %s failed for grid %s: %v", e.Op, e.GridID, e.Err)
}

func (e *PersistenceFailure) Unwrap() error { return e.Err }
