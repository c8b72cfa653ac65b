package plugin

import (
	"errors"
	"fmt"
)

// 插件错误哨兵，配合 errors.Is 使用。
var (
	ErrLoadFailure    = errors.New("plugin load failure")
	ErrSymbolNotFound = errors.New("plugin symbol not found")
	ErrUnknownHandler = errors.New("handler not registered")
)

// FailureKind 区分解析失败的原因。
type FailureKind int

const (
	LoadFailure FailureKind = iota
	SymbolNotFound
	UnknownHandler
)

func (k FailureKind) String() string {
	switch k {
	case LoadFailure:
		return "load_failure"
	case SymbolNotFound:
		return "symbol_not_found"
	case UnknownHandler:
		return "unknown_handler"
	default:
		return "unknown"
	}
}

func (k FailureKind) sentinel() error {
	switch k {
	case SymbolNotFound:
		return ErrSymbolNotFound
	case UnknownHandler:
		return ErrUnknownHandler
	default:
		return ErrLoadFailure
	}
}

// PluginError 表示 handler 无法解析，仅影响当前请求。
type PluginError struct {
	Kind    FailureKind
	Handler string
	Path    string
	Err     error
}

func (e *PluginError) Error() string {
	msg := fmt.Sprintf("plugin %s: %s", e.Handler, e.Kind.sentinel())
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

// Is 让 errors.Is(err, ErrSymbolNotFound) 等按 Kind 匹配。
func (e *PluginError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// ExecutionError 表示隔离层捕获到的 handler 故障（panic、子进程崩溃、回复无法解析）。
type ExecutionError struct {
	Handler string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("handler %s execution failed: %v", e.Handler, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
