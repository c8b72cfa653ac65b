// Package plugin 把 handler 名称解析为可调用的实现。名称只会经过固定的映射：
// 编译期注册的内置 handler，或配置文件 [[Plugin]] 白名单中声明的 native/exec 插件，
// 请求路径上的任意输入都不会直接变成可加载的代码路径。
package plugin

import (
	"context"
	"net/http"
)

// Stage 标识 handler 所在的处理阶段。
type Stage string

const (
	StageInbound  Stage = "inbound"
	StageOutbound Stage = "outbound"
)

// Kind 标识 handler 的来源。
type Kind string

const (
	KindBuiltin Kind = "builtin"
	KindNative  Kind = "native"
	KindExec    Kind = "exec"
)

// Verdict 是 handler 的决定。
type Verdict int

const (
	VerdictContinue Verdict = iota
	VerdictReject
	VerdictError
)

func (v Verdict) String() string {
	switch v {
	case VerdictContinue:
		return "continue"
	case VerdictReject:
		return "reject"
	case VerdictError:
		return "error"
	default:
		return "unknown"
	}
}

// Outcome 是一次 handler 调用的结果。SetHeaders 由执行器合并：入站阶段写入
// 发往上游的请求头，出站阶段写入返回给客户端的响应头。
type Outcome struct {
	Verdict    Verdict
	Reason     string
	Status     int
	SetHeaders map[string]string
}

// Continue 放行。
func Continue() Outcome {
	return Outcome{Verdict: VerdictContinue}
}

// ContinueWithHeaders 放行并附加头部。
func ContinueWithHeaders(headers map[string]string) Outcome {
	return Outcome{Verdict: VerdictContinue, SetHeaders: headers}
}

// Reject 终止链，状态码由路由层决定（默认 403）。
func Reject(reason string) Outcome {
	return Outcome{Verdict: VerdictReject, Reason: reason}
}

// RejectWithStatus 终止链并指定 4xx 状态码。
func RejectWithStatus(status int, reason string) Outcome {
	return Outcome{Verdict: VerdictReject, Reason: reason, Status: status}
}

// Failed 表示 handler 自身出错，链会继续执行。
func Failed(detail string) Outcome {
	return Outcome{Verdict: VerdictError, Reason: detail}
}

// Call 是交给 handler 的只读请求视图，每次调用独立拷贝。
type Call struct {
	Handler   string
	Stage     Stage
	Params    map[string]string
	RequestID string
	Policy    string
	Method    string
	Path      string
	Header    http.Header

	// 仅出站阶段有效；Body 与 Exchange 共享底层数组，不可修改
	Status         int
	ResponseHeader http.Header
	Body           []byte
}

// Param 读取参数，缺失时返回空串。
func (c *Call) Param(key string) string {
	if c == nil {
		return ""
	}
	return c.Params[key]
}

// Handler 是所有 handler 实现的统一契约。
type Handler interface {
	Invoke(ctx context.Context, call *Call) Outcome
}

// HandlerFunc 让普通函数满足 Handler。
type HandlerFunc func(ctx context.Context, call *Call) Outcome

// Invoke 调用 f。
func (f HandlerFunc) Invoke(ctx context.Context, call *Call) Outcome {
	return f(ctx, call)
}
