package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// UpstreamKind 区分上游失败类型，路由层据此选择状态码。
type UpstreamKind int

const (
	UpstreamTimeout UpstreamKind = iota
	UpstreamUnreachable
	UpstreamBadResponse
	UpstreamCanceled
)

func (k UpstreamKind) String() string {
	switch k {
	case UpstreamTimeout:
		return "timeout"
	case UpstreamUnreachable:
		return "unreachable"
	case UpstreamBadResponse:
		return "bad_response"
	case UpstreamCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// UpstreamError 描述一次失败的上游调用。
type UpstreamError struct {
	Kind UpstreamKind
	URL  string
	Err  error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s %s: %v", e.Kind, e.URL, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// classify 把传输层错误映射到 UpstreamKind。ctx 是调用方的请求上下文。
// 建连阶段的失败（含拨号超时）与连接被重置都视为 unreachable。
func classify(ctx context.Context, err error) UpstreamKind {
	if errors.Is(ctx.Err(), context.Canceled) {
		return UpstreamCanceled
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return UpstreamUnreachable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return UpstreamUnreachable
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return UpstreamUnreachable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return UpstreamTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return UpstreamTimeout
	}
	return UpstreamBadResponse
}
