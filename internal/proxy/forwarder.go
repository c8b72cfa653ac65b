// Package proxy 负责把请求转发到策略声明的上游，并把传输层结果翻译成网关错误。
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/any-hub/policy-gateway/internal/config"
	"github.com/any-hub/policy-gateway/internal/logging"
	"github.com/any-hub/policy-gateway/internal/metrics"
	"github.com/any-hub/policy-gateway/internal/plugin"
	"github.com/any-hub/policy-gateway/internal/policy"
	"github.com/any-hub/policy-gateway/internal/tracing"
	"github.com/any-hub/policy-gateway/internal/version"
)

// DefaultMaxResponseBytes 是未配置时的上游响应体上限。
const DefaultMaxResponseBytes int64 = 16 << 20

// Forwarder 使用共享 http.Client 调用上游。
type Forwarder struct {
	client   *http.Client
	maxBytes int64
	logger   *logrus.Logger
	metrics  *metrics.Metrics
}

// NewForwarder 创建 Forwarder；maxBytes <= 0 时使用 DefaultMaxResponseBytes。
func NewForwarder(client *http.Client, maxBytes int64, logger *logrus.Logger, m *metrics.Metrics) *Forwarder {
	if client == nil {
		client = NewUpstreamClient(config.GlobalConfig{})
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxResponseBytes
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Forwarder{client: client, maxBytes: maxBytes, logger: logger, metrics: m}
}

// BuildURL 拼接 target 与 endpoint，两者之间恰好一个 "/"。
// 不会附带原始请求的路径或查询参数。
func BuildURL(target, endpoint string) (string, error) {
	raw := strings.TrimRight(target, "/") + "/" + strings.TrimLeft(endpoint, "/")
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("missing host")
	}
	return u.String(), nil
}

// Forward 发起 GET 请求并读取完整响应。非 2xx 状态不视为错误，原样返回。
func (f *Forwarder) Forward(ctx context.Context, p *policy.Policy, ex *plugin.Exchange) (*plugin.Response, error) {
	started := time.Now()
	target, err := BuildURL(p.Target, p.Endpoint)
	if err != nil {
		upErr := &UpstreamError{Kind: UpstreamUnreachable, URL: p.Target, Err: err}
		f.logResult(p, ex, p.Target, 0, started, upErr)
		return nil, upErr
	}

	ctx, span := tracing.Tracer().Start(ctx, "upstream "+p.Name, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(tracing.AttrPolicy.String(p.Name), tracing.AttrUpstream.String(target))

	resp, err := f.do(ctx, target, ex)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.logResult(p, ex, target, 0, started, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
	f.logResult(p, ex, target, resp.Status, started, nil)
	return resp, nil
}

func (f *Forwarder) do(ctx context.Context, target string, ex *plugin.Exchange) (*plugin.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, &UpstreamError{Kind: UpstreamUnreachable, URL: target, Err: err}
	}
	f.applyHeaders(req, ex)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Kind: classify(ctx, err), URL: target, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		kind := classify(ctx, err)
		if kind == UpstreamUnreachable {
			kind = UpstreamBadResponse
		}
		return nil, &UpstreamError{Kind: kind, URL: target, Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(body)) > f.maxBytes {
		return nil, &UpstreamError{Kind: UpstreamBadResponse, URL: target, Err: fmt.Errorf("response body exceeds %d bytes", f.maxBytes)}
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)
	header.Del("Content-Length")
	return &plugin.Response{Status: resp.StatusCode, Header: header, Body: body}, nil
}

func (f *Forwarder) applyHeaders(req *http.Request, ex *plugin.Exchange) {
	CopyHeaders(req.Header, ex.UpstreamHeader)
	req.Header.Set("User-Agent", version.UserAgent())
	if ex.RequestID != "" {
		req.Header.Set("X-Request-ID", ex.RequestID)
	}
	if ex.Host != "" {
		req.Header.Set("X-Forwarded-Host", ex.Host)
	}
	if ex.ClientIP != "" {
		if prior := ex.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ex.ClientIP)
		} else {
			req.Header.Set("X-Forwarded-For", ex.ClientIP)
		}
	}
	if ex.Scheme != "" {
		req.Header.Set("X-Forwarded-Proto", ex.Scheme)
	}
}

func (f *Forwarder) logResult(p *policy.Policy, ex *plugin.Exchange, upstream string, status int, started time.Time, err error) {
	fields := logging.RequestFields(p.Name, ex.RequestID)
	fields["action"] = "upstream"
	fields["upstream"] = upstream
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		var upErr *UpstreamError
		if errors.As(err, &upErr) {
			fields["kind"] = upErr.Kind.String()
			f.metrics.ObserveUpstreamError(p.Name, upErr.Kind.String())
		}
		f.logger.WithFields(fields).WithError(err).Warn("upstream_failed")
		return
	}
	f.logger.WithFields(fields).Debug("upstream_complete")
}
