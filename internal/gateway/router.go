// Package gateway 编排一次请求：解析策略、执行入站链、转发上游、执行出站链，
// 并把每一种失败收敛为确定的 HTTP 结果。请求级错误在这里全部被吸收，不会向上冒泡。
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/any-hub/policy-gateway/internal/chain"
	"github.com/any-hub/policy-gateway/internal/logging"
	"github.com/any-hub/policy-gateway/internal/metrics"
	"github.com/any-hub/policy-gateway/internal/plugin"
	"github.com/any-hub/policy-gateway/internal/policy"
	"github.com/any-hub/policy-gateway/internal/proxy"
	"github.com/any-hub/policy-gateway/internal/tracing"
)

// Forwarder 是 Router 对上游调用的依赖。
type Forwarder interface {
	Forward(ctx context.Context, p *policy.Policy, ex *plugin.Exchange) (*plugin.Response, error)
}

// Request 是传输层交给 Router 的请求描述。
type Request struct {
	Policy    string
	RequestID string
	Method    string
	Path      string
	Header    http.Header
	ClientIP  string
	Host      string
	Scheme    string
}

// Result 是 Router 的最终输出。Code 为空表示成功，Status/Header/Body 来自上游。
type Result struct {
	Policy  string
	Status  int
	Header  http.Header
	Body    []byte
	Code    string
	Message string
	Handler string
	Err     error

	// resolved 是命中的策略表条目名，未命中时为空。
	resolved string

	Trail    []State
	Inbound  chain.Result
	Outbound chain.Result
	Elapsed  time.Duration
}

// Failed 表示结果是网关生成的错误响应。
func (r *Result) Failed() bool {
	return r.Code != ""
}

// State 返回最后一个状态。
func (r *Result) State() State {
	if len(r.Trail) == 0 {
		return Received
	}
	return r.Trail[len(r.Trail)-1]
}

func (r *Result) enter(s State) {
	r.Trail = append(r.Trail, s)
}

// Router 持有流水线的全部依赖，可被任意多个请求并发使用。
type Router struct {
	store     *policy.Store
	executor  *chain.Executor
	forwarder Forwarder
	logger    *logrus.Logger
	metrics   *metrics.Metrics
}

// NewRouter 创建 Router。
func NewRouter(store *policy.Store, executor *chain.Executor, forwarder Forwarder, logger *logrus.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Router{store: store, executor: executor, forwarder: forwarder, logger: logger, metrics: m}
}

// Execute 驱动一次请求走完状态机，返回值永不为 nil。
func (rt *Router) Execute(ctx context.Context, req *Request) *Result {
	started := time.Now()
	res := &Result{Policy: req.Policy}
	res.enter(Received)

	ctx, span := tracing.Tracer().Start(ctx, "policy", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.SetAttributes(tracing.AttrRequestID.String(req.RequestID))

	rt.run(ctx, req, res)

	policyLabel := res.policyLabel()
	span.SetName("policy " + policyLabel)
	span.SetAttributes(tracing.AttrPolicy.String(policyLabel))

	res.enter(Completed)
	res.Elapsed = time.Since(started)
	if res.Failed() {
		span.SetStatus(codes.Error, res.Code)
		if res.Err != nil {
			span.RecordError(res.Err)
		}
	}
	rt.observe(req, res)
	return res
}

func (rt *Router) run(ctx context.Context, req *Request, res *Result) {
	res.enter(PolicyResolving)
	snapshot := rt.store.Snapshot()
	p, ok := snapshot.Lookup(req.Policy)
	if !ok {
		rt.fail(res, http.StatusNotFound, CodePolicyNotFound, fmt.Sprintf("Policy '%s' not found", req.Policy), nil)
		return
	}
	res.resolved = p.Name

	ex := plugin.NewExchange(req.RequestID, p.Name, req.Method, req.Path, req.Header)
	ex.ClientIP = req.ClientIP
	ex.Host = req.Host
	ex.Scheme = req.Scheme

	res.enter(InboundProcessing)
	res.Inbound = rt.executor.Run(ctx, plugin.StageInbound, p.Inbound, ex)
	if rej := res.Inbound.Rejected; rej != nil {
		rt.reject(res, CodeRequestRejected, rej)
		return
	}
	if err := res.Inbound.Err; err != nil {
		rt.failChain(res, err)
		return
	}

	res.enter(Forwarding)
	resp, err := rt.forwarder.Forward(ctx, p, ex)
	if err != nil {
		rt.failUpstream(res, err)
		return
	}
	ex.Response = resp

	res.enter(OutboundProcessing)
	res.Outbound = rt.executor.Run(ctx, plugin.StageOutbound, p.Outbound, ex)
	if rej := res.Outbound.Rejected; rej != nil {
		rt.reject(res, CodeResponseRejected, rej)
		return
	}
	if err := res.Outbound.Err; err != nil {
		rt.failChain(res, err)
		return
	}

	res.Status = ex.Response.Status
	res.Header = ex.Response.Header
	res.Body = ex.Response.Body
}

func (rt *Router) fail(res *Result, status int, code, message string, err error) {
	res.enter(Errored)
	res.Status = status
	res.Code = code
	res.Message = message
	res.Err = err
}

func (rt *Router) reject(res *Result, code string, rej *chain.Rejection) {
	res.enter(Rejected)
	res.Status = rejectStatus(rej.Status)
	res.Code = code
	res.Message = rej.Reason
	res.Handler = rej.Handler
}

func (rt *Router) failChain(res *Result, err error) {
	status, code := classifyChainError(err)
	var stepErr *chain.StepError
	if errors.As(err, &stepErr) {
		res.Handler = stepErr.Handler
	}
	rt.fail(res, status, code, err.Error(), err)
}

func (rt *Router) failUpstream(res *Result, err error) {
	status, code := classifyUpstreamError(err)
	rt.fail(res, status, code, "Failed to call target URL: "+err.Error(), err)
}

// rejectStatus 只接受 handler 给出的 4xx，其余一律 403。
func rejectStatus(status int) int {
	if status >= 400 && status < 500 {
		return status
	}
	return http.StatusForbidden
}

func classifyChainError(err error) (int, string) {
	var execErr *plugin.ExecutionError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, CodeRequestCanceled
	case errors.Is(err, plugin.ErrUnknownHandler):
		return http.StatusInternalServerError, CodeHandlerNotRegistered
	case errors.Is(err, plugin.ErrSymbolNotFound):
		return http.StatusInternalServerError, CodePluginSymbolNotFound
	case errors.Is(err, plugin.ErrLoadFailure):
		return http.StatusInternalServerError, CodePluginLoadFailed
	case errors.Is(err, chain.ErrHandlerTimeout):
		return http.StatusInternalServerError, CodeHandlerTimeout
	case errors.As(err, &execErr):
		return http.StatusInternalServerError, CodeHandlerExecutionFailed
	default:
		return http.StatusInternalServerError, CodeHandlerExecutionFailed
	}
}

func classifyUpstreamError(err error) (int, string) {
	var upErr *proxy.UpstreamError
	if !errors.As(err, &upErr) {
		return http.StatusBadGateway, CodeUpstreamBadResponse
	}
	switch upErr.Kind {
	case proxy.UpstreamTimeout:
		return http.StatusGatewayTimeout, CodeUpstreamTimeout
	case proxy.UpstreamUnreachable:
		return http.StatusBadGateway, CodeUpstreamUnreachable
	case proxy.UpstreamCanceled:
		return http.StatusServiceUnavailable, CodeRequestCanceled
	default:
		return http.StatusBadGateway, CodeUpstreamBadResponse
	}
}

// UnknownPolicyLabel 是未命中策略时使用的指标与 span 标签。
const UnknownPolicyLabel = "_unknown"

// policyLabel 只取策略表中的名称，客户端输入的未知名不进入标签。
func (r *Result) policyLabel() string {
	if r.resolved == "" {
		return UnknownPolicyLabel
	}
	return r.resolved
}

func (rt *Router) observe(req *Request, res *Result) {
	label := res.policyLabel()
	result := "ok"
	if res.Failed() {
		result = res.Code
	}
	rt.metrics.ObserveRequest(label, result, res.Elapsed)

	fields := logging.RequestFields(req.Policy, req.RequestID)
	fields["action"] = "policy"
	fields["status"] = res.Status
	fields["elapsed_ms"] = res.Elapsed.Milliseconds()
	fields["state"] = res.Trail[len(res.Trail)-2].String()
	if n := len(res.Inbound.Errors) + len(res.Outbound.Errors); n > 0 {
		fields["handler_errors"] = n
	}
	entry := rt.logger.WithFields(fields)
	if !res.Failed() {
		entry.Info("policy_complete")
		return
	}
	entry = entry.WithField("code", res.Code)
	if res.Handler != "" {
		entry = entry.WithField("handler", res.Handler)
	}
	if res.Err != nil {
		entry = entry.WithError(res.Err)
	}
	if res.Status >= 500 {
		entry.Error("policy_failed")
		return
	}
	entry.Warn("policy_failed")
}
