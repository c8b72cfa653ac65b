// Package chain 依次执行策略上的 handler 链，并实现短路语义：
// Reject 立即终止，Error 记录后继续，解析/执行失败终止并交由路由层转换为 500。
package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/any-hub/policy-gateway/internal/logging"
	"github.com/any-hub/policy-gateway/internal/metrics"
	"github.com/any-hub/policy-gateway/internal/plugin"
	"github.com/any-hub/policy-gateway/internal/policy"
	"github.com/any-hub/policy-gateway/internal/tracing"
)

// Rejection 描述终止链的一次 Reject。
type Rejection struct {
	Handler string
	Reason  string
	Status  int
}

// HandlerError 描述 handler 报告的非致命错误。
type HandlerError struct {
	Handler string
	Detail  string
}

// Result 是一次链执行的汇总。Err 非空时链被中止，Rejected 与 Err 互斥。
type Result struct {
	Executed []string
	Skipped  []string
	Errors   []HandlerError
	Rejected *Rejection
	Err      error
	Elapsed  time.Duration
}

// OK 表示链完整执行且未被拒绝。
func (r Result) OK() bool {
	return r.Rejected == nil && r.Err == nil
}

// StepError 关联失败的 handler 名称与底层错误。
type StepError struct {
	Handler string
	Stage   plugin.Stage
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s handler %s: %v", e.Stage, e.Handler, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Executor 通过 Registry 解析 handler 并在 Pool 中执行。
type Executor struct {
	registry *plugin.Registry
	pool     *Pool
	logger   *logrus.Logger
	metrics  *metrics.Metrics
}

// NewExecutor 创建执行器；logger 为空时使用标准 logger。
func NewExecutor(registry *plugin.Registry, pool *Pool, logger *logrus.Logger, m *metrics.Metrics) *Executor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Executor{
		registry: registry,
		pool:     pool,
		logger:   logger,
		metrics:  m,
	}
}

// Run 按声明顺序执行 handlers。
func (e *Executor) Run(ctx context.Context, stage plugin.Stage, handlers []policy.HandlerConfig, ex *plugin.Exchange) Result {
	start := time.Now()
	result := Result{}

	for _, hc := range handlers {
		if err := ctx.Err(); err != nil {
			result.Err = &StepError{Handler: hc.Name, Stage: stage, Err: err}
			break
		}
		if stop := e.step(ctx, stage, hc, ex, &result); stop {
			break
		}
	}
	result.Elapsed = time.Since(start)
	return result
}

// step 执行单个 handler，返回 true 表示链应停止。
func (e *Executor) step(ctx context.Context, stage plugin.Stage, hc policy.HandlerConfig, ex *plugin.Exchange, result *Result) bool {
	spanCtx, span := tracing.Tracer().Start(ctx, "handler "+hc.Name, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		tracing.AttrHandler.String(hc.Name),
		tracing.AttrStage.String(string(stage)),
		tracing.AttrPolicy.String(ex.Policy),
	)

	fields := logging.HandlerFields(ex.Policy, ex.RequestID, hc.Name, string(stage))

	matched, err := hc.When.Matches(spanCtx, conditionInput(stage, ex))
	if err != nil {
		result.Errors = append(result.Errors, HandlerError{Handler: hc.Name, Detail: err.Error()})
		e.finish(span, hc.Name, stage, "condition_error", err)
		e.logger.WithFields(fields).WithError(err).Warn("handler_condition_failed")
		return false
	}
	if !matched {
		result.Skipped = append(result.Skipped, hc.Name)
		span.SetAttributes(attribute.Bool("gateway.skipped", true))
		e.metrics.ObserveHandler(hc.Name, string(stage), "skipped")
		return false
	}

	handle, err := e.registry.Resolve(hc.Name)
	if err != nil {
		result.Err = &StepError{Handler: hc.Name, Stage: stage, Err: err}
		e.finish(span, hc.Name, stage, "resolve_error", err)
		e.logger.WithFields(fields).WithError(err).Error("handler_resolve_failed")
		return true
	}

	call := ex.NewCall(hc.Name, stage, hc.Params)
	outcome, err := e.pool.Do(spanCtx, func(callCtx context.Context) (plugin.Outcome, error) {
		return e.registry.Invoke(callCtx, handle, call)
	})
	if err != nil {
		result.Err = &StepError{Handler: hc.Name, Stage: stage, Err: err}
		label := "execution_error"
		switch {
		case errors.Is(err, ErrHandlerTimeout):
			label = "timeout"
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			label = "canceled"
		}
		e.finish(span, hc.Name, stage, label, err)
		e.logger.WithFields(fields).WithError(err).Error("handler_invoke_failed")
		return true
	}

	result.Executed = append(result.Executed, hc.Name)
	switch outcome.Verdict {
	case plugin.VerdictReject:
		result.Rejected = &Rejection{Handler: hc.Name, Reason: outcome.Reason, Status: outcome.Status}
		e.finish(span, hc.Name, stage, "reject", nil)
		e.logger.WithFields(fields).WithField("reason", outcome.Reason).Info("handler_rejected")
		return true
	case plugin.VerdictError:
		result.Errors = append(result.Errors, HandlerError{Handler: hc.Name, Detail: outcome.Reason})
		e.finish(span, hc.Name, stage, "error", errors.New(outcome.Reason))
		e.logger.WithFields(fields).WithField("detail", outcome.Reason).Warn("handler_reported_error")
		return false
	default:
		ex.Apply(stage, outcome.SetHeaders)
		e.finish(span, hc.Name, stage, "continue", nil)
		return false
	}
}

func (e *Executor) finish(span trace.Span, handler string, stage plugin.Stage, outcome string, err error) {
	span.SetAttributes(tracing.AttrOutcome.String(outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	e.metrics.ObserveHandler(handler, string(stage), outcome)
}

func conditionInput(stage plugin.Stage, ex *plugin.Exchange) policy.ConditionInput {
	in := policy.ConditionInput{
		Policy:  ex.Policy,
		Stage:   string(stage),
		Method:  ex.Method,
		Path:    ex.Path,
		Headers: ex.FlatHeader(),
	}
	if stage == plugin.StageOutbound && ex.Response != nil {
		in.Status = ex.Response.Status
	}
	return in
}
