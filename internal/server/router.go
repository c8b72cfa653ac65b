package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/policy-gateway/internal/gateway"
	"github.com/any-hub/policy-gateway/internal/proxy"
)

// Gateway describes the component that drives one request through its
// policy. It allows injecting fake pipelines during tests.
type Gateway interface {
	Execute(ctx context.Context, req *gateway.Request) *gateway.Result
}

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, req *gateway.Request) *gateway.Result

// Execute makes GatewayFunc satisfy Gateway.
func (f GatewayFunc) Execute(ctx context.Context, req *gateway.Request) *gateway.Result {
	return f(ctx, req)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger        *logrus.Logger
	Gateway       Gateway
	DefaultPolicy string
	ListenPort    int
}

const contextKeyRequestID = "_policy_gateway_request_id"

// NewApp builds a Fiber application that maps GET /{policy} onto the
// gateway pipeline. Diagnostics under /-/ are registered separately.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	// Immutable: request values handed to the gateway outlive the handler
	// (metric labels, batched spans, timed-out handler goroutines).
	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		Immutable:     true,
		ErrorHandler:  errorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	app.Get("/", func(c fiber.Ctx) error {
		return servePolicy(c, opts, opts.DefaultPolicy)
	})
	app.Get("/:policy", func(c fiber.Ctx) error {
		return servePolicy(c, opts, c.Params("policy"))
	})

	return app, nil
}

// requestContextMiddleware 为每个请求生成请求 ID，并写回响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

func servePolicy(c fiber.Ctx, opts AppOptions, name string) error {
	ctx, cancel := requestContext(c.RequestCtx())
	defer cancel()

	res := opts.Gateway.Execute(ctx, &gateway.Request{
		Policy:    name,
		RequestID: RequestID(c),
		Method:    c.Method(),
		Path:      c.Path(),
		Header:    fiberHeadersAsHTTP(c),
		ClientIP:  c.IP(),
		Host:      c.Hostname(),
		Scheme:    c.Scheme(),
	})
	if res == nil {
		return fiber.ErrInternalServerError
	}
	if res.Failed() {
		return renderFailure(c, res)
	}
	return renderUpstream(c, res)
}

// requestContext derives the pipeline context from fasthttp's request
// context, whose Done channel closes on server shutdown. The returned
// context is detached from the pooled RequestCtx, so goroutines that
// outlive the request never touch recycled state. fasthttp offers no
// per-client disconnect signal.
func requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(parent, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func renderUpstream(c fiber.Ctx, res *gateway.Result) error {
	for key, values := range res.Header {
		if proxy.IsHopByHopHeader(key) || strings.EqualFold(key, "X-Request-ID") {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
	return c.Status(res.Status).Send(res.Body)
}

func renderFailure(c fiber.Ctx, res *gateway.Result) error {
	payload := fiber.Map{
		"error":   res.Code,
		"message": res.Message,
		"policy":  res.Policy,
	}
	if res.Handler != "" {
		payload["handler"] = res.Handler
	}
	if reqID := RequestID(c); reqID != "" {
		payload["request_id"] = reqID
	}
	return c.Status(res.Status).JSON(payload)
}

// errorHandler 把 Fiber 自身的错误（未匹配路由、panic 等）也渲染为 JSON。
func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		code := "internal_error"
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
			if status == fiber.StatusNotFound {
				code = "route_not_found"
			} else if status == fiber.StatusMethodNotAllowed {
				code = "method_not_allowed"
			}
		}
		if status >= fiber.StatusInternalServerError {
			logger.WithFields(logrus.Fields{
				"action":     "http_error",
				"path":       c.Path(),
				"request_id": RequestID(c),
			}).WithError(err).Error("request_failed")
		}
		return c.Status(status).JSON(fiber.Map{"error": code})
	}
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
