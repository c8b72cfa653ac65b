package routes

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/any-hub/policy-gateway/internal/metrics"
	"github.com/any-hub/policy-gateway/internal/plugin"
	"github.com/any-hub/policy-gateway/internal/policy"
	"github.com/any-hub/policy-gateway/internal/version"
)

// Diagnostics 汇总诊断接口依赖的只读组件。Metrics 为 nil 时不暴露 /-/metrics。
type Diagnostics struct {
	Store   *policy.Store
	Plugins *plugin.Registry
	Metrics *metrics.Metrics
	Started time.Time
}

// RegisterDiagnosticsRoutes 暴露 /-/ 前缀下的诊断接口，供 SRE 查询策略快照与插件状态。
// 策略名不允许以 "-" 开头，因此不会与 /{policy} 冲突。
func RegisterDiagnosticsRoutes(app *fiber.App, diag Diagnostics) {
	if app == nil || diag.Store == nil {
		return
	}

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		snapshot := diag.Store.Snapshot()
		payload := fiber.Map{
			"status":     "ok",
			"version":    version.Full(),
			"policies":   snapshot.Len(),
			"generation": diag.Store.Generation(),
			"loaded_at":  snapshot.LoadedAt().Format(time.RFC3339),
		}
		if !diag.Started.IsZero() {
			payload["uptime_seconds"] = int64(time.Since(diag.Started) / time.Second)
		}
		return c.JSON(payload)
	})

	app.Get("/-/policies", func(c fiber.Ctx) error {
		snapshot := diag.Store.Snapshot()
		return c.JSON(fiber.Map{
			"source":    snapshot.Source(),
			"loaded_at": snapshot.LoadedAt().Format(time.RFC3339),
			"policies":  encodePolicies(snapshot),
		})
	})

	app.Get("/-/policies/:name", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		p, ok := diag.Store.Lookup(name)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "policy_not_found", "policy": name})
		}
		return c.JSON(encodePolicyDetail(p))
	})

	app.Get("/-/plugins", func(c fiber.Ctx) error {
		if diag.Plugins == nil {
			return c.JSON(fiber.Map{"handlers": []plugin.HandlerStatus{}})
		}
		return c.JSON(fiber.Map{
			"handlers":   diag.Plugins.Status(),
			"load_count": diag.Plugins.LoadCount(),
			"referenced": encodeReferenced(diag.Store.Snapshot(), diag.Plugins),
		})
	})

	if diag.Metrics != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(diag.Metrics.Handler()))
	}
}

type policySummary struct {
	Name     string   `json:"name"`
	Target   string   `json:"target"`
	Endpoint string   `json:"endpoint"`
	Inbound  []string `json:"in"`
	Outbound []string `json:"out"`
}

type handlerPayload struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
	When   string            `json:"when,omitempty"`
}

type policyDetail struct {
	Name     string           `json:"name"`
	Target   string           `json:"target"`
	Endpoint string           `json:"endpoint"`
	Inbound  []handlerPayload `json:"in"`
	Outbound []handlerPayload `json:"out"`
}

type referencedHandler struct {
	Name  string `json:"name"`
	Known bool   `json:"known"`
}

func encodePolicies(t *policy.Table) []policySummary {
	names := t.Names()
	result := make([]policySummary, 0, len(names))
	for _, name := range names {
		p, _ := t.Lookup(name)
		result = append(result, policySummary{
			Name:     p.Name,
			Target:   p.Target,
			Endpoint: p.Endpoint,
			Inbound:  handlerNames(p.Inbound),
			Outbound: handlerNames(p.Outbound),
		})
	}
	return result
}

func encodePolicyDetail(p *policy.Policy) policyDetail {
	return policyDetail{
		Name:     p.Name,
		Target:   p.Target,
		Endpoint: p.Endpoint,
		Inbound:  encodeHandlers(p.Inbound),
		Outbound: encodeHandlers(p.Outbound),
	}
}

func encodeHandlers(chain []policy.HandlerConfig) []handlerPayload {
	result := make([]handlerPayload, 0, len(chain))
	for _, hc := range chain {
		result = append(result, handlerPayload{
			Name:   hc.Name,
			Params: hc.Params,
			When:   hc.When.String(),
		})
	}
	return result
}

func handlerNames(chain []policy.HandlerConfig) []string {
	result := make([]string, 0, len(chain))
	for _, hc := range chain {
		result = append(result, hc.Name)
	}
	return result
}

// encodeReferenced 列出策略引用的 handler 是否能被解析，便于发现拼写错误。
func encodeReferenced(t *policy.Table, registry *plugin.Registry) []referencedHandler {
	names := t.HandlerNames()
	result := make([]referencedHandler, 0, len(names))
	for _, name := range names {
		result = append(result, referencedHandler{Name: name, Known: registry.Known(name)})
	}
	return result
}
