package routes

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/policy-gateway/internal/metrics"
	"github.com/any-hub/policy-gateway/internal/plugin"
	"github.com/any-hub/policy-gateway/internal/policy"
)

const diagnosticsPolicies = `
- name: echo
  target: http://localhost:9000
  endpoint: ping
- name: guarded
  in:
    - name: auth
      params: {token: x}
      when: request.method == "GET"
  out:
    - name: logmsg
  target: http://localhost:9000
`

func newDiagnosticsApp(t *testing.T, m *metrics.Metrics) *fiber.App {
	t.Helper()
	table, err := policy.Parse([]byte(diagnosticsPolicies))
	if err != nil {
		t.Fatalf("Parse 返回错误: %v", err)
	}
	app := fiber.New()
	RegisterDiagnosticsRoutes(app, Diagnostics{
		Store:   policy.NewStore(table),
		Plugins: plugin.NewRegistry(nil),
		Metrics: m,
		Started: time.Now(),
	})
	return app
}

func getJSON(t *testing.T, app *fiber.App, path string) (int, map[string]any) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("解析 %s 响应失败: %v", path, err)
	}
	return resp.StatusCode, payload
}

func TestHealthzReportsSnapshot(t *testing.T) {
	status, payload := getJSON(t, newDiagnosticsApp(t, nil), "/-/healthz")
	if status != http.StatusOK || payload["status"] != "ok" {
		t.Fatalf("healthz 响应异常: %d %v", status, payload)
	}
	if payload["policies"] != float64(2) {
		t.Fatalf("应报告 2 条策略，得到 %v", payload["policies"])
	}
}

func TestPoliciesListSorted(t *testing.T) {
	_, payload := getJSON(t, newDiagnosticsApp(t, nil), "/-/policies")
	list, ok := payload["policies"].([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("期望 2 条策略，得到 %v", payload["policies"])
	}
	first := list[0].(map[string]any)
	second := list[1].(map[string]any)
	if first["name"] != "echo" || second["name"] != "guarded" {
		t.Fatalf("策略应按名称排序: %v", list)
	}
	if in := second["in"].([]any); len(in) != 1 || in[0] != "auth" {
		t.Fatalf("guarded 入站链不正确: %v", second["in"])
	}
	if payload["source"] != policy.SourceInline {
		t.Fatalf("source 应为 inline，得到 %v", payload["source"])
	}
}

func TestPolicyDetail(t *testing.T) {
	app := newDiagnosticsApp(t, nil)
	status, payload := getJSON(t, app, "/-/policies/guarded")
	if status != http.StatusOK {
		t.Fatalf("expected 200 status, got %d", status)
	}
	in := payload["in"].([]any)[0].(map[string]any)
	if in["when"] != `request.method == "GET"` {
		t.Fatalf("应返回条件表达式: %v", in)
	}
	if in["params"].(map[string]any)["token"] != "x" {
		t.Fatalf("应返回参数: %v", in)
	}

	status, payload = getJSON(t, app, "/-/policies/missing")
	if status != http.StatusNotFound || payload["error"] != "policy_not_found" {
		t.Fatalf("未知策略应返回 404: %d %v", status, payload)
	}
}

func TestPluginsReportReferencedHandlers(t *testing.T) {
	_, payload := getJSON(t, newDiagnosticsApp(t, nil), "/-/plugins")
	referenced, ok := payload["referenced"].([]any)
	if !ok || len(referenced) != 2 {
		t.Fatalf("应列出 auth 与 logmsg: %v", payload["referenced"])
	}
	for _, item := range referenced {
		entry := item.(map[string]any)
		// 本测试未导入内置 handler 包，两者都应是未知
		if entry["known"] != false {
			t.Fatalf("%v 不应被识别", entry["name"])
		}
	}
	if payload["load_count"] != float64(0) {
		t.Fatalf("诊断接口不应触发加载: %v", payload["load_count"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.ObserveRequest("echo", "ok", 5*time.Millisecond)
	app := newDiagnosticsApp(t, m)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/-/metrics", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 status, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `policy_gateway_requests_total{policy="echo",result="ok"} 1`) {
		t.Fatalf("metrics 输出缺少 requests_total: %s", body)
	}
}

func TestMetricsEndpointDisabled(t *testing.T) {
	resp, err := newDiagnosticsApp(t, nil).Test(httptest.NewRequest(http.MethodGet, "/-/metrics", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("未启用 metrics 时应返回 404，得到 %d", resp.StatusCode)
	}
}
