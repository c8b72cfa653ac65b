// Package headers 按 params 注入头部：入站阶段写入发往上游的请求头，
// 出站阶段写入返回给客户端的响应头。
package headers

import (
	"context"
	"net/http"
	"strings"

	"github.com/any-hub/policy-gateway/internal/plugin"
)

// Name 是策略文件中引用的 handler 名称。
const Name = "headers"

// SetPrefix 标记需要注入的头部，例如 "set.X-Tenant": "acme"。
const SetPrefix = "set."

func init() {
	plugin.MustRegisterBuiltin(Name, plugin.HandlerFunc(invoke))
}

func invoke(_ context.Context, call *plugin.Call) plugin.Outcome {
	set := make(map[string]string)
	for key, value := range call.Params {
		if !strings.HasPrefix(key, SetPrefix) {
			continue
		}
		name := strings.TrimSpace(strings.TrimPrefix(key, SetPrefix))
		if name == "" {
			continue
		}
		set[http.CanonicalHeaderKey(name)] = value
	}
	if len(set) == 0 {
		return plugin.Continue()
	}
	return plugin.ContinueWithHeaders(set)
}
