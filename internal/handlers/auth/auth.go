// Package auth 提供基于共享令牌的入站鉴权 handler。
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/any-hub/policy-gateway/internal/plugin"
)

// Name 是策略文件中引用的 handler 名称。
const Name = "auth"

func init() {
	plugin.MustRegisterBuiltin(Name, plugin.HandlerFunc(invoke))
}

// invoke 比较 params.token 与请求携带的令牌。
// 令牌缺失返回 401，不匹配返回 403；未配置 token 视为配置错误。
func invoke(_ context.Context, call *plugin.Call) plugin.Outcome {
	expected := call.Param("token")
	if expected == "" {
		return plugin.Failed("auth: params.token 未配置")
	}
	if call.Stage != plugin.StageInbound {
		return plugin.Continue()
	}
	presented := presentedToken(call.Header)
	if presented == "" {
		return plugin.RejectWithStatus(http.StatusUnauthorized, "missing credentials")
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
		return plugin.RejectWithStatus(http.StatusForbidden, "invalid credentials")
	}
	return plugin.Continue()
}

func presentedToken(header http.Header) string {
	if header == nil {
		return ""
	}
	if raw := strings.TrimSpace(header.Get("Authorization")); raw != "" {
		scheme, token, ok := strings.Cut(raw, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return strings.TrimSpace(header.Get("X-Auth-Token"))
}
