// Package handlers 汇总编译期内置的 handler，每个子包在 init() 中通过
// plugin.MustRegisterBuiltin 注册，入口只需空白导入即可启用：
//
//	import _ "github.com/any-hub/policy-gateway/internal/handlers/auth"
//
// 内置 handler 与 [[Plugin]] 白名单中的插件同名时，以白名单为准。
package handlers
