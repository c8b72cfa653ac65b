// Package logmsg 把一次 handler 调用写成结构化日志，常用于排查链路。
package logmsg

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/policy-gateway/internal/logging"
	"github.com/any-hub/policy-gateway/internal/plugin"
)

// Name 是策略文件中引用的 handler 名称。
const Name = "logmsg"

var logger = logrus.StandardLogger()

func init() {
	plugin.MustRegisterBuiltin(Name, plugin.HandlerFunc(invoke))
}

// invoke 输出 params.message（默认 "handler_invoked"），级别取自 params.level。
func invoke(_ context.Context, call *plugin.Call) plugin.Outcome {
	fields := logging.HandlerFields(call.Policy, call.RequestID, call.Handler, string(call.Stage))
	fields["action"] = "logmsg"
	fields["method"] = call.Method
	fields["path"] = call.Path
	if call.Stage == plugin.StageOutbound {
		fields["upstream_status"] = call.Status
		fields["body_bytes"] = len(call.Body)
	}
	for key, value := range call.Params {
		if key == "message" || key == "level" {
			continue
		}
		fields["param_"+key] = value
	}

	message := call.Param("message")
	if message == "" {
		message = "handler_invoked"
	}
	level, err := logrus.ParseLevel(call.Param("level"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.WithFields(fields).Log(level, message)
	return plugin.Continue()
}
