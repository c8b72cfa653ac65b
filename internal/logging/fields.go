package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 policy/request_id 字段，供网关请求日志复用。
func RequestFields(policy, requestID string) logrus.Fields {
	fields := logrus.Fields{
		"policy": policy,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}

// HandlerFields 在请求字段基础上追加 handler 与阶段信息。
func HandlerFields(policy, requestID, handler, stage string) logrus.Fields {
	fields := RequestFields(policy, requestID)
	fields["handler"] = handler
	fields["stage"] = stage
	return fields
}
