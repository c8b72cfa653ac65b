package gateway

// State 是请求在流水线上的位置。
type State int

const (
	Received State = iota
	PolicyResolving
	InboundProcessing
	Rejected
	Forwarding
	OutboundProcessing
	Completed
	Errored
)

func (s State) String() string {
	switch s {
	case Received:
		return "received"
	case PolicyResolving:
		return "policy_resolving"
	case InboundProcessing:
		return "inbound_processing"
	case Rejected:
		return "rejected"
	case Forwarding:
		return "forwarding"
	case OutboundProcessing:
		return "outbound_processing"
	case Completed:
		return "completed"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// 错误码与 HTTP 响应体中的 error 字段一致。
const (
	CodePolicyNotFound         = "policy_not_found"
	CodeRequestRejected        = "request_rejected"
	CodeResponseRejected       = "response_rejected"
	CodePluginLoadFailed       = "plugin_load_failed"
	CodePluginSymbolNotFound   = "plugin_symbol_not_found"
	CodeHandlerNotRegistered   = "handler_not_registered"
	CodeHandlerExecutionFailed = "handler_execution_failed"
	CodeHandlerTimeout         = "handler_timeout"
	CodeUpstreamTimeout        = "upstream_timeout"
	CodeUpstreamUnreachable    = "upstream_unreachable"
	CodeUpstreamBadResponse    = "upstream_bad_response"
	CodeRequestCanceled        = "request_canceled"
)
