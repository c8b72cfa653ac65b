package plugin

import "net/http"

// Response 是上游响应的完整快照。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Exchange 是单个请求在整条流水线上的可变状态，只属于处理该请求的 goroutine。
// handler 拿到的是 Call 拷贝，对 Exchange 的修改只经由执行器合并 Outcome 完成。
type Exchange struct {
	RequestID string
	Policy    string
	Method    string
	Path      string
	ClientIP  string
	Host      string
	Scheme    string

	// Header 是客户端原始请求头，只读。
	Header http.Header
	// UpstreamHeader 是发往上游的额外请求头，由入站 handler 填充。
	UpstreamHeader http.Header
	// Response 在转发成功后可用。
	Response *Response
}

// NewExchange 创建 Exchange 并初始化头部容器。
func NewExchange(requestID, policy, method, path string, header http.Header) *Exchange {
	if header == nil {
		header = http.Header{}
	}
	return &Exchange{
		RequestID:      requestID,
		Policy:         policy,
		Method:         method,
		Path:           path,
		Header:         header,
		UpstreamHeader: http.Header{},
	}
}

// NewCall 为一次 handler 调用构造只读视图。
func (ex *Exchange) NewCall(handler string, stage Stage, params map[string]string) *Call {
	call := &Call{
		Handler:   handler,
		Stage:     stage,
		Params:    copyParams(params),
		RequestID: ex.RequestID,
		Policy:    ex.Policy,
		Method:    ex.Method,
		Path:      ex.Path,
		Header:    ex.Header.Clone(),
	}
	if stage == StageOutbound && ex.Response != nil {
		call.Status = ex.Response.Status
		call.ResponseHeader = ex.Response.Header.Clone()
		call.Body = ex.Response.Body
	}
	return call
}

// Apply 将 handler 返回的头部合并到当前阶段对应的位置。
func (ex *Exchange) Apply(stage Stage, headers map[string]string) {
	if len(headers) == 0 {
		return
	}
	target := ex.UpstreamHeader
	if stage == StageOutbound {
		if ex.Response == nil {
			return
		}
		if ex.Response.Header == nil {
			ex.Response.Header = http.Header{}
		}
		target = ex.Response.Header
	}
	if target == nil {
		target = http.Header{}
		ex.UpstreamHeader = target
	}
	for k, v := range headers {
		target.Set(k, v)
	}
}

// FlatHeader 返回每个头部的首个值，键为规范化形式。
func (ex *Exchange) FlatHeader() map[string]string {
	out := make(map[string]string, len(ex.Header))
	for k, v := range ex.Header {
		if len(v) > 0 {
			out[http.CanonicalHeaderKey(k)] = v[0]
		}
	}
	return out
}
