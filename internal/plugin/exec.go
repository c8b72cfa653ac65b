package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	// execMaxOutput 限制子进程 stdout/stderr 的读取量。
	execMaxOutput = 1 << 20
	// execWaitDelay 是 ctx 取消后等待子进程释放管道的上限。
	execWaitDelay = time.Second
)

// execRequest 通过 stdin 以单个 JSON 对象发送给子进程。
type execRequest struct {
	Handler   string            `json:"handler"`
	Stage     Stage             `json:"stage"`
	Policy    string            `json:"policy"`
	RequestID string            `json:"request_id,omitempty"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Params    map[string]string `json:"params"`
	Headers   map[string]string `json:"headers"`
	Status    int               `json:"status,omitempty"`
}

// execReply 是子进程写到 stdout 的 JSON；stdout 为空视为放行。
type execReply struct {
	Outcome    string            `json:"outcome"`
	Reason     string            `json:"reason"`
	Status     int               `json:"status"`
	SetHeaders map[string]string `json:"set_headers"`
}

// checkExecutable 在加载期确认路径是可执行的普通文件。
func checkExecutable(name, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &PluginError{Kind: LoadFailure, Handler: name, Path: path, Err: err}
	}
	if !info.Mode().IsRegular() {
		return &PluginError{Kind: LoadFailure, Handler: name, Path: path, Err: errors.New("not a regular file")}
	}
	if info.Mode().Perm()&0o111 == 0 {
		return &PluginError{Kind: LoadFailure, Handler: name, Path: path, Err: errors.New("not executable")}
	}
	return nil
}

func openExec(name, path string) (invokeFunc, error) {
	if err := checkExecutable(name, path); err != nil {
		return nil, err
	}
	return func(ctx context.Context, call *Call) (Outcome, error) {
		return runExec(ctx, name, path, call)
	}, nil
}

// runExec 每次调用启动一个子进程，handler 故障只会影响该子进程。
func runExec(ctx context.Context, name, path string, call *Call) (Outcome, error) {
	payload, err := json.Marshal(execRequest{
		Handler:   call.Handler,
		Stage:     call.Stage,
		Policy:    call.Policy,
		RequestID: call.RequestID,
		Method:    call.Method,
		Path:      call.Path,
		Params:    call.Params,
		Headers:   flattenHeader(call.Header),
		Status:    call.Status,
	})
	if err != nil {
		return Outcome{}, &ExecutionError{Handler: name, Err: fmt.Errorf("encode request: %w", err)}
	}

	cmd := exec.CommandContext(ctx, path)
	cmd.Stdin = bytes.NewReader(payload)
	stdout := &limitedBuffer{max: execMaxOutput}
	stderr := &limitedBuffer{max: execMaxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"POLICY_GATEWAY_HANDLER=" + name,
	}
	cmd.WaitDelay = execWaitDelay

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{}, ctxErr
		}
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			err = fmt.Errorf("%w: %s", err, detail)
		}
		return Outcome{}, &ExecutionError{Handler: name, Err: err}
	}
	if stdout.overflow {
		return Outcome{}, &ExecutionError{Handler: name, Err: errors.New("reply exceeds size limit")}
	}

	raw := bytes.TrimSpace(stdout.Bytes())
	if len(raw) == 0 {
		return Continue(), nil
	}
	var reply execReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return Outcome{}, &ExecutionError{Handler: name, Err: fmt.Errorf("decode reply: %w", err)}
	}
	out := outcomeFromKeyword(reply.Outcome, reply.Reason, reply.Status)
	out.SetHeaders = reply.SetHeaders
	return out, nil
}

func flattenHeader(h map[string][]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// limitedBuffer 超过上限后丢弃写入并记录溢出，避免失控进程撑爆内存。
type limitedBuffer struct {
	bytes.Buffer
	max      int
	overflow bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if remaining := b.max - b.Len(); remaining < len(p) {
		b.overflow = true
		if remaining > 0 {
			b.Buffer.Write(p[:remaining])
		}
		return len(p), nil
	}
	return b.Buffer.Write(p)
}
