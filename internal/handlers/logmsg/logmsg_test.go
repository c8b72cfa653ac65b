package logmsg

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/policy-gateway/internal/plugin"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	captured := logrus.New()
	captured.SetOutput(buf)
	captured.SetFormatter(&logrus.JSONFormatter{})
	captured.SetLevel(logrus.DebugLevel)

	previous := logger
	logger = captured
	t.Cleanup(func() { logger = previous })
	return buf
}

func TestLogmsgWritesStructuredLine(t *testing.T) {
	buf := captureLogs(t)
	call := &plugin.Call{
		Handler:   Name,
		Stage:     plugin.StageOutbound,
		Policy:    "echo",
		RequestID: "req-1",
		Params:    map[string]string{"message": "saw response", "level": "warn", "team": "payments"},
		Status:    200,
		Body:      []byte("pong"),
	}
	if out := invoke(context.Background(), call); out.Verdict != plugin.VerdictContinue {
		t.Fatalf("logmsg 只会放行，得到 %s", out.Verdict)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("日志应为 JSON: %v (%s)", err, buf.String())
	}
	if entry["msg"] != "saw response" || entry["level"] != "warning" {
		t.Fatalf("消息或级别不正确: %v", entry)
	}
	if entry["policy"] != "echo" || entry["request_id"] != "req-1" || entry["stage"] != "outbound" {
		t.Fatalf("缺少请求字段: %v", entry)
	}
	if entry["param_team"] != "payments" || entry["body_bytes"] != float64(4) {
		t.Fatalf("缺少参数或出站字段: %v", entry)
	}
}

func TestLogmsgDefaultsToInfo(t *testing.T) {
	buf := captureLogs(t)
	invoke(context.Background(), &plugin.Call{Handler: Name, Stage: plugin.StageInbound, Params: map[string]string{"level": "chatty"}})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("日志应为 JSON: %v", err)
	}
	if entry["msg"] != "handler_invoked" || entry["level"] != "info" {
		t.Fatalf("默认消息或级别不正确: %v", entry)
	}
}
