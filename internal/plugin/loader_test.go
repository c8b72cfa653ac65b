package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/any-hub/policy-gateway/internal/config"
)

func TestDefaultSymbol(t *testing.T) {
	testCases := map[string]string{
		"auth":       "ExecuteAuth",
		"rate_limit": "ExecuteRateLimit",
		"add-header": "ExecuteAddHeader",
		"a__b":       "ExecuteAB",
	}
	for name, want := range testCases {
		if got := DefaultSymbol(name); got != want {
			t.Fatalf("DefaultSymbol(%q) = %q，期望 %q", name, got, want)
		}
	}
}

func TestAdaptSymbolShapes(t *testing.T) {
	var seen map[string]string
	legacy := func(params map[string]string) { seen = params }
	fn, err := adaptSymbol(legacy)
	if err != nil {
		t.Fatalf("legacy 签名应被接受: %v", err)
	}
	out, err := fn(context.Background(), &Call{Params: map[string]string{"token": "x"}})
	if err != nil || out.Verdict != VerdictContinue {
		t.Fatalf("legacy 入口应恒为 Continue: %+v %v", out, err)
	}
	if seen["token"] != "x" {
		t.Fatalf("参数应传给插件: %v", seen)
	}

	verdict := func(params map[string]string) (string, string) {
		if params["token"] != "secret" {
			return "reject", "bad token"
		}
		return "continue", ""
	}
	fn, err = adaptSymbol(&verdict)
	if err != nil {
		t.Fatalf("指向函数变量的指针应被接受: %v", err)
	}
	out, _ = fn(context.Background(), &Call{Params: map[string]string{"token": "x"}})
	if out.Verdict != VerdictReject || out.Reason != "bad token" {
		t.Fatalf("应返回 Reject: %+v", out)
	}

	if _, err := adaptSymbol(func(string) error { return nil }); err == nil {
		t.Fatalf("不支持的签名应报错")
	}
}

func TestOutcomeFromKeyword(t *testing.T) {
	if out := outcomeFromKeyword("", "", 0); out.Verdict != VerdictContinue {
		t.Fatalf("空关键字应视为 Continue")
	}
	if out := outcomeFromKeyword("REJECT", "no", 401); out.Verdict != VerdictReject || out.Status != 401 {
		t.Fatalf("reject 应保留状态码: %+v", out)
	}
	if out := outcomeFromKeyword("maybe", "", 0); out.Verdict != VerdictError || !strings.Contains(out.Reason, "maybe") {
		t.Fatalf("未知关键字应视为 Error: %+v", out)
	}
}

func TestNativeMissingFileIsLoadFailure(t *testing.T) {
	r := newTestRegistry([]config.PluginConfig{{
		Name: "native_missing",
		Kind: config.PluginKindNative,
		Path: filepath.Join(t.TempDir(), "missing.so"),
	}})
	_, err := r.Resolve("native_missing")
	if !errors.Is(err, ErrLoadFailure) {
		t.Fatalf("缺失的 .so 应返回 ErrLoadFailure，得到 %v", err)
	}
}

func TestNativeSymbolNotFound(t *testing.T) {
	r := newTestRegistry([]config.PluginConfig{{Name: "native_nosym", Kind: config.PluginKindNative, Path: "/opt/plugins/nosym.so"}})
	r.openNative = func(name, path, symbol string) (invokeFunc, error) {
		return nil, &PluginError{Kind: SymbolNotFound, Handler: name, Path: path, Err: errors.New(DefaultSymbol(name))}
	}
	_, err := r.Resolve("native_nosym")
	if !errors.Is(err, ErrSymbolNotFound) {
		t.Fatalf("期望 ErrSymbolNotFound，得到 %v", err)
	}
	if !strings.Contains(err.Error(), "ExecuteNativeNosym") {
		t.Fatalf("错误信息应包含符号名: %v", err)
	}
}

func TestExecHandlerOutcomes(t *testing.T) {
	skipWithoutShell(t)

	rejecter := writeScript(t, "auth", `#!/bin/sh
if grep -q '"token":"x"'; then
  echo '{"outcome":"reject","reason":"token revoked","status":401}'
else
  echo '{"outcome":"continue","set_headers":{"X-Checked":"yes"}}'
fi
`)
	silent := writeScript(t, "audit", "#!/bin/sh\ncat > /dev/null\n")

	r := newTestRegistry([]config.PluginConfig{
		{Name: "auth", Kind: config.PluginKindExec, Path: rejecter},
		{Name: "audit", Kind: config.PluginKindExec, Path: silent},
	})

	h, err := r.Resolve("auth")
	if err != nil {
		t.Fatalf("Resolve 返回错误: %v", err)
	}
	out, err := r.Invoke(context.Background(), h, &Call{Handler: "auth", Stage: StageInbound, Params: map[string]string{"token": "x"}})
	if err != nil {
		t.Fatalf("Invoke 返回错误: %v", err)
	}
	if out.Verdict != VerdictReject || out.Status != 401 || out.Reason != "token revoked" {
		t.Fatalf("应返回 Reject(401): %+v", out)
	}

	out, err = r.Invoke(context.Background(), h, &Call{Handler: "auth", Params: map[string]string{"token": "ok"}})
	if err != nil || out.Verdict != VerdictContinue || out.SetHeaders["X-Checked"] != "yes" {
		t.Fatalf("应返回 Continue 并附带 header: %+v %v", out, err)
	}

	h, err = r.Resolve("audit")
	if err != nil {
		t.Fatalf("Resolve 返回错误: %v", err)
	}
	out, err = r.Invoke(context.Background(), h, &Call{Handler: "audit"})
	if err != nil || out.Verdict != VerdictContinue {
		t.Fatalf("无输出的插件应视为 Continue: %+v %v", out, err)
	}
}

func TestExecHandlerFailuresAreIsolated(t *testing.T) {
	skipWithoutShell(t)

	crash := writeScript(t, "crash", "#!/bin/sh\necho 'segfault simulated' >&2\nexit 3\n")
	garbage := writeScript(t, "garbage", "#!/bin/sh\necho 'not json'\n")

	r := newTestRegistry([]config.PluginConfig{
		{Name: "crash", Kind: config.PluginKindExec, Path: crash},
		{Name: "garbage", Kind: config.PluginKindExec, Path: garbage},
	})

	for _, name := range []string{"crash", "garbage"} {
		h, err := r.Resolve(name)
		if err != nil {
			t.Fatalf("Resolve(%s) 返回错误: %v", name, err)
		}
		_, err = r.Invoke(context.Background(), h, &Call{Handler: name})
		var execErr *ExecutionError
		if !errors.As(err, &execErr) {
			t.Fatalf("%s 应返回 ExecutionError，得到 %v", name, err)
		}
	}
}

func TestExecHandlerHonoursContext(t *testing.T) {
	skipWithoutShell(t)

	slow := writeScript(t, "slow", "#!/bin/sh\nexec sleep 5\n")
	r := newTestRegistry([]config.PluginConfig{{Name: "slow", Kind: config.PluginKindExec, Path: slow}})
	h, err := r.Resolve("slow")
	if err != nil {
		t.Fatalf("Resolve 返回错误: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = r.Invoke(ctx, h, &Call{Handler: "slow"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("超时应返回 DeadlineExceeded，得到 %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("超时后应尽快返回，耗时 %s", time.Since(start))
	}
}

func TestExecRejectsNonExecutable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o600); err != nil {
		t.Fatalf("写入文件失败: %v", err)
	}
	if err := checkExecutable("plain", path); !errors.Is(err, ErrLoadFailure) {
		t.Fatalf("不可执行文件应返回 ErrLoadFailure，得到 %v", err)
	}
	if err := checkExecutable("dir", t.TempDir()); !errors.Is(err, ErrLoadFailure) {
		t.Fatalf("目录应返回 ErrLoadFailure，得到 %v", err)
	}
}

func TestLimitedBufferOverflow(t *testing.T) {
	b := &limitedBuffer{max: 4}
	n, err := b.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("Write 应吞掉全部输入: n=%d err=%v", n, err)
	}
	if !b.overflow || b.String() != "abcd" {
		t.Fatalf("应截断并标记溢出: %q overflow=%v", b.String(), b.overflow)
	}
}

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("exec 插件测试依赖 /bin/sh")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("缺少 /bin/sh")
	}
}

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("写入脚本失败: %v", err)
	}
	return path
}
