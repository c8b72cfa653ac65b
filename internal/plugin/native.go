package plugin

import (
	"context"
	"fmt"
	goplugin "plugin"
	"strings"
	"unicode"
)

// 老式插件只导出 func(map[string]string)，没有返回值，调用后一律视为放行。
type legacyEntry func(map[string]string)

// 新式插件返回 (outcome, reason)，outcome 取 continue|reject|error。
type verdictEntry func(map[string]string) (string, string)

// DefaultSymbol 由 handler 名推导入口符号：auth -> ExecuteAuth，rate_limit -> ExecuteRateLimit。
func DefaultSymbol(name string) string {
	var b strings.Builder
	b.WriteString("Execute")
	for _, part := range strings.FieldsFunc(name, func(r rune) bool { return r == '_' || r == '-' }) {
		runes := []rune(part)
		runes[0] = unicode.ToUpper(runes[0])
		b.WriteString(string(runes))
	}
	return b.String()
}

// openNative 打开 Go plugin 并解析入口符号。
// 已加载的 .so 无法卸载，Handle 在进程生命周期内常驻。
func openNative(name, path, symbol string) (invokeFunc, error) {
	if symbol == "" {
		symbol = DefaultSymbol(name)
	}
	p, err := goplugin.Open(path)
	if err != nil {
		return nil, &PluginError{Kind: LoadFailure, Handler: name, Path: path, Err: err}
	}
	sym, err := p.Lookup(symbol)
	if err != nil {
		return nil, &PluginError{Kind: SymbolNotFound, Handler: name, Path: path, Err: err}
	}
	entry, err := adaptSymbol(sym)
	if err != nil {
		return nil, &PluginError{Kind: SymbolNotFound, Handler: name, Path: path, Err: fmt.Errorf("%s: %w", symbol, err)}
	}
	return entry, nil
}

// adaptSymbol 接受函数或指向函数变量的指针。
func adaptSymbol(sym any) (invokeFunc, error) {
	switch fn := sym.(type) {
	case func(map[string]string):
		return legacyEntry(fn).invoke, nil
	case *func(map[string]string):
		if fn == nil || *fn == nil {
			return nil, fmt.Errorf("nil function variable")
		}
		return legacyEntry(*fn).invoke, nil
	case func(map[string]string) (string, string):
		return verdictEntry(fn).invoke, nil
	case *func(map[string]string) (string, string):
		if fn == nil || *fn == nil {
			return nil, fmt.Errorf("nil function variable")
		}
		return verdictEntry(*fn).invoke, nil
	default:
		return nil, fmt.Errorf("unsupported entry point signature %T", sym)
	}
}

func (fn legacyEntry) invoke(_ context.Context, call *Call) (Outcome, error) {
	fn(copyParams(call.Params))
	return Continue(), nil
}

func (fn verdictEntry) invoke(_ context.Context, call *Call) (Outcome, error) {
	keyword, reason := fn(copyParams(call.Params))
	return outcomeFromKeyword(keyword, reason, 0), nil
}

// outcomeFromKeyword 把插件返回的关键字转换为 Outcome，未知关键字按 Error 处理。
func outcomeFromKeyword(keyword, reason string, status int) Outcome {
	switch strings.ToLower(strings.TrimSpace(keyword)) {
	case "", "continue":
		return Continue()
	case "reject":
		return RejectWithStatus(status, reason)
	case "error":
		return Failed(reason)
	default:
		return Failed(fmt.Sprintf("unknown outcome %q", keyword))
	}
}

func copyParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
