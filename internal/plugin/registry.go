package plugin

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/policy-gateway/internal/config"
	"github.com/any-hub/policy-gateway/internal/metrics"
)

// invokeFunc 是 handler 的统一调用入口；error 表示执行层故障而非业务结果。
type invokeFunc func(ctx context.Context, call *Call) (Outcome, error)

// Handle 持有某个 handler 名称已解析的实现，一旦创建即常驻。
type Handle struct {
	Name     string
	Kind     Kind
	Path     string
	LoadedAt time.Time

	invoke invokeFunc
}

// HandlerStatus 用于诊断接口。
type HandlerStatus struct {
	Name     string `json:"name"`
	Kind     Kind   `json:"kind"`
	Path     string `json:"path,omitempty"`
	Loaded   bool   `json:"loaded"`
	LoadedAt string `json:"loaded_at,omitempty"`
}

// Option 调整 Registry 行为。
type Option func(*Registry)

// WithLogger 指定日志输出。
func WithLogger(logger *logrus.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics 指定指标上报。
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// Registry 按名称缓存 Handle：命中走无锁读，未命中时 singleflight 合并并发加载。
// 失败不缓存，后续请求可以重试。
type Registry struct {
	manifest map[string]config.PluginConfig
	handles  sync.Map
	group    singleflight.Group
	loads    atomic.Int64
	logger   *logrus.Logger
	metrics  *metrics.Metrics

	openNative func(name, path, symbol string) (invokeFunc, error)
	openExec   func(name, path string) (invokeFunc, error)
}

// NewRegistry 以配置中的插件白名单创建 Registry。
func NewRegistry(manifest []config.PluginConfig, opts ...Option) *Registry {
	r := &Registry{
		manifest:   make(map[string]config.PluginConfig, len(manifest)),
		logger:     logrus.StandardLogger(),
		openNative: openNative,
		openExec:   openExec,
	}
	for _, p := range manifest {
		r.manifest[normalizeName(p.Name)] = p
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Known 判断名称能否被解析（白名单或内置），不会触发加载。
func (r *Registry) Known(name string) bool {
	key := normalizeName(name)
	if _, ok := r.manifest[key]; ok {
		return true
	}
	_, ok := LookupBuiltin(key)
	return ok
}

// Resolve 返回 handler 对应的 Handle，必要时加载。
func (r *Registry) Resolve(name string) (*Handle, error) {
	key := normalizeName(name)
	if value, ok := r.handles.Load(key); ok {
		return value.(*Handle), nil
	}

	value, err, _ := r.group.Do(key, func() (any, error) {
		if value, ok := r.handles.Load(key); ok {
			return value, nil
		}
		handle, err := r.load(key)
		if err != nil {
			return nil, err
		}
		r.handles.Store(key, handle)
		r.loads.Add(1)
		return handle, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*Handle), nil
}

// load 按白名单优先、内置其次的顺序解析实现。
func (r *Registry) load(key string) (*Handle, error) {
	var (
		handle *Handle
		err    error
		kind   Kind
	)
	if entry, ok := r.manifest[key]; ok {
		handle, err = r.loadManifest(key, entry)
		kind = Kind(entry.Kind)
	} else if builtin, ok := LookupBuiltin(key); ok {
		kind = KindBuiltin
		handle = &Handle{
			Name:     key,
			Kind:     KindBuiltin,
			LoadedAt: time.Now().UTC(),
			invoke: func(ctx context.Context, call *Call) (Outcome, error) {
				return builtin.Invoke(ctx, call), nil
			},
		}
	} else {
		kind = "unknown"
		err = &PluginError{Kind: UnknownHandler, Handler: key}
	}

	r.metrics.ObservePluginLoad(key, string(kind), err)
	fields := logrus.Fields{"action": "plugin_load", "handler": key, "kind": kind}
	if err != nil {
		r.logger.WithFields(fields).WithError(err).Warn("plugin_load_failed")
		return nil, err
	}
	if handle.Path != "" {
		fields["path"] = handle.Path
	}
	r.logger.WithFields(fields).Info("plugin_loaded")
	return handle, nil
}

func (r *Registry) loadManifest(key string, entry config.PluginConfig) (*Handle, error) {
	var (
		fn  invokeFunc
		err error
	)
	switch Kind(entry.Kind) {
	case KindNative:
		fn, err = r.openNative(key, entry.Path, entry.Symbol)
	case KindExec:
		fn, err = r.openExec(key, entry.Path)
	default:
		err = &PluginError{Kind: LoadFailure, Handler: key, Path: entry.Path, Err: fmt.Errorf("unsupported kind %q", entry.Kind)}
	}
	if err != nil {
		var pluginErr *PluginError
		if !errors.As(err, &pluginErr) {
			err = &PluginError{Kind: LoadFailure, Handler: key, Path: entry.Path, Err: err}
		}
		return nil, err
	}
	return &Handle{
		Name:     key,
		Kind:     Kind(entry.Kind),
		Path:     entry.Path,
		LoadedAt: time.Now().UTC(),
		invoke:   fn,
	}, nil
}

// Invoke 在 recover 保护下调用 handler，panic 转换为 ExecutionError。
// ctx 取消或超时时原样返回 ctx 的错误，由调用方区分。
func (r *Registry) Invoke(ctx context.Context, h *Handle, call *Call) (out Outcome, err error) {
	if h == nil || h.invoke == nil {
		return Outcome{}, errors.New("plugin: invoke on unresolved handle")
	}
	if call == nil {
		call = &Call{Handler: h.Name}
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithFields(logrus.Fields{
				"action":  "handler_panic",
				"handler": h.Name,
				"kind":    h.Kind,
				"stack":   string(debug.Stack()),
			}).Errorf("handler panic: %v", rec)
			out = Outcome{}
			err = &ExecutionError{Handler: h.Name, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	return h.invoke(ctx, call)
}

// LoadCount 返回成功加载的 Handle 数量。
func (r *Registry) LoadCount() int64 {
	return r.loads.Load()
}

// Status 汇总白名单与内置 handler 的加载状态。
func (r *Registry) Status() []HandlerStatus {
	seen := make(map[string]HandlerStatus)
	for key, entry := range r.manifest {
		seen[key] = HandlerStatus{Name: key, Kind: Kind(entry.Kind), Path: entry.Path}
	}
	for _, name := range BuiltinNames() {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = HandlerStatus{Name: name, Kind: KindBuiltin}
	}
	r.handles.Range(func(key, value any) bool {
		handle := value.(*Handle)
		status := seen[key.(string)]
		status.Name = handle.Name
		status.Kind = handle.Kind
		status.Loaded = true
		status.LoadedAt = handle.LoadedAt.Format(time.RFC3339)
		seen[key.(string)] = status
		return true
	})

	out := make([]HandlerStatus, 0, len(seen))
	for _, status := range seen {
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
