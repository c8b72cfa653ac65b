package plugin

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var builtins sync.Map

// ErrDuplicateBuiltin 表示同名内置 handler 已注册。
var ErrDuplicateBuiltin = errors.New("builtin handler already registered")

// RegisterBuiltin 注册编译进二进制的 handler，通常在 init() 中调用。
func RegisterBuiltin(name string, h Handler) error {
	key := normalizeName(name)
	if key == "" {
		return errors.New("handler name required")
	}
	if h == nil {
		return errors.New("handler implementation required")
	}
	if _, loaded := builtins.LoadOrStore(key, h); loaded {
		return ErrDuplicateBuiltin
	}
	return nil
}

// MustRegisterBuiltin 注册失败时 panic。
func MustRegisterBuiltin(name string, h Handler) {
	if err := RegisterBuiltin(name, h); err != nil {
		panic(err)
	}
}

// LookupBuiltin 查询内置 handler。
func LookupBuiltin(name string) (Handler, bool) {
	key := normalizeName(name)
	if key == "" {
		return nil, false
	}
	if value, ok := builtins.Load(key); ok {
		if h, ok := value.(Handler); ok {
			return h, true
		}
	}
	return nil, false
}

// BuiltinNames 返回已注册的内置 handler 名称。
func BuiltinNames() []string {
	var names []string
	builtins.Range(func(key, _ any) bool {
		names = append(names, key.(string))
		return true
	})
	sort.Strings(names)
	return names
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
