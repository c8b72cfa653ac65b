// Package policy 负责把策略定义文件解析成不可变的查询表，并通过原子指针
// 发布快照：读路径无锁，reload 时整表替换，进行中的请求继续使用旧快照。
package policy

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrDuplicatePolicy 表示策略集合中存在重名策略。
var ErrDuplicatePolicy = errors.New("duplicate policy name")

// ConfigError 描述策略源不可读、格式错误或语义非法，启动阶段出现即终止进程。
type ConfigError struct {
	Source string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("policy config: %v", e.Err)
	}
	return fmt.Sprintf("policy config %s: %v", e.Source, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// HandlerConfig 描述链上的一次 handler 调用，加载后只读。
type HandlerConfig struct {
	Name   string
	Params map[string]string
	When   *Condition
}

// Param 读取参数，缺失时返回空串。
func (h HandlerConfig) Param(key string) string {
	return h.Params[key]
}

// Policy 将入站/出站 handler 链与上游目标绑定在一起。
type Policy struct {
	Name     string
	Inbound  []HandlerConfig
	Outbound []HandlerConfig
	Target   string
	Endpoint string
}

// Table 是一次加载得到的策略快照，构造完成后不再修改。
type Table struct {
	policies map[string]*Policy
	names    []string
	source   string
	loadedAt time.Time
}

func newTable(source string, policies []*Policy) (*Table, error) {
	t := &Table{
		policies: make(map[string]*Policy, len(policies)),
		names:    make([]string, 0, len(policies)),
		source:   source,
		loadedAt: time.Now().UTC(),
	}
	for _, p := range policies {
		if _, exists := t.policies[p.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePolicy, p.Name)
		}
		t.policies[p.Name] = p
		t.names = append(t.names, p.Name)
	}
	sort.Strings(t.names)
	return t, nil
}

// Lookup 按名称精确匹配策略，不做前缀或模糊匹配。
func (t *Table) Lookup(name string) (*Policy, bool) {
	if t == nil {
		return nil, false
	}
	p, ok := t.policies[name]
	return p, ok
}

// Names 返回排序后的策略名列表。
func (t *Table) Names() []string {
	if t == nil || len(t.names) == 0 {
		return nil
	}
	return append([]string(nil), t.names...)
}

// Len 返回策略数量。
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.policies)
}

// Source 返回快照来源（文件路径或 inline）。
func (t *Table) Source() string {
	if t == nil {
		return ""
	}
	return t.source
}

// LoadedAt 返回快照构建时间。
func (t *Table) LoadedAt() time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.loadedAt
}

// HandlerNames 返回快照中引用到的全部 handler 名称（去重、排序），供启动时预检。
func (t *Table) HandlerNames() []string {
	if t == nil {
		return nil
	}
	seen := make(map[string]struct{})
	for _, p := range t.policies {
		for _, h := range p.Inbound {
			seen[h.Name] = struct{}{}
		}
		for _, h := range p.Outbound {
			seen[h.Name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
