package policy

import (
	"errors"
	"sync/atomic"
)

// Store 通过原子指针发布策略快照，读者永远看到完整的一张表。
type Store struct {
	current atomic.Pointer[Table]
	reloads atomic.Uint64
}

// NewStore 以初始快照创建 Store；t 不能为空。
func NewStore(t *Table) *Store {
	s := &Store{}
	s.current.Store(t)
	return s
}

// Snapshot 返回当前快照，请求处理期间应持有同一快照。
func (s *Store) Snapshot() *Table {
	return s.current.Load()
}

// Lookup 在当前快照上查询策略。
func (s *Store) Lookup(name string) (*Policy, bool) {
	return s.Snapshot().Lookup(name)
}

// Reload 重新加载策略文件，失败时保留旧快照。
func (s *Store) Reload(path string) error {
	t, err := Load(path)
	if err != nil {
		return err
	}
	s.Replace(t)
	return nil
}

// Replace 直接发布新快照。
func (s *Store) Replace(t *Table) {
	if t == nil {
		return
	}
	s.current.Store(t)
	s.reloads.Add(1)
}

// Generation 返回快照替换次数，初始快照为 0。
func (s *Store) Generation() uint64 {
	return s.reloads.Load()
}

// IsConfigError 判断错误是否来自策略源。
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}
