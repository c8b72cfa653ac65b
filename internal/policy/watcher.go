package policy

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce 合并编辑器保存时产生的连续文件事件。
const DefaultDebounce = 200 * time.Millisecond

// ReloadFunc 执行一次重载并自行记录结果日志；返回的错误不会中断监听。
type ReloadFunc func() error

// Watcher 监听策略文件所在目录，文件变化时经防抖后触发重载。
// 监听目录而非文件本身，以兼容 rename 方式的原子写入。
type Watcher struct {
	path     string
	debounce time.Duration
	reload   ReloadFunc
	logger   *logrus.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher 创建 Watcher；debounce <= 0 时使用 DefaultDebounce。
func NewWatcher(path string, debounce time.Duration, reload ReloadFunc, logger *logrus.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		reload:   reload,
		logger:   logger,
	}
}

// Run 阻塞直到 ctx 取消。
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	w.logger.WithFields(logrus.Fields{
		"action":      "policy_watch",
		"path":        w.path,
		"debounce_ms": w.debounce.Milliseconds(),
	}).Info("policy_watch_started")

	defer w.stopTimer()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return errors.New("fsnotify events channel closed")
			}
			if !w.relevant(event) {
				continue
			}
			w.schedule()
		case err, ok := <-fsw.Errors:
			if !ok {
				return errors.New("fsnotify errors channel closed")
			}
			w.logger.WithFields(logrus.Fields{
				"action": "policy_watch",
				"path":   w.path,
			}).WithError(err).Warn("policy_watch_error")
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	if w.reload == nil {
		return
	}
	w.logger.WithFields(logrus.Fields{
		"action":  "policy_reload",
		"trigger": "watch",
		"path":    w.path,
	}).Debug("policy_reload_triggered")
	_ = w.reload()
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
