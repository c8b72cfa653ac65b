package policy

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

const echoPolicy = `[{"name":"echo","in":[],"out":[],"target":"http://localhost:9000","endpoint":"ping"}]`

func TestStoreReloadPublishesNewSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := writePolicyFile(t, dir, echoPolicy)

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	store := NewStore(initial)
	before := store.Snapshot()

	writePolicyFile(t, dir, `[{"name":"echo","target":"http://localhost:9000","endpoint":"pong"},{"name":"extra","target":"http://localhost:9001"}]`)
	if err := store.Reload(path); err != nil {
		t.Fatalf("Reload 返回错误: %v", err)
	}

	if _, ok := store.Lookup("extra"); !ok {
		t.Fatalf("新快照应包含 extra")
	}
	if p, _ := before.Lookup("echo"); p.Endpoint != "ping" {
		t.Fatalf("旧快照不应被原地修改，得到 %s", p.Endpoint)
	}
	if _, ok := before.Lookup("extra"); ok {
		t.Fatalf("旧快照不应看到新策略")
	}
	if store.Generation() != 1 {
		t.Fatalf("Generation 应为 1，得到 %d", store.Generation())
	}
}

func TestStoreReloadFailureKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := writePolicyFile(t, dir, echoPolicy)
	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	store := NewStore(initial)

	writePolicyFile(t, dir, `[{"name":"echo","target":"http://a"},{"name":"echo","target":"http://b"}]`)
	err = store.Reload(path)
	if !IsConfigError(err) {
		t.Fatalf("重名策略重载应返回 ConfigError，得到 %v", err)
	}
	if store.Snapshot() != initial {
		t.Fatalf("重载失败后应保留旧快照")
	}
	if store.Generation() != 0 {
		t.Fatalf("失败的重载不应增加 Generation")
	}
}

func TestStoreReplaceIgnoresNil(t *testing.T) {
	table, err := Parse([]byte(echoPolicy))
	if err != nil {
		t.Fatalf("Parse 返回错误: %v", err)
	}
	store := NewStore(table)
	store.Replace(nil)
	if store.Snapshot() != table {
		t.Fatalf("Replace(nil) 不应替换快照")
	}
}

func TestStoreConcurrentReadsDuringReload(t *testing.T) {
	first, _ := Parse([]byte(echoPolicy))
	second, _ := Parse([]byte(`[{"name":"echo","target":"http://localhost:9000","endpoint":"pong"}]`))
	store := NewStore(first)

	var wg sync.WaitGroup
	var misses atomic.Int64
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				p, ok := store.Lookup("echo")
				if !ok || (p.Endpoint != "ping" && p.Endpoint != "pong") {
					misses.Add(1)
				}
			}
		}()
	}
	for i := 0; i < 100; i++ {
		if i%2 == 0 {
			store.Replace(second)
		} else {
			store.Replace(first)
		}
	}
	close(stop)
	wg.Wait()
	if misses.Load() != 0 {
		t.Fatalf("并发读取不应看到不完整快照，异常次数 %d", misses.Load())
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writePolicyFile(t, dir, echoPolicy)
	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	store := NewStore(initial)

	reloaded := make(chan struct{}, 4)
	watcher := NewWatcher(path, 20*time.Millisecond, func() error {
		err := store.Reload(path)
		reloaded <- struct{}{}
		return err
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- watcher.Run(ctx) }()

	// 等待监听建立后再修改文件
	time.Sleep(100 * time.Millisecond)
	writePolicyFile(t, dir, `[{"name":"echo","target":"http://localhost:9000"},{"name":"watched","target":"http://localhost:9002"}]`)

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatalf("文件变化后应触发重载")
	}
	if _, ok := store.Lookup("watched"); !ok {
		t.Fatalf("重载后应能查询到 watched")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run 返回错误: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ctx 取消后 watcher 应退出")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	w := NewWatcher("/etc/policy/policies.json", 0, nil, nil)
	if w.debounce != DefaultDebounce {
		t.Fatalf("debounce 默认值不正确: %s", w.debounce)
	}
}

func TestScheduleRejectsInvalidExpression(t *testing.T) {
	if _, err := NewSchedule("not a cron", nil, nil); err == nil {
		t.Fatalf("非法 cron 表达式应报错")
	}
}

func TestScheduleStartAndStop(t *testing.T) {
	var calls atomic.Int64
	s, err := NewSchedule("*/5 * * * *", func() error {
		calls.Add(1)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("NewSchedule 返回错误: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start 返回错误: %v", err)
	}
	if s.NextRun().IsZero() {
		t.Fatalf("启动后应有下一次执行时间")
	}
	cancel()
	s.Stop()
	s.run()
	if calls.Load() != 1 {
		t.Fatalf("run 应调用 reload 一次，得到 %d", calls.Load())
	}
}

func TestReloadTriggersDoNotLogFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&logrus.JSONFormatter{})

	var calls atomic.Int32
	reload := func() error {
		calls.Add(1)
		return errors.New("broken policy file")
	}

	watcher := NewWatcher("/tmp/policies.json", DefaultDebounce, reload, logger)
	watcher.fire()
	schedule, err := NewSchedule("*/5 * * * *", reload, logger)
	if err != nil {
		t.Fatalf("NewSchedule 返回错误: %v", err)
	}
	schedule.run()

	if calls.Load() != 2 {
		t.Fatalf("两个触发源都应执行 reload，得到 %d 次", calls.Load())
	}
	out := buf.String()
	if strings.Contains(out, `"level":"error"`) || strings.Contains(out, "broken policy file") {
		t.Fatalf("重载失败只应由 ReloadFunc 记录一次: %s", out)
	}
	if strings.Count(out, "policy_reload_triggered") != 2 {
		t.Fatalf("每次触发应记录一条 debug 日志: %s", out)
	}
}
