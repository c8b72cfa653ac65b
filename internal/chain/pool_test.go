package chain

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/any-hub/policy-gateway/internal/metrics"
	"github.com/any-hub/policy-gateway/internal/plugin"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewPool(2, time.Second, nil)
	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Do(context.Background(), func(context.Context) (plugin.Outcome, error) {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				current.Add(-1)
				return plugin.Continue(), nil
			})
			if err != nil {
				t.Errorf("Do 返回错误: %v", err)
			}
		}()
	}
	wg.Wait()
	if err := pool.Wait(context.Background()); err != nil {
		t.Fatalf("Wait 返回错误: %v", err)
	}
	if peak.Load() > 2 {
		t.Fatalf("并发数不应超过池容量 2，峰值 %d", peak.Load())
	}
}

func TestPoolStalledHandlerHoldsSlot(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewPool(1, 20*time.Millisecond, nil)
	release := make(chan struct{})

	// 忽略 ctx 的 handler 在超时后仍占着唯一的槽位
	_, err := pool.Do(context.Background(), func(context.Context) (plugin.Outcome, error) {
		<-release
		return plugin.Continue(), nil
	})
	if !errors.Is(err, ErrHandlerTimeout) {
		t.Fatalf("期望 ErrHandlerTimeout，得到 %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := pool.Do(ctx, func(context.Context) (plugin.Outcome, error) { return plugin.Continue(), nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("槽位被占满时应等待到 ctx 到期，得到 %v", err)
	}

	close(release)
	if err := pool.Wait(context.Background()); err != nil {
		t.Fatalf("Wait 返回错误: %v", err)
	}
	if _, err := pool.Do(context.Background(), func(context.Context) (plugin.Outcome, error) { return plugin.Continue(), nil }); err != nil {
		t.Fatalf("槽位释放后应可继续使用: %v", err)
	}
}

func TestPoolParentCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewPool(1, time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()
	_, err := pool.Do(ctx, func(callCtx context.Context) (plugin.Outcome, error) {
		close(started)
		<-callCtx.Done()
		return plugin.Outcome{}, callCtx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("期望 context.Canceled，得到 %v", err)
	}
	if err := pool.Wait(context.Background()); err != nil {
		t.Fatalf("Wait 返回错误: %v", err)
	}
}

func TestPoolReportsInFlight(t *testing.T) {
	m := metrics.NewWithRegisterer(prometheus.NewRegistry())
	pool := NewPool(2, time.Second, m)
	_, err := pool.Do(context.Background(), func(context.Context) (plugin.Outcome, error) {
		if got := testutil.ToFloat64(m.PoolInFlight); got != 1 {
			t.Errorf("执行期间 in-flight 应为 1，得到 %v", got)
		}
		return plugin.Continue(), nil
	})
	if err != nil {
		t.Fatalf("Do 返回错误: %v", err)
	}
	if err := pool.Wait(context.Background()); err != nil {
		t.Fatalf("Wait 返回错误: %v", err)
	}
	if got := testutil.ToFloat64(m.PoolInFlight); got != 0 {
		t.Fatalf("结束后 in-flight 应为 0，得到 %v", got)
	}
}

func TestNewPoolNormalizesSize(t *testing.T) {
	if NewPool(0, time.Second, nil).Size() != 1 {
		t.Fatalf("非正容量应归一为 1")
	}
}
