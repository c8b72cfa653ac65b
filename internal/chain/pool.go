package chain

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/any-hub/policy-gateway/internal/metrics"
	"github.com/any-hub/policy-gateway/internal/plugin"
)

// ErrHandlerTimeout 表示 handler 超过 HandlerTimeout 仍未返回。
var ErrHandlerTimeout = errors.New("handler timed out")

// Pool 用信号量限制同时执行的 handler 数量。handler 在池内 goroutine 上运行，
// 卡住的 handler 只占用一个池槽位，调用方在超时后即可返回。
type Pool struct {
	sem     *semaphore.Weighted
	size    int64
	timeout time.Duration
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

// NewPool 创建容量为 size 的池，每次调用限时 timeout。
func NewPool(size int, timeout time.Duration, m *metrics.Metrics) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		sem:     semaphore.NewWeighted(int64(size)),
		size:    int64(size),
		timeout: timeout,
		metrics: m,
	}
}

// Size 返回池容量。
func (p *Pool) Size() int {
	return int(p.size)
}

type poolResult struct {
	outcome plugin.Outcome
	err     error
}

// Do 获取槽位后执行 fn。ctx 取消时返回 ctx 的错误；超时返回 ErrHandlerTimeout。
// 槽位在 fn 真正返回后才释放。
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) (plugin.Outcome, error)) (plugin.Outcome, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return plugin.Outcome{}, err
	}

	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if p.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, p.timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	done := make(chan poolResult, 1)

	p.metrics.PoolAcquired()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer p.metrics.PoolReleased()
		outcome, err := fn(callCtx)
		done <- poolResult{outcome: outcome, err: err}
	}()

	select {
	case res := <-done:
		if err := ctx.Err(); err != nil {
			return plugin.Outcome{}, err
		}
		// fn 可能在截止时间之后才返回，此时结果作废
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return plugin.Outcome{}, ErrHandlerTimeout
		}
		return res.outcome, res.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return plugin.Outcome{}, err
		}
		return plugin.Outcome{}, ErrHandlerTimeout
	}
}

// Wait 等待所有池内 goroutine 退出或 ctx 到期。
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
