// Package background tracks best-effort work (cache writes) that must not sit
// on a request's critical path but must still be drained before shutdown.
package background

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultLimit   = 32
	defaultTimeout = 30 * time.Second
)

// Group 是带并发上限的后台任务组：提交不阻塞调用方，进程退出前通过 Wait 排空。
type Group struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	timeout time.Duration
	logger  *logrus.Logger

	mu      sync.Mutex
	closed  bool
	dropped int64
}

// Options 控制并发上限与单个任务的超时。
type Options struct {
	Limit   int
	Timeout time.Duration
	Logger  *logrus.Logger
}

// NewGroup 构造任务组，零值选项使用默认上限与超时。
func NewGroup(opts Options) *Group {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Group{
		sem:     make(chan struct{}, limit),
		timeout: timeout,
		logger:  logger,
	}
}

// Go 提交一个后台任务，立即返回。任务组已满或已关闭时放弃该任务并返回 false。
// 任务拿到的 ctx 与请求无关，只受任务超时约束。
func (g *Group) Go(name string, fn func(ctx context.Context) error) bool {
	g.mu.Lock()
	if g.closed {
		g.dropped++
		g.mu.Unlock()
		return false
	}
	select {
	case g.sem <- struct{}{}:
	default:
		g.dropped++
		g.mu.Unlock()
		g.logger.WithFields(logrus.Fields{"action": "background", "task": name}).
			Warn("后台任务已满，放弃本次写入")
		return false
	}
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		defer func() { <-g.sem }()
		defer func() {
			if r := recover(); r != nil {
				g.logger.WithFields(logrus.Fields{"action": "background", "task": name, "panic": r}).
					Error("后台任务 panic")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			g.logger.WithFields(logrus.Fields{"action": "background", "task": name, "error": err.Error()}).
				Debug("后台任务失败")
		}
	}()
	return true
}

// Wait 关闭任务组并等待所有已提交任务结束，ctx 到期时返回 ctx.Err()。
func (g *Group) Wait(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush 等待当前已提交的任务结束，但不关闭任务组，测试中常用。
func (g *Group) Flush() {
	g.wg.Wait()
}

// InFlight 返回正在执行的任务数。
func (g *Group) InFlight() int {
	return len(g.sem)
}

// Dropped 返回因任务组已满或已关闭而被放弃的任务数。
func (g *Group) Dropped() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dropped
}
