// Package schedule 提供带初始延迟的周期任务：显式 Start/Stop，且同一时刻至多一次执行。
package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Func 是任务体，ctx 会在 Stop 时取消。
type Func func(ctx context.Context)

// Task 以 initialDelay 首次执行，之后每 interval 执行一次。
// 上一次执行尚未结束时的触发会被跳过并记录日志，不会排队。
type Task struct {
	name         string
	initialDelay time.Duration
	interval     time.Duration
	fn           Func
	logger       *logrus.Logger

	inFlight atomic.Bool
	runs     atomic.Int64
	skipped  atomic.Int64

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New 构造周期任务，不会立即启动。
func New(name string, initialDelay, interval time.Duration, fn Func, logger *logrus.Logger) *Task {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Task{
		name:         name,
		initialDelay: initialDelay,
		interval:     interval,
		fn:           fn,
		logger:       logger,
	}
}

// Start 启动后台循环，重复调用无副作用。
func (t *Task) Start(parent context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	t.started = true
	t.stopCh = make(chan struct{})
	t.cancel = cancel

	stopCh := t.stopCh
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.loop(ctx, stopCh)
	}()
	t.logger.WithFields(logrus.Fields{
		"action":        "task_start",
		"task":          t.name,
		"initial_delay": t.initialDelay.String(),
		"interval":      t.interval.String(),
	}).Info("task_started")
}

func (t *Task) loop(ctx context.Context, stopCh <-chan struct{}) {
	if t.initialDelay > 0 {
		timer := time.NewTimer(t.initialDelay)
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	t.Trigger(ctx)
	if t.interval <= 0 {
		return
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			t.Trigger(ctx)
		}
	}
}

// Trigger 同步执行一次任务；已有执行在进行时直接返回 false。
func (t *Task) Trigger(ctx context.Context) bool {
	if !t.inFlight.CompareAndSwap(false, true) {
		t.skipped.Add(1)
		t.logger.WithFields(logrus.Fields{"action": "task_skip", "task": t.name}).
			Warn("task_already_running")
		return false
	}
	defer t.inFlight.Store(false)
	if ctx == nil {
		ctx = context.Background()
	}
	t.runs.Add(1)
	t.fn(ctx)
	return true
}

// Stop 停止循环并取消正在执行的任务，等待后台 goroutine 退出。
func (t *Task) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	close(t.stopCh)
	t.cancel()
	t.mu.Unlock()

	t.wg.Wait()
}

// Running 表示当前是否有执行在进行。
func (t *Task) Running() bool {
	return t.inFlight.Load()
}

// Runs 返回已完成或正在进行的执行次数。
func (t *Task) Runs() int64 {
	return t.runs.Load()
}

// Skipped 返回因重叠而被跳过的触发次数。
func (t *Task) Skipped() int64 {
	return t.skipped.Load()
}
