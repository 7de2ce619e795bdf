// Package revalidate 周期性扫描上游来源的缓存目录，用 HEAD 获取当前校验值，
// 刷新仍然有效的条目并驱逐已变化的条目。
package revalidate

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eve-kill/imageserver/internal/cache"
	"github.com/eve-kill/imageserver/internal/kinds"
	"github.com/eve-kill/imageserver/internal/logging"
	"github.com/eve-kill/imageserver/internal/schedule"
	"github.com/eve-kill/imageserver/internal/upstream"
)

// 缓存文件名：{id}[-{参数}].{ext}
var entryNamePattern = regexp.MustCompile(`^(\d+)(?:-(.+?))?\.(jpg|jpeg|png|webp)$`)

// Checker 发起不传输正文的上游检查。
type Checker interface {
	Head(ctx context.Context, url string) (string, error)
}

// Report 汇总一次扫描，供 /status 展示。
type Report struct {
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"-"`
	DurationMs  int64         `json:"duration_ms"`
	Validated   int           `json:"validated"`
	Removed     int           `json:"removed"`
	Skipped     int           `json:"skipped"`
	Errors      int           `json:"errors"`
	Orphans     int           `json:"orphans"`
	Directories []string      `json:"directories"`
}

// Deps 聚合再验证器依赖。
type Deps struct {
	Kinds    *kinds.Table
	Store    cache.Store
	Metadata *cache.MetadataStore
	Checker  Checker
	BaseURL  string
	Logger   *logrus.Logger
}

// Options 控制调度与并发。
type Options struct {
	InitialDelay time.Duration
	Interval     time.Duration
	Concurrency  int
}

// Revalidator 是后台再验证任务，扫描互不重叠。
type Revalidator struct {
	kinds       *kinds.Table
	store       cache.Store
	meta        *cache.MetadataStore
	checker     Checker
	baseURL     string
	concurrency int
	logger      *logrus.Logger
	task        *schedule.Task

	mu      sync.RWMutex
	last    Report
	hasLast bool
}

// New 构造再验证器，需调用 Start 才会进入调度。
func New(deps Deps, opts Options) *Revalidator {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	r := &Revalidator{
		kinds:       deps.Kinds,
		store:       deps.Store,
		meta:        deps.Metadata,
		checker:     deps.Checker,
		baseURL:     deps.BaseURL,
		concurrency: concurrency,
		logger:      logger,
	}
	r.task = schedule.New("revalidate", opts.InitialDelay, opts.Interval, func(ctx context.Context) {
		r.sweep(ctx)
	}, logger)
	return r
}

// Start 进入周期调度。
func (r *Revalidator) Start(ctx context.Context) {
	r.task.Start(ctx)
}

// Stop 停止调度并等待进行中的扫描退出。
func (r *Revalidator) Stop() {
	r.task.Stop()
}

// Sweep 立即执行一次扫描；已有扫描在进行时返回 false。
func (r *Revalidator) Sweep(ctx context.Context) (Report, bool) {
	if !r.task.Trigger(ctx) {
		return Report{}, false
	}
	report, _ := r.LastReport()
	return report, true
}

// Running 表示当前是否正在扫描。
func (r *Revalidator) Running() bool {
	return r.task.Running()
}

// LastReport 返回最近一次完成的扫描结果。
func (r *Revalidator) LastReport() (Report, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last, r.hasLast
}

type counters struct {
	validated atomic.Int64
	removed   atomic.Int64
	skipped   atomic.Int64
	errors    atomic.Int64
	orphans   atomic.Int64
}

func (r *Revalidator) sweep(ctx context.Context) Report {
	started := time.Now()
	r.logger.WithField("action", "revalidate_sweep").Info("revalidate_sweep_start")

	var c counters
	var dirs []string
	for _, kind := range r.kinds.Revalidated() {
		if ctx.Err() != nil {
			break
		}
		if err := r.sweepKind(ctx, kind, &c); err != nil {
			c.errors.Add(1)
			r.logger.WithError(err).WithFields(logrus.Fields{
				"action": "revalidate_dir",
				"kind":   kind.Name,
			}).Error("revalidate_dir_failed")
			continue
		}
		dirs = append(dirs, kind.Dir)
	}

	elapsed := time.Since(started)
	report := Report{
		StartedAt:   started.UTC(),
		Duration:    elapsed,
		DurationMs:  elapsed.Milliseconds(),
		Validated:   int(c.validated.Load()),
		Removed:     int(c.removed.Load()),
		Skipped:     int(c.skipped.Load()),
		Errors:      int(c.errors.Load()),
		Orphans:     int(c.orphans.Load()),
		Directories: dirs,
	}
	r.mu.Lock()
	r.last = report
	r.hasLast = true
	r.mu.Unlock()

	r.logger.WithFields(logging.SweepFields(report.Validated, report.Removed, report.Skipped, report.Errors, report.DurationMs)).
		Info("revalidate_sweep_done")
	return report
}

func (r *Revalidator) sweepKind(ctx context.Context, kind kinds.Kind, c *counters) error {
	entries, err := r.store.List(ctx, kind.Dir)
	if err != nil {
		return err
	}

	content := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if !entry.IsSidecar() {
			content[entry.Locator.Name] = struct{}{}
		}
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(r.concurrency)
	for _, entry := range entries {
		if entry.IsSidecar() {
			owner := entry.Locator.Name[:len(entry.Locator.Name)-len(cache.MetaSuffix)]
			if _, ok := content[owner]; !ok {
				r.removeOrphan(ctx, kind, owner, c)
			}
			continue
		}
		if !entryNamePattern.MatchString(entry.Locator.Name) {
			c.skipped.Add(1)
			continue
		}
		group.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if !r.meta.NeedsRevalidation(gctx, entry.Locator) {
				c.skipped.Add(1)
				return nil
			}
			r.validateEntry(gctx, kind, entry.Locator, c)
			return nil
		})
	}
	return group.Wait()
}

func (r *Revalidator) removeOrphan(ctx context.Context, kind kinds.Kind, owner string, c *counters) {
	locator := cache.Locator{Kind: kind.Dir, Name: owner}
	if err := r.meta.Remove(ctx, locator); err != nil {
		c.errors.Add(1)
		r.logger.WithError(err).WithFields(logging.EntryFields("revalidate_orphan", locator.String())).Warn("orphan_remove_failed")
		return
	}
	c.orphans.Add(1)
}

// validateEntry 对单个条目执行 HEAD 比对。临时失败保持条目不变，下一轮重试。
func (r *Revalidator) validateEntry(ctx context.Context, kind kinds.Kind, locator cache.Locator, c *counters) {
	match := entryNamePattern.FindStringSubmatch(locator.Name)
	if match == nil {
		c.skipped.Add(1)
		return
	}
	url := kind.UpstreamURL(r.baseURL, match[1], "")
	fields := logging.EntryFields("revalidate_entry", locator.String())

	current, err := r.checker.Head(ctx, url)
	if err != nil {
		// 上游明确 404 时驱逐；仅缺少 ETag 不算失效，见下方 current == "" 分支。
		if errors.Is(err, upstream.ErrNotFound) {
			r.evict(ctx, locator, c, fields)
			return
		}
		c.errors.Add(1)
		r.logger.WithError(err).WithFields(fields).Warn("revalidate_check_failed")
		return
	}

	if current == "" {
		r.refresh(ctx, locator, "", c, fields)
		return
	}

	stored, err := r.meta.Load(ctx, locator)
	if err != nil || stored.Validator == "" {
		// 没有基线的旧条目直接采用当前上游校验值。
		r.refresh(ctx, locator, current, c, fields)
		if err != nil {
			r.logger.WithFields(fields).Debug("revalidate_adopt_baseline")
		}
		return
	}

	if stored.Validator != current {
		r.evict(ctx, locator, c, fields)
		return
	}
	r.refresh(ctx, locator, current, c, fields)
}

func (r *Revalidator) refresh(ctx context.Context, locator cache.Locator, validator string, c *counters, fields logrus.Fields) {
	if _, err := r.meta.Refresh(ctx, locator, validator); err != nil {
		c.errors.Add(1)
		r.logger.WithError(err).WithFields(fields).Warn("revalidate_refresh_failed")
		return
	}
	c.validated.Add(1)
}

// evict 先删正文再删 sidecar。请求路径总是先写正文再写 sidecar，
// 这个顺序下并发回填最多留下一份没有 sidecar 的正文，不会留下孤立的 sidecar。
func (r *Revalidator) evict(ctx context.Context, locator cache.Locator, c *counters, fields logrus.Fields) {
	if err := r.store.Remove(ctx, locator); err != nil {
		c.errors.Add(1)
		r.logger.WithError(err).WithFields(fields).Warn("revalidate_evict_failed")
		return
	}
	if err := r.meta.Remove(ctx, locator); err != nil {
		c.errors.Add(1)
		r.logger.WithError(err).WithFields(fields).Warn("revalidate_evict_failed")
		return
	}
	c.removed.Add(1)
	r.logger.WithFields(fields).Info("revalidate_evicted")
}
