// Package stats 汇总缓存目录占用与进程运行指标，供 /status 使用。
package stats

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/eve-kill/imageserver/internal/cache"
	"github.com/eve-kill/imageserver/internal/schedule"
)

// FolderStat 描述单个缓存目录的文件数量与占用（KB）。
type FolderStat struct {
	Files  int   `json:"files"`
	SizeKB int64 `json:"size_kb"`
}

// Snapshot 是一次统计的完整结果。
type Snapshot struct {
	Folders     map[string]FolderStat `json:"folders"`
	TotalFiles  int                   `json:"total_files"`
	TotalSizeKB int64                 `json:"total_size_kb"`
	ComputedAt  time.Time             `json:"computed_at"`
}

// FolderReporter 周期性统计缓存根目录下各资源目录，读取时只返回快照。
type FolderReporter struct {
	fs     afero.Fs
	root   string
	dirs   []string
	logger *logrus.Logger
	task   *schedule.Task

	mu       sync.RWMutex
	snapshot Snapshot
	ready    bool
}

// NewFolderReporter 构造统计器；interval 为重新统计的周期。
func NewFolderReporter(fsys afero.Fs, root string, dirs []string, interval time.Duration, logger *logrus.Logger) *FolderReporter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &FolderReporter{
		fs:     fsys,
		root:   root,
		dirs:   append([]string(nil), dirs...),
		logger: logger,
	}
	r.task = schedule.New("folder_stats", 0, interval, func(ctx context.Context) {
		r.Refresh(ctx)
	}, logger)
	return r
}

// Start 立即统计一次并进入周期调度。
func (r *FolderReporter) Start(ctx context.Context) {
	r.task.Start(ctx)
}

// Stop 停止周期统计。
func (r *FolderReporter) Stop() {
	r.task.Stop()
}

// Snapshot 返回最近一次统计结果，ok=false 表示尚未完成首次统计。
func (r *FolderReporter) Snapshot() (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot, r.ready
}

// Refresh 同步重新统计全部目录并替换快照。
func (r *FolderReporter) Refresh(ctx context.Context) Snapshot {
	started := time.Now()
	snap := Snapshot{Folders: make(map[string]FolderStat, len(r.dirs))}
	for _, dir := range r.dirs {
		if ctx.Err() != nil {
			break
		}
		stat, err := r.measure(ctx, filepath.Join(r.root, dir))
		if err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"action": "folder_stats",
				"dir":    dir,
			}).Warn("folder_stats_failed")
		}
		snap.Folders[dir] = stat
		snap.TotalFiles += stat.Files
		snap.TotalSizeKB += stat.SizeKB
	}
	snap.ComputedAt = time.Now().UTC()

	r.mu.Lock()
	r.snapshot = snap
	r.ready = true
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"action":     "folder_stats",
		"files":      snap.TotalFiles,
		"size_kb":    snap.TotalSizeKB,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Debug("folder_stats_done")
	return snap
}

func (r *FolderReporter) measure(ctx context.Context, dir string) (FolderStat, error) {
	var files int
	var bytes int64
	err := afero.Walk(r.fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.IsDir() || cache.IsSidecar(info.Name()) {
			return nil
		}
		files++
		bytes += info.Size()
		return nil
	})
	return FolderStat{Files: files, SizeKB: (bytes + 1023) / 1024}, err
}
