package cache

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// Store 负责管理磁盘缓存的读写。磁盘布局遵循：
//
//	<CacheRoot>/<Kind>/<Name>              # 转换后的图片正文
//	<CacheRoot>/<Kind>/<Name>.meta.json    # 上游校验信息（可选）
//
// 正文文件的 ModTime/Size 由文件系统提供，用于生成 ETag。
type Store interface {
	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Stat 仅返回条目文件信息，不打开正文。
	Stat(ctx context.Context, locator Locator) (*Entry, error)

	// Put 将转换结果写入缓存。实现需通过临时文件 + rename 保证写入原子性，
	// 并在失败时清理临时文件。可选地根据 opts.ModTime 设置文件时间戳。
	Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除正文文件，不存在时视为成功。
	Remove(ctx context.Context, locator Locator) error

	// List 枚举某个资源目录下的全部文件（含 sidecar），目录不存在时返回空列表。
	List(ctx context.Context, kind string) ([]Entry, error)

	// Root 返回缓存根目录的绝对路径。
	Root() string
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	ModTime time.Time
}

// Locator 唯一定位一个缓存条目（资源目录 + 文件名）。
type Locator struct {
	Kind string
	Name string
}

// Sidecar 返回该条目对应的元数据文件 Locator。
func (l Locator) Sidecar() Locator {
	return Locator{Kind: l.Kind, Name: l.Name + MetaSuffix}
}

func (l Locator) String() string {
	return l.Kind + "/" + l.Name
}

// Entry 表示一次缓存命中结果，包含绝对文件路径及文件信息。
type Entry struct {
	Locator   Locator   `json:"locator"`
	FilePath  string    `json:"file_path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// IsSidecar 判断条目是否为元数据文件。
func (e Entry) IsSidecar() bool {
	return IsSidecar(e.Locator.Name)
}

// ReadResult 组合 Entry 与正文 Reader。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// MetaSuffix 是 sidecar 元数据文件的固定后缀。
const MetaSuffix = ".meta.json"

// IsSidecar 判断文件名是否为 sidecar 元数据。
func IsSidecar(name string) bool {
	return strings.HasSuffix(name, MetaSuffix)
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")
