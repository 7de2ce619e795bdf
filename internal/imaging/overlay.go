package imaging

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"io/fs"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/spf13/afero"
)

// ErrOverlayNotFound 表示请求的叠加图不存在，流水线会降级为不叠加。
var ErrOverlayNotFound = errors.New("overlay not found")

// OverlaySizes 是预渲染叠加图的固定尺寸集合，升序排列。
var OverlaySizes = []int{16, 32, 64, 128}

var overlayNamePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// OverlayLibrary 从目录加载 {kind}.png 与预渲染的 {kind}-{size}.png。
type OverlayLibrary struct {
	fs  afero.Fs
	dir string

	mu    sync.RWMutex
	cache map[string]image.Image
}

// NewOverlayLibrary 构建叠加图目录读取器，解码结果按文件缓存在内存中。
func NewOverlayLibrary(fsys afero.Fs, dir string) *OverlayLibrary {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &OverlayLibrary{
		fs:    fsys,
		dir:   dir,
		cache: make(map[string]image.Image),
	}
}

// Overlay 选择不小于 side 的最小预渲染尺寸；都小于 side 时取最大的预渲染图，
// 最后回退到原始 {kind}.png。
func (l *OverlayLibrary) Overlay(kind string, side int) (image.Image, error) {
	if !overlayNamePattern.MatchString(kind) {
		return nil, fmt.Errorf("%w: invalid name %q", ErrOverlayNotFound, kind)
	}
	for _, name := range l.candidates(kind, side) {
		img, err := l.load(name)
		if err == nil {
			return img, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrOverlayNotFound, kind)
}

// Available 判断某个叠加类型的原始图片是否存在。
func (l *OverlayLibrary) Available(kind string) bool {
	if !overlayNamePattern.MatchString(kind) {
		return false
	}
	ok, err := afero.Exists(l.fs, filepath.Join(l.dir, kind+".png"))
	return err == nil && ok
}

func (l *OverlayLibrary) candidates(kind string, side int) []string {
	names := make([]string, 0, len(OverlaySizes)+1)
	for _, size := range OverlaySizes {
		if size >= side {
			names = append(names, fmt.Sprintf("%s-%d.png", kind, size))
		}
	}
	for i := len(OverlaySizes) - 1; i >= 0; i-- {
		if OverlaySizes[i] < side {
			names = append(names, fmt.Sprintf("%s-%d.png", kind, OverlaySizes[i]))
		}
	}
	return append(names, kind+".png")
}

func (l *OverlayLibrary) load(name string) (image.Image, error) {
	l.mu.RLock()
	img, ok := l.cache[name]
	l.mu.RUnlock()
	if ok {
		return img, nil
	}

	f, err := l.fs.Open(filepath.Join(l.dir, name))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err = png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode overlay %s: %w", name, err)
	}

	l.mu.Lock()
	l.cache[name] = img
	l.mu.Unlock()
	return img, nil
}
