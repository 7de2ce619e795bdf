// Package assets 提供随服务分发的本地图片：物品图标映射、星图图片与旧版角色头像。
package assets

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// ErrAssetNotFound 表示本地资源不存在（包括映射指向的文件缺失）。
var ErrAssetNotFound = errors.New("local asset not found")

// TypeMapping 是 service_metadata 文件的结构：{"<id>": {"<variant>": "<相对路径>"}}。
type TypeMapping map[string]map[string]string

// Options 描述 Catalog 需要的目录与文件位置。
type Options struct {
	AssetRoot    string
	LegacyDir    string
	MappingPath  string
	MissingImage string
}

// Catalog 负责定位本地资源，映射文件加载后只读。
type Catalog struct {
	fs   afero.Fs
	opts Options

	mu      sync.RWMutex
	mapping TypeMapping
	raw     []byte
}

// NewCatalog 构建本地资源目录；需调用 LoadMapping 才会读取映射文件。
func NewCatalog(fsys afero.Fs, opts Options) *Catalog {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if opts.MissingImage == "" {
		opts.MissingImage = "missing_256.jpg"
	}
	return &Catalog{fs: fsys, opts: opts, mapping: TypeMapping{}}
}

// LoadMapping 读取映射文件（JSON 或 YAML）。文件不存在时保持空映射并返回 ErrAssetNotFound。
func (c *Catalog) LoadMapping() (int, error) {
	if c.opts.MappingPath == "" {
		return 0, nil
	}
	raw, err := afero.ReadFile(c.fs, c.opts.MappingPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrAssetNotFound, c.opts.MappingPath)
		}
		return 0, err
	}
	mapping := TypeMapping{}
	if err := yaml.Unmarshal(raw, &mapping); err != nil {
		return 0, fmt.Errorf("parse %s: %w", filepath.Base(c.opts.MappingPath), err)
	}

	c.mu.Lock()
	c.mapping = mapping
	c.raw = raw
	c.mu.Unlock()
	return len(mapping), nil
}

// RawMapping 返回映射文件原始内容，供 /service-metadata 输出。
func (c *Catalog) RawMapping() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.raw
}

// TypeAsset 返回物品 id+variant 对应的本地文件绝对路径。
func (c *Catalog) TypeAsset(id, variant string) (string, bool) {
	c.mu.RLock()
	rel, ok := c.mapping[id][variant]
	c.mu.RUnlock()
	if !ok || rel == "" {
		return "", false
	}
	path, err := c.within(c.opts.AssetRoot, rel)
	if err != nil {
		return "", false
	}
	return path, true
}

// TypeVariants 返回某个物品在本地映射中的所有变体。
func (c *Catalog) TypeVariants(id string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	variants := make([]string, 0, len(c.mapping[id]))
	for variant := range c.mapping[id] {
		variants = append(variants, variant)
	}
	sort.Strings(variants)
	return variants
}

// GalaxyAsset 返回星图图片路径。size 为 32 时优先使用预生成的 {id}_32.png。
func (c *Catalog) GalaxyAsset(kind, id string, size int) (string, error) {
	dir := filepath.Join(c.opts.AssetRoot, kind)
	if size == 32 {
		if path, ok := c.exists(filepath.Join(dir, id+"_32.png")); ok {
			return path, nil
		}
	}
	if path, ok := c.exists(filepath.Join(dir, id+".png")); ok {
		return path, nil
	}
	return "", fmt.Errorf("%w: %s/%s", ErrAssetNotFound, kind, id)
}

// LegacyPortrait 返回指定角色的旧版头像路径，不使用缺省图。
func (c *Catalog) LegacyPortrait(id string) (string, bool) {
	return c.exists(filepath.Join(c.opts.LegacyDir, id+"_256.jpg"))
}

// LegacyPortraitOrMissing 返回旧版头像，不存在时回退到缺省图。
func (c *Catalog) LegacyPortraitOrMissing(id string) (string, error) {
	if path, ok := c.LegacyPortrait(id); ok {
		return path, nil
	}
	if path, ok := c.exists(filepath.Join(c.opts.LegacyDir, c.opts.MissingImage)); ok {
		return path, nil
	}
	return "", fmt.Errorf("%w: oldcharacters/%s", ErrAssetNotFound, id)
}

// Read 读取本地文件，不存在时返回 ErrAssetNotFound。
func (c *Catalog) Read(path string) ([]byte, error) {
	data, err := afero.ReadFile(c.fs, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, path)
		}
		return nil, err
	}
	return data, nil
}

func (c *Catalog) exists(path string) (string, bool) {
	info, err := c.fs.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}
	return path, true
}

// within 拼接相对路径并确保结果不会逃出 root。
func (c *Catalog) within(root, rel string) (string, error) {
	joined := filepath.Join(root, filepath.FromSlash(rel))
	cleanRoot := filepath.Clean(root)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("asset path escapes root: %s", rel)
	}
	return joined, nil
}
