package kinds

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/eve-kill/imageserver/internal/imaging"
)

// LocalSource 描述资源的本地来源类型。
type LocalSource string

const (
	// LocalNone 表示只从上游获取。
	LocalNone LocalSource = "none"
	// LocalTypeMapping 表示优先查 service_metadata 映射。
	LocalTypeMapping LocalSource = "type-mapping"
	// LocalGalaxyMap 表示星图目录下的 {id}.png。
	LocalGalaxyMap LocalSource = "galaxy-map"
	// LocalLegacyPortrait 表示旧版角色头像目录。
	LocalLegacyPortrait LocalSource = "legacy-portrait"
)

// Kind 记录一种资源类型的静态信息，供编排器、再验证器和诊断端使用。
type Kind struct {
	Name           string
	Description    string
	Dir            string
	UpstreamPath   string
	DefaultVariant string
	Variants       []string
	Local          LocalSource
	LegacyFallback bool
	BaseFormat     imaging.Format
	MaxAge         time.Duration
	Revalidate     bool
	SizeSteps      []int
	AcceptsSize    bool
}

// UpstreamBacked 表示该类型是否有上游来源。
func (k Kind) UpstreamBacked() bool {
	return k.UpstreamPath != ""
}

// UpstreamURL 拼接上游地址 {base}/{path}/{id}/{variant}，不携带任何转换参数。
func (k Kind) UpstreamURL(base, id, variant string) string {
	if variant == "" {
		variant = k.DefaultVariant
	}
	url := strings.TrimRight(base, "/") + "/" + k.UpstreamPath + "/" + id
	if variant != "" {
		url += "/" + variant
	}
	return url
}

// ResolveVariant 返回生效的变体，未知变体返回 false。
func (k Kind) ResolveVariant(variant string) (string, bool) {
	variant = strings.ToLower(strings.TrimSpace(variant))
	if variant == "" {
		return k.DefaultVariant, true
	}
	if len(k.Variants) == 0 {
		return variant, variant == k.DefaultVariant
	}
	for _, candidate := range k.Variants {
		if candidate == variant {
			return variant, true
		}
	}
	return "", false
}

// SnapSize 把请求尺寸吸附到 SizeSteps 中最接近的值；未配置 SizeSteps 时原样返回。
func (k Kind) SnapSize(size int) int {
	if size <= 0 || len(k.SizeSteps) == 0 {
		return size
	}
	best := k.SizeSteps[0]
	for _, step := range k.SizeSteps[1:] {
		if abs(step-size) < abs(best-size) {
			best = step
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Table 是资源类型的只读查找表，构建后并发安全。
type Table struct {
	kinds map[string]Kind
}

// NewTable 以给定条目构建查找表，名称大小写不敏感，重复时报错。
func NewTable(entries ...Kind) (*Table, error) {
	t := &Table{kinds: make(map[string]Kind, len(entries))}
	for _, entry := range entries {
		if err := t.add(entry); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Table) add(kind Kind) error {
	key := strings.ToLower(strings.TrimSpace(kind.Name))
	if key == "" {
		return fmt.Errorf("kind name is required")
	}
	if _, exists := t.kinds[key]; exists {
		return fmt.Errorf("kind %s already registered", key)
	}
	kind.Name = key
	if kind.Dir == "" {
		kind.Dir = key
	}
	if kind.BaseFormat == "" {
		kind.BaseFormat = imaging.FormatPNG
	}
	if !kind.UpstreamBacked() {
		kind.Revalidate = false
	}
	t.kinds[key] = kind
	return nil
}

// Resolve 返回指定名称的资源类型。
func (t *Table) Resolve(name string) (Kind, bool) {
	kind, ok := t.kinds[strings.ToLower(strings.TrimSpace(name))]
	return kind, ok
}

// List 返回按名称排序的全部资源类型。
func (t *Table) List() []Kind {
	keys := make([]string, 0, len(t.kinds))
	for key := range t.kinds {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	result := make([]Kind, 0, len(keys))
	for _, key := range keys {
		result = append(result, t.kinds[key])
	}
	return result
}

// Names 返回所有资源类型名称，供诊断使用。
func (t *Table) Names() []string {
	items := t.List()
	names := make([]string, len(items))
	for i, kind := range items {
		names[i] = kind.Name
	}
	return names
}

// Revalidated 返回需要参与后台再验证的资源类型。
func (t *Table) Revalidated() []Kind {
	var result []Kind
	for _, kind := range t.List() {
		if kind.Revalidate && kind.UpstreamBacked() {
			result = append(result, kind)
		}
	}
	return result
}

// ByDir 根据缓存目录名反查资源类型。
func (t *Table) ByDir(dir string) (Kind, bool) {
	for _, kind := range t.kinds {
		if kind.Dir == dir {
			return kind, true
		}
	}
	return Kind{}, false
}
