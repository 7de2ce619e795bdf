package cache

import (
	"net/url"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// CanonicalParams 将转换参数按 key 排序并逐项百分号编码，拼接为 k=v&k=v。
// 参数顺序不影响结果；空集合返回空字符串。
func CanonicalParams(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, key := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(escapeComponent(key))
		b.WriteByte('=')
		b.WriteString(escapeComponent(params[key]))
	}
	return b.String()
}

// FileName 生成缓存文件名：{id}[-{suffix}].{ext}。
// 仅有数值 size 参数时走快捷形式 {id}-{size}.{ext}。
func FileName(id string, params map[string]string, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	name := id
	if suffix := paramSuffix(params); suffix != "" {
		name += "-" + suffix
	}
	return name + "." + ext
}

// ResolveLocator 返回 (kind, id, params, ext) 对应的缓存 Locator。
func ResolveLocator(kind, id string, params map[string]string, ext string) Locator {
	return Locator{Kind: kind, Name: FileName(id, params, ext)}
}

// ResolvePath 返回 baseDir 下的绝对缓存路径，纯函数、无副作用。
func ResolvePath(baseDir, id string, params map[string]string, ext string) string {
	return filepath.Join(baseDir, FileName(id, params, ext))
}

func paramSuffix(params map[string]string) string {
	if len(params) == 1 {
		if size, ok := params["size"]; ok && isDigits(size) {
			return size
		}
	}
	return CanonicalParams(params)
}

func isDigits(v string) bool {
	if v == "" {
		return false
	}
	_, err := strconv.ParseUint(v, 10, 64)
	return err == nil
}

// escapeComponent 与浏览器 encodeURIComponent 对齐：空格编码为 %20 而不是 +。
func escapeComponent(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "+", "%20")
}
