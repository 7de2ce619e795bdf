package imaging

import "strings"

// Format 表示缓存文件与响应使用的输出格式，值同时作为文件扩展名。
type Format string

const (
	FormatJPEG Format = "jpg"
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"
)

// ParseFormat 解析 imagetype/扩展名，jpeg 与 jpg 视为同一格式。
func ParseFormat(raw string) (Format, bool) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), ".")) {
	case "jpg", "jpeg":
		return FormatJPEG, true
	case "png":
		return FormatPNG, true
	case "webp":
		return FormatWebP, true
	default:
		return "", false
	}
}

// Ext 返回不带点的扩展名。
func (f Format) Ext() string {
	return string(f)
}

// ContentType 返回对应的 MIME 类型。
func (f Format) ContentType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	case FormatWebP:
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// formatFromDecoder 将 image.DecodeConfig 返回的格式名映射为 Format。
func formatFromDecoder(name string) Format {
	switch name {
	case "jpeg":
		return FormatJPEG
	case "png":
		return FormatPNG
	case "webp":
		return FormatWebP
	default:
		return Format(name)
	}
}
