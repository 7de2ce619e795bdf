package imagecache

import (
	"fmt"
	"strings"

	"github.com/eve-kill/imageserver/internal/imaging"
	"github.com/eve-kill/imageserver/internal/kinds"
)

// NegotiateFormat 选择输出格式：imagetype 参数优先，其次 Accept 中的 image/webp，
// 最后回退到资源类型的基础格式。
func NegotiateFormat(kind kinds.Kind, imageType, accept string) (imaging.Format, error) {
	if imageType = strings.TrimSpace(imageType); imageType != "" {
		format, ok := imaging.ParseFormat(imageType)
		if !ok {
			return "", fmt.Errorf("%w: unsupported imagetype %q", ErrBadRequest, imageType)
		}
		return format, nil
	}
	if strings.Contains(strings.ToLower(accept), "image/webp") {
		return imaging.FormatWebP, nil
	}
	return kind.BaseFormat, nil
}
