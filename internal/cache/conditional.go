package cache

import (
	"fmt"
	"strings"
)

// ValidatorFor 基于文件修改时间（毫秒）与大小生成弱 ETag，无需读取正文。
func ValidatorFor(entry Entry) string {
	return fmt.Sprintf(`W/"%d-%d"`, entry.ModTime.UnixMilli(), entry.SizeBytes)
}

// IsNotModified 判断客户端条件令牌是否与当前校验值完全一致。
// 空令牌永远不命中。
func IsNotModified(requestToken, currentToken string) bool {
	requestToken = strings.TrimSpace(requestToken)
	if requestToken == "" || currentToken == "" {
		return false
	}
	return requestToken == currentToken
}
