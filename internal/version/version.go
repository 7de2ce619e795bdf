package version

import "fmt"

// Version/Commit 可在构建时通过 -ldflags 注入。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Name 是服务对外展示的名称，同时用于 User-Agent 与状态页。
const Name = "imageserver"

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("%s %s (%s)", Name, Version, Commit)
}

// UserAgent 返回访问上游时使用的 User-Agent。
func UserAgent() string {
	return fmt.Sprintf("%s/%s", Name, Version)
}
