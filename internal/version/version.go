package version

import "fmt"

// Version/Commit 可在构建时通过 -ldflags 注入，默认使用开发占位符。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// CacheVersion 是缓存代际的版本串，每次部署都必须变化，才能触发旧代际回收。
// 构建时通过 -ldflags "-X .../internal/version.CacheVersion=..." 覆盖。
var CacheVersion = "moniezi-core-v0.1.0-2026-02-10"

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("offline-agent %s (%s) cache=%s", Version, Commit, CacheVersion)
}
