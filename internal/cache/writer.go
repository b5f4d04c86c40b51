package cache

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrStoreUnavailable 表示写入器未绑定任何代际。
var ErrStoreUnavailable = errors.New("cache store unavailable")

// StorePolicy 决定哪些响应快照允许写入代际。
type StorePolicy int

const (
	// StoreOKOnly 只保存 2xx 且可共享的响应，用于 cache-first 资源。
	StoreOKOnly StorePolicy = iota
	// StoreAnyStatus 保存任何可共享的响应，用于 network-first 导航。
	StoreAnyStatus
	// StorePrecache 只保存 2xx 响应，忽略 Cache-Control，用于清单中声明的核心资源。
	StorePrecache
)

func (p StorePolicy) String() string {
	switch p {
	case StoreAnyStatus:
		return "any-status"
	case StorePrecache:
		return "precache"
	default:
		return "ok-only"
	}
}

// privateHeaders 是针对单个客户端的响应头，代际由所有客户端共享，写入前一律去掉。
var privateHeaders = []string{"Set-Cookie", "Set-Cookie2"}

// Writer 把写入策略绑定到当前代际上，路由层只需关心“要不要存”。
type Writer struct {
	generation Generation
	policy     StorePolicy
}

// NewWriter 构造策略感知的写入器。
func NewWriter(generation Generation, policy StorePolicy) Writer {
	return Writer{generation: generation, policy: policy}
}

// Enabled 返回当前是否具备缓存写入能力。
func (w Writer) Enabled() bool {
	return w.generation != nil
}

// Policy 返回写入策略。
func (w Writer) Policy() StorePolicy {
	return w.policy
}

// Accepts 判断快照是否符合写入策略。
func (w Writer) Accepts(snap *Snapshot) bool {
	if snap == nil {
		return false
	}
	switch w.policy {
	case StorePrecache:
		return snap.OK()
	case StoreAnyStatus:
		return Shareable(snap.Header)
	default:
		return snap.OK() && Shareable(snap.Header)
	}
}

// Store 按策略写入快照；不符合策略时返回 (false, nil)。写入的是去掉
// Set-Cookie 等私有头的副本，传入的 snap 不会被修改。
func (w Writer) Store(ctx context.Context, key Key, snap *Snapshot) (bool, error) {
	if !w.Enabled() {
		return false, ErrStoreUnavailable
	}
	if !w.Accepts(snap) {
		return false, nil
	}
	if err := w.generation.Put(ctx, key, sharedCopy(snap)); err != nil {
		return false, err
	}
	return true, nil
}

// Shareable 报告响应是否允许进入多客户端共享的缓存：带 private 或 no-store
// 指令的响应只属于发起请求的客户端。
func Shareable(h http.Header) bool {
	for _, value := range h.Values("Cache-Control") {
		for _, directive := range strings.Split(value, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(directive), "=")
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "private", "no-store":
				return false
			}
		}
	}
	return true
}

func sharedCopy(snap *Snapshot) *Snapshot {
	out := *snap
	out.Header = cloneHeader(snap.Header)
	for _, h := range privateHeaders {
		out.Header.Del(h)
	}
	return &out
}
