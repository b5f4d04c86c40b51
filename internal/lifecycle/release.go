package lifecycle

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/offline-agent/offline-agent/internal/cache"
	"github.com/offline-agent/offline-agent/internal/manifest"
)

// Release 是某次部署的不可变描述：版本、代际名与已解析的清单 URL。
// 各阶段都以值的方式拿到它，不需要为“当前代际是谁”加锁。
type Release struct {
	Version   string
	CacheName string
	Scope     string
	IndexURL  string
	RootURL   string
	Assets    []string
}

// NewRelease 解析清单并按命名空间规则生成代际名。
func NewRelease(ns *cache.Namespace, version string, scope *url.URL, m manifest.Manifest) (Release, error) {
	if ns == nil {
		return Release{}, errors.New("cache namespace required")
	}
	version = strings.TrimSpace(version)
	if version == "" {
		return Release{}, errors.New("release version required")
	}
	resolved, err := m.Resolve(scope)
	if err != nil {
		return Release{}, fmt.Errorf("resolve manifest: %w", err)
	}
	return Release{
		Version:   version,
		CacheName: ns.GenerationName(version),
		Scope:     resolved.Scope,
		IndexURL:  resolved.Index,
		RootURL:   resolved.Root,
		Assets:    resolved.Assets,
	}, nil
}
