// Package manifest loads the core asset list that is pre-cached when a new
// generation is installed, and resolves its relative entries against the
// registration scope.
package manifest

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultIndex 是导航回退使用的首页文档。
const DefaultIndex = "./index.html"

// defaultAssets 是未提供清单时预缓存的核心资源。
var defaultAssets = []string{
	"./",
	"./index.html",
	"./manifest.webmanifest",
	"./icons/icon-192.png",
	"./icons/icon-512.png",
	"./icons/icon-192-maskable.png",
	"./icons/icon-512-maskable.png",
	"./icons/apple-touch-icon.png",
	"./favicon.ico",
	"./favicon-32.png",
}

// Manifest 是有序的相对路径列表，生成后不可修改。
type Manifest struct {
	Index  string   `yaml:"index"`
	Assets []string `yaml:"assets"`
}

// Default 返回内置清单。
func Default() Manifest {
	return Manifest{Index: DefaultIndex, Assets: append([]string(nil), defaultAssets...)}
}

// New 由配置中的内联资源构造清单，index 为空时使用 DefaultIndex。
func New(index string, assets []string) (Manifest, error) {
	m := Manifest{Index: index, Assets: append([]string(nil), assets...)}
	return m.normalize()
}

// Load 读取 YAML 清单文件。
func Load(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m.normalize()
}

func (m Manifest) normalize() (Manifest, error) {
	if strings.TrimSpace(m.Index) == "" {
		m.Index = DefaultIndex
	}
	m.Index = strings.TrimSpace(m.Index)

	assets := make([]string, 0, len(m.Assets))
	for i, raw := range m.Assets {
		asset := strings.TrimSpace(raw)
		if asset == "" {
			return Manifest{}, fmt.Errorf("manifest asset %d is empty", i)
		}
		assets = append(assets, asset)
	}
	if len(assets) == 0 {
		return Manifest{}, errors.New("manifest has no assets")
	}
	m.Assets = assets
	return m, nil
}

// Resolved 是清单在某个作用域下解析得到的绝对 URL。
type Resolved struct {
	Scope  string
	Index  string
	Root   string
	Assets []string
}

// Resolve 以 scope 为基准解析所有条目，任何条目落在作用域之外都视为错误。
func (m Manifest) Resolve(scope *url.URL) (Resolved, error) {
	if scope == nil || !scope.IsAbs() {
		return Resolved{}, errors.New("scope must be an absolute url")
	}
	base := *scope
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	out := Resolved{Scope: base.String()}
	seen := make(map[string]struct{}, len(m.Assets))
	for _, asset := range m.Assets {
		abs, err := resolveInScope(&base, asset)
		if err != nil {
			return Resolved{}, err
		}
		if _, dup := seen[abs]; dup {
			continue
		}
		seen[abs] = struct{}{}
		out.Assets = append(out.Assets, abs)
	}

	index, err := resolveInScope(&base, m.Index)
	if err != nil {
		return Resolved{}, err
	}
	root, err := resolveInScope(&base, "./")
	if err != nil {
		return Resolved{}, err
	}
	out.Index = index
	out.Root = root
	return out, nil
}

func resolveInScope(base *url.URL, rel string) (string, error) {
	ref, err := url.Parse(rel)
	if err != nil {
		return "", fmt.Errorf("parse manifest entry %q: %w", rel, err)
	}
	abs := base.ResolveReference(ref)
	abs.Fragment = ""
	abs.RawFragment = ""
	if abs.Scheme != base.Scheme || abs.Host != base.Host {
		return "", fmt.Errorf("manifest entry %q leaves the origin", rel)
	}
	if !strings.HasPrefix(abs.Path, base.Path) {
		return "", fmt.Errorf("manifest entry %q resolves outside scope %s", rel, base.Path)
	}
	return abs.String(), nil
}
