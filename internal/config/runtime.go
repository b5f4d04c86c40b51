package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/offline-agent/offline-agent/internal/manifest"
)

// AgentRuntime 将 Agent 配置与解析后的作用域、清单合并，方便启动阶段直接取用。
type AgentRuntime struct {
	Config   AgentConfig
	Scope    *url.URL
	Manifest manifest.Manifest
}

// BuildAgentRuntime 计算注册作用域并加载清单：ManifestPath 优先，其次内联 Assets，
// 都没有时使用内置清单。
func BuildAgentRuntime(cfg AgentConfig) (AgentRuntime, error) {
	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return AgentRuntime{}, newFieldError(agentField("Origin"), err.Error())
	}
	scopePath := cfg.Scope
	if scopePath == "" {
		scopePath = "/"
	}
	if !strings.HasSuffix(scopePath, "/") {
		scopePath += "/"
	}
	scope := origin.ResolveReference(&url.URL{Path: scopePath})

	var m manifest.Manifest
	switch {
	case cfg.ManifestPath != "":
		m, err = manifest.Load(cfg.ManifestPath)
		if err != nil {
			return AgentRuntime{}, fmt.Errorf("%s: %w", agentField("ManifestPath"), err)
		}
		if m.Index == manifest.DefaultIndex && cfg.IndexDocument != "" {
			m.Index = cfg.IndexDocument
		}
	case len(cfg.Assets) > 0:
		m, err = manifest.New(cfg.IndexDocument, cfg.Assets)
		if err != nil {
			return AgentRuntime{}, newFieldError(agentField("Assets"), err.Error())
		}
	default:
		m = manifest.Default()
		if cfg.IndexDocument != "" {
			m.Index = cfg.IndexDocument
		}
	}

	if _, err := m.Resolve(scope); err != nil {
		return AgentRuntime{}, newFieldError(agentField("Scope"), err.Error())
	}
	return AgentRuntime{Config: cfg, Scope: scope, Manifest: m}, nil
}
