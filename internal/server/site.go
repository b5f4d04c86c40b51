package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/offline-agent/offline-agent/internal/config"
	"github.com/offline-agent/offline-agent/internal/network"
)

// Target 描述一次请求在客户端视角下的绝对 URL，以及它是否与应用同源。
type Target struct {
	URL        *url.URL
	Host       string
	SameOrigin bool
}

// Site 把客户端使用的 Host 映射到应用的公开源。整个进程只服务一个源。
type Site struct {
	domain           string
	origin           *url.URL
	allowPassthrough bool
	passthroughHosts map[string]struct{}
	listenPort       int
}

// NewSite 根据配置构建站点映射，调用方应在启动阶段创建一次并复用。
func NewSite(cfg *config.Config) (*Site, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	domain := normalizeDomain(cfg.Agent.Domain)
	if domain == "" {
		return nil, errors.New("agent domain is empty")
	}
	origin, err := url.Parse(cfg.Agent.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin %s: %w", cfg.Agent.Origin, err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("origin must include scheme and host: %s", cfg.Agent.Origin)
	}
	origin.Path = ""
	origin.RawQuery = ""
	origin.Fragment = ""

	hosts := make(map[string]struct{}, len(cfg.Agent.PassthroughHosts))
	for _, host := range cfg.Agent.PassthroughHosts {
		if normalized := normalizeDomain(host); normalized != "" {
			hosts[normalized] = struct{}{}
		}
	}

	return &Site{
		domain:           domain,
		origin:           origin,
		allowPassthrough: cfg.Agent.AllowPassthrough,
		passthroughHosts: hosts,
		listenPort:       cfg.Global.ListenPort,
	}, nil
}

// Domain 返回客户端访问使用的主机名。
func (s *Site) Domain() string {
	return s.domain
}

// Origin 返回应用公开源的副本。
func (s *Site) Origin() *url.URL {
	u := *s.origin
	return &u
}

// Resolve 计算请求的绝对 URL。Host 与 Domain 一致时按同源处理；
// 否则只有开启透传且主机在 PassthroughHosts 中时才视为跨源请求原样转发，
// 其余主机（包括回环与内网地址）一律拒绝。
func (s *Site) Resolve(scheme, host, requestURI string) (*Target, bool) {
	if s == nil {
		return nil, false
	}

	// 以代理方式访问时请求行里是绝对 URL。
	if abs, err := url.Parse(requestURI); err == nil && abs.IsAbs() && abs.Host != "" {
		same := network.SameOrigin(abs, s.origin) || normalizeDomain(abs.Host) == s.domain
		if same {
			return s.originTarget(abs.Host, abs.RequestURI())
		}
		if !s.allowsForeign(abs.Host) {
			return nil, false
		}
		return &Target{URL: abs, Host: abs.Host}, true
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}
	if normalizedHost == s.domain {
		return s.originTarget(host, requestURI)
	}
	if !s.allowsForeign(normalizedHost) {
		return nil, false
	}
	if scheme == "" {
		scheme = "http"
	}
	u, err := url.Parse(scheme + "://" + strings.TrimSpace(host) + requestURI)
	if err != nil {
		return nil, false
	}
	return &Target{URL: u, Host: host}, true
}

func (s *Site) allowsForeign(host string) bool {
	if !s.allowPassthrough {
		return false
	}
	_, ok := s.passthroughHosts[normalizeDomain(host)]
	return ok
}

func (s *Site) originTarget(host, requestURI string) (*Target, bool) {
	ref, err := url.Parse(requestURI)
	if err != nil {
		return nil, false
	}
	u := s.origin.ResolveReference(&url.URL{Path: ref.Path, RawPath: ref.RawPath, RawQuery: ref.RawQuery})
	return &Target{URL: u, Host: host, SameOrigin: true}, true
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
