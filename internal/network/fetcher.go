package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ErrNetwork 表示请求没有拿到任何 HTTP 响应（连接失败、超时、取消等）。
// 拿到非 2xx 响应不算网络错误。
var ErrNetwork = errors.New("network request failed")

// Fetcher 是所有回源请求的出口，测试中可替换为计数桩。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc 允许直接使用函数作为 Fetcher。
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// Fetch 调用底层函数。
func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// HTTPFetcher 把面向客户端的同源 URL 改写到真实上游后发出请求，
// 其它 URL（透传请求）原样发出。
type HTTPFetcher struct {
	client   *http.Client
	origin   *url.URL
	upstream *url.URL
}

// NewHTTPFetcher 构造回源器，upstream 为空时直接请求 origin。
func NewHTTPFetcher(client *http.Client, origin, upstream string) (*HTTPFetcher, error) {
	if client == nil {
		client = http.DefaultClient
	}
	originURL, err := parseBase(origin)
	if err != nil {
		return nil, fmt.Errorf("origin: %w", err)
	}
	upstreamURL := originURL
	if strings.TrimSpace(upstream) != "" {
		if upstreamURL, err = parseBase(upstream); err != nil {
			return nil, fmt.Errorf("upstream: %w", err)
		}
	}
	return &HTTPFetcher{client: client, origin: originURL, upstream: upstreamURL}, nil
}

// Fetch 发出请求；传输层失败统一包装为 ErrNetwork。
func (f *HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := req.Clone(ctx)
	if target, ok := f.Rewrite(req.URL); ok {
		out.URL = target
		out.Host = target.Host
		out.Header.Set("X-Forwarded-Host", f.origin.Host)
		out.Header.Set("X-Forwarded-Proto", f.origin.Scheme)
	}
	out.RequestURI = ""

	resp, err := f.client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrNetwork, req.Method, req.URL, err)
	}
	return resp, nil
}

// Rewrite 把 origin 下的 URL 映射到 upstream，第二个返回值表示是否为同源 URL。
func (f *HTTPFetcher) Rewrite(u *url.URL) (*url.URL, bool) {
	if u == nil || !SameOrigin(u, f.origin) {
		return u, false
	}
	target := *u
	target.Scheme = f.upstream.Scheme
	target.Host = f.upstream.Host
	if base := strings.TrimSuffix(f.upstream.Path, "/"); base != "" {
		target.Path = base + u.Path
		if u.RawPath != "" {
			target.RawPath = strings.TrimSuffix(f.upstream.EscapedPath(), "/") + u.RawPath
		}
	}
	target.Fragment = ""
	target.RawFragment = ""
	return &target, true
}

// SameOrigin 比较 scheme + host（含端口），忽略默认端口差异。
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	if !strings.EqualFold(a.Scheme, b.Scheme) {
		return false
	}
	return strings.EqualFold(hostWithPort(a), hostWithPort(b))
}

func hostWithPort(u *url.URL) string {
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			port = "443"
		case "http":
			port = "80"
		}
	}
	return strings.ToLower(u.Hostname()) + ":" + port
}

func parseBase(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%q must include scheme and host", raw)
	}
	return u, nil
}
