package proxy

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/offline-agent/offline-agent/internal/background"
	"github.com/offline-agent/offline-agent/internal/cache"
	"github.com/offline-agent/offline-agent/internal/lifecycle"
	"github.com/offline-agent/offline-agent/internal/network"
)

// Strategy 是路由为请求选择的处理方式。
type Strategy string

const (
	StrategyPassthrough  Strategy = "passthrough"
	StrategyNetworkFirst Strategy = "network-first"
	StrategyCacheFirst   Strategy = "cache-first"
)

// Source 标识最终响应的来源，对外以 X-Offline-Agent 头输出。
type Source string

const (
	SourceNetwork       Source = "network"
	SourceCache         Source = "cache"
	SourceFallbackIndex Source = "fallback-index"
	SourceFallbackRoot  Source = "fallback-root"
	SourceNetworkError  Source = "network-error"
	SourcePassthrough   Source = "passthrough"
)

// Controller 提供路由所需的当前代际信息，由 lifecycle.Agent 实现。
type Controller interface {
	Controlling() bool
	Generation() cache.Generation
	Release() lifecycle.Release
}

// Decision 是 Route 的结果：是否拦截以及采用的策略。
type Decision struct {
	Intercept bool
	Strategy  Strategy
	Reason    string
}

// Result 是 Serve 的结果。拦截请求的响应总是完整的 Snapshot；
// 透传请求直接返回上游 Response，由调用方负责关闭。
type Result struct {
	Strategy   Strategy
	Source     Source
	Generation string
	Snapshot   *cache.Snapshot
	Response   *http.Response
	Err        error
}

// Router 只拦截同源 GET 请求：导航走 network-first，其它走 cache-first。
type Router struct {
	controller Controller
	fetcher    network.Fetcher
	origin     *url.URL
	group      *background.Group
	logger     *logrus.Logger
}

// RouterOptions 汇总 Router 的依赖。
type RouterOptions struct {
	Controller Controller
	Fetcher    network.Fetcher
	Origin     *url.URL
	Group      *background.Group
	Logger     *logrus.Logger
}

// NewRouter 构造路由器。
func NewRouter(opts RouterOptions) (*Router, error) {
	if opts.Controller == nil {
		return nil, errors.New("controller required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	if opts.Origin == nil || !opts.Origin.IsAbs() {
		return nil, errors.New("absolute origin required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	group := opts.Group
	if group == nil {
		group = background.NewGroup(background.Options{Logger: logger})
	}
	return &Router{
		controller: opts.Controller,
		fetcher:    opts.Fetcher,
		origin:     opts.Origin,
		group:      group,
		logger:     logger,
	}, nil
}

// Route 决定是否拦截请求以及使用哪种策略。
func (r *Router) Route(req *Request) Decision {
	switch {
	case req == nil || req.URL == nil:
		return Decision{Strategy: StrategyPassthrough, Reason: "invalid"}
	case req.Method != http.MethodGet:
		return Decision{Strategy: StrategyPassthrough, Reason: "method"}
	case !network.SameOrigin(req.URL, r.origin):
		return Decision{Strategy: StrategyPassthrough, Reason: "cross-origin"}
	case !r.controller.Controlling():
		return Decision{Strategy: StrategyPassthrough, Reason: "not-controlling"}
	case r.controller.Generation() == nil:
		return Decision{Strategy: StrategyPassthrough, Reason: "no-generation"}
	case req.Kind == KindNavigation:
		return Decision{Intercept: true, Strategy: StrategyNetworkFirst}
	default:
		return Decision{Intercept: true, Strategy: StrategyCacheFirst}
	}
}

// Serve 按 Route 的决定处理请求。拦截请求在网络与缓存都不可用时返回
// Source 为 SourceNetworkError 的结果，而不是错误。
func (r *Router) Serve(ctx context.Context, req *Request) *Result {
	decision := r.Route(req)
	if !decision.Intercept {
		return r.passthrough(ctx, req)
	}

	gen := r.controller.Generation()
	switch decision.Strategy {
	case StrategyNetworkFirst:
		return r.networkFirst(ctx, req, gen)
	default:
		return r.cacheFirst(ctx, req, gen)
	}
}

func (r *Router) networkFirst(ctx context.Context, req *Request, gen cache.Generation) *Result {
	key := cache.NewKey(req.Method, req.URL)
	result := &Result{Strategy: StrategyNetworkFirst, Generation: gen.Name()}

	fresh, err := r.fetchSnapshot(ctx, req)
	if err == nil {
		r.storeInBackground(gen, cache.StoreAnyStatus, key, fresh)
		result.Source = SourceNetwork
		result.Snapshot = fresh
		return result
	}
	result.Err = err

	release := r.controller.Release()
	fallbacks := []struct {
		rawURL string
		source Source
	}{
		{key.URL, SourceCache},
		{release.IndexURL, SourceFallbackIndex},
		{release.RootURL, SourceFallbackRoot},
	}
	for _, fb := range fallbacks {
		if fb.rawURL == "" {
			continue
		}
		fbKey, keyErr := cache.GetKey(fb.rawURL)
		if keyErr != nil {
			continue
		}
		if snap := r.match(ctx, gen, fbKey); snap != nil {
			result.Source = fb.source
			result.Snapshot = snap
			return result
		}
	}

	result.Source = SourceNetworkError
	return result
}

func (r *Router) cacheFirst(ctx context.Context, req *Request, gen cache.Generation) *Result {
	key := cache.NewKey(req.Method, req.URL)
	result := &Result{Strategy: StrategyCacheFirst, Generation: gen.Name()}

	if snap := r.match(ctx, gen, key); snap != nil {
		result.Source = SourceCache
		result.Snapshot = snap
		return result
	}

	fresh, err := r.fetchSnapshot(ctx, req)
	if err != nil {
		result.Err = err
		result.Source = SourceNetworkError
		return result
	}
	r.storeInBackground(gen, cache.StoreOKOnly, key, fresh)
	result.Source = SourceNetwork
	result.Snapshot = fresh
	return result
}

func (r *Router) passthrough(ctx context.Context, req *Request) *Result {
	result := &Result{Strategy: StrategyPassthrough, Source: SourcePassthrough}
	if req == nil || req.URL == nil {
		result.Source = SourceNetworkError
		result.Err = errors.New("invalid request")
		return result
	}

	var body *bytes.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	outbound, err := newOutboundRequest(ctx, req.Method, req.URL, req.Header, body)
	if err != nil {
		result.Source = SourceNetworkError
		result.Err = err
		return result
	}
	resp, err := r.fetcher.Fetch(ctx, outbound)
	if err != nil {
		result.Source = SourceNetworkError
		result.Err = err
		return result
	}
	result.Response = resp
	return result
}

// fetchSnapshot 回源并把响应完整读入快照；读取正文失败也视为网络失败。
func (r *Router) fetchSnapshot(ctx context.Context, req *Request) (*cache.Snapshot, error) {
	outbound, err := newOutboundRequest(ctx, http.MethodGet, req.URL, req.Header, nil)
	if err != nil {
		return nil, err
	}
	// 拦截请求需要完整正文才能入缓存，条件与范围请求头不转发。
	for _, h := range []string{"Range", "If-Range", "If-None-Match", "If-Modified-Since"} {
		outbound.Header.Del(h)
	}
	resp, err := r.fetcher.Fetch(ctx, outbound)
	if err != nil {
		return nil, err
	}
	snap, err := cache.NewSnapshot(resp)
	if err != nil {
		return nil, errors.Join(network.ErrNetwork, err)
	}
	if snap.URL == "" {
		snap.URL = req.URL.String()
	}
	return snap, nil
}

func (r *Router) match(ctx context.Context, gen cache.Generation, key cache.Key) *cache.Snapshot {
	snap, err := gen.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			r.logger.WithFields(logrus.Fields{
				"action":     "cache_match",
				"generation": gen.Name(),
				"key":        key.String(),
			}).WithError(err).Warn("cache_match_failed")
		}
		return nil
	}
	return snap
}

// storeInBackground 把快照副本交给后台任务组写入，调用方拿到的快照不受影响。
func (r *Router) storeInBackground(gen cache.Generation, policy cache.StorePolicy, key cache.Key, snap *cache.Snapshot) {
	writer := cache.NewWriter(gen, policy)
	if !writer.Accepts(snap) {
		return
	}
	clone := snap.Clone()
	r.group.Go("cache_put", func(ctx context.Context) error {
		_, err := writer.Store(ctx, key, clone)
		if err != nil && !errors.Is(err, cache.ErrGenerationGone) {
			r.logger.WithFields(logrus.Fields{
				"action":     "cache_put",
				"generation": gen.Name(),
				"key":        key.String(),
				"policy":     writer.Policy().String(),
			}).WithError(err).Warn("cache_put_failed")
		}
		return err
	})
}

func newOutboundRequest(ctx context.Context, method string, u *url.URL, header http.Header, body *bytes.Reader) (*http.Request, error) {
	var (
		req *http.Request
		err error
	)
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, u.String(), body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, u.String(), http.NoBody)
	}
	if err != nil {
		return nil, err
	}
	network.CopyHeaders(req.Header, header)
	req.Header.Del("Host")
	req.Header.Del("Content-Length")
	req.Header.Del("Accept-Encoding")
	return req, nil
}
