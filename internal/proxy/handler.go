package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-agent/offline-agent/internal/logging"
	"github.com/offline-agent/offline-agent/internal/network"
	"github.com/offline-agent/offline-agent/internal/server"
)

// HeaderSource 标识响应来源，取值见 Source。
const HeaderSource = "X-Offline-Agent"

// ClientObserver 记录发起请求的客户端，由 lifecycle.Agent 实现。
type ClientObserver interface {
	ObserveClient(id string)
}

// Handler 把 Fiber 请求转换为 Request，交给 Router 处理后写回响应，
// 每个请求输出一条结构化日志。
type Handler struct {
	router   *Router
	observer ClientObserver
	logger   *logrus.Logger
}

// NewHandler constructs a proxy handler around the router.
func NewHandler(router *Router, observer ClientObserver, logger *logrus.Logger) *Handler {
	return &Handler{
		router:   router,
		observer: observer,
		logger:   logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, target *server.Target) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req := NewRequest(c.Method(), target.URL, fiberHeadersAsHTTP(c), append([]byte(nil), c.Body()...))
	req.ClientID = c.IP()
	if h.observer != nil && target.SameOrigin {
		h.observer.ObserveClient(req.ClientID)
	}

	result := h.router.Serve(ctx, req)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}

	var err error
	switch {
	case result.Source == SourceNetworkError:
		err = h.writeNetworkError(c)
	case result.Response != nil:
		err = h.streamResponse(c, result.Response)
	default:
		err = h.writeSnapshot(c, result)
	}
	h.logResult(req, result, requestID, started, err)
	return err
}

func (h *Handler) writeSnapshot(c fiber.Ctx, result *Result) error {
	snap := result.Snapshot
	copyResponseHeaders(c, snap.Header)
	c.Set(HeaderSource, string(result.Source))
	c.Status(snap.Status)
	return c.Send(snap.Body)
}

func (h *Handler) streamResponse(c fiber.Ctx, resp *http.Response) error {
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderSource, string(SourcePassthrough))
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		return nil
	}
	if _, err := io.Copy(c.Response().BodyWriter(), resp.Body); err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// writeNetworkError 对应 fetch 语义里的 Response.error()。
func (h *Handler) writeNetworkError(c fiber.Ctx) error {
	c.Set(HeaderSource, string(SourceNetworkError))
	c.Set("Cache-Control", "no-store")
	return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "network_error"})
}

func (h *Handler) logResult(req *Request, result *Result, requestID string, started time.Time, err error) {
	fields := logging.RequestFields(
		req.Method,
		req.URL.String(),
		string(result.Strategy),
		string(result.Source),
		result.Generation,
		result.Strategy != StrategyPassthrough,
	)
	fields["action"] = "proxy"
	fields["kind"] = req.Kind.String()
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if result.Snapshot != nil {
		fields["status"] = result.Snapshot.Status
	} else if result.Response != nil {
		fields["status"] = result.Response.StatusCode
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if result.Err != nil {
		fields["upstream_error"] = result.Err.Error()
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	if result.Source == SourceNetworkError {
		h.logger.WithFields(fields).Warn("proxy_network_error")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if network.IsHopByHopHeader(key) || key == "Content-Length" {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}
