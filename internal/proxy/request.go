package proxy

import (
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// Kind 区分导航请求与子资源请求。
type Kind int

const (
	KindResource Kind = iota
	KindNavigation
)

func (k Kind) String() string {
	if k == KindNavigation {
		return "navigation"
	}
	return "resource"
}

// Request 是一次被拦截请求的瞬时记录，不会被持久化。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
	Kind   Kind
	// ClientID 标识发起请求的客户端，用于接管统计。
	ClientID string
}

// NewRequest 构造请求记录并判定其类型。
func NewRequest(method string, u *url.URL, header http.Header, body []byte) *Request {
	if header == nil {
		header = http.Header{}
	}
	req := &Request{
		Method: strings.ToUpper(method),
		URL:    u,
		Header: header,
		Body:   body,
	}
	if isNavigation(req.Method, header) {
		req.Kind = KindNavigation
	}
	return req
}

// isNavigation 优先使用浏览器的 Sec-Fetch-Mode；缺失时退回到
// “GET 且 Accept 首选 text/html” 的判断。
func isNavigation(method string, header http.Header) bool {
	if mode := header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	if method != http.MethodGet {
		return false
	}
	for _, part := range strings.Split(header.Get("Accept"), ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		return mediaType == "text/html" || mediaType == "application/xhtml+xml"
	}
	return false
}
