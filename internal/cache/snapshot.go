package cache

import (
	"fmt"
	"io"
	"net/http"
	"time"
)

// Snapshot 是某一时刻响应的不可变副本。响应体只能读取一次，因此调用方与缓存
// 各自持有独立的 Snapshot（见 Clone），互不影响。
type Snapshot struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// NewSnapshot 读完并关闭 resp.Body，复制状态码与头部。Content-Length 由
// 写回时根据 Body 重新计算，因此不保留。
func NewSnapshot(resp *http.Response) (*Snapshot, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil response")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	rawURL := ""
	if resp.Request != nil && resp.Request.URL != nil {
		rawURL = resp.Request.URL.String()
	}

	snap := &Snapshot{
		URL:      rawURL,
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}
	snap.Header.Del("Content-Length")
	return snap, nil
}

// Clone 返回一个与原快照不共享任何可变状态的副本。
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Header = cloneHeader(s.Header)
	if s.Body != nil {
		out.Body = append([]byte(nil), s.Body...)
	}
	return &out
}

// OK 对应 fetch 语义中的 response.ok（2xx）。
func (s *Snapshot) OK() bool {
	return s != nil && s.Status >= 200 && s.Status < 300
}

// Size 返回正文字节数。
func (s *Snapshot) Size() int {
	if s == nil {
		return 0
	}
	return len(s.Body)
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
