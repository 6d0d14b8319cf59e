package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"time"
)

// Fetcher 发起网络请求。实现必须在失败时返回 error，而不是 nil 响应。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc 允许以函数实现 Fetcher，便于测试注入。
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// ErrNoResponse 表示网络层既没有响应也没有错误。
var ErrNoResponse = errors.New("network returned no response")

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewHTTPClient 返回共享 http.Client，timeout <= 0 时使用 30s。
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}

// Client 通过 http.Client 访问源站及跨域资源，并按源站判定响应类型。
type Client struct {
	http   *http.Client
	origin *url.URL
}

// NewClient 构造 Fetcher；origin 用于区分 basic 与 cors/opaque 响应。
func NewClient(httpClient *http.Client, origin *url.URL) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(0)
	}
	return &Client{http: httpClient, origin: origin}
}

// Fetch 发起请求并返回未读取的响应，调用方负责消费或关闭正文。
func (c *Client) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request url required")
	}

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.CanonicalURL(), body)
	if err != nil {
		return nil, err
	}
	httpReq.Header = UpstreamHeader(req.Header)
	httpReq.Host = req.URL.Host

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.CanonicalURL(), err)
	}
	if resp == nil {
		return nil, ErrNoResponse
	}

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}
	header := http.Header{}
	CopyHeaders(header, resp.Header)

	out := NewResponse(c.classify(finalURL, req.Mode), finalURL.String(), resp.StatusCode, header, resp.Body)
	if resp.Status != "" {
		out.StatusText = statusText(resp.Status, resp.StatusCode)
	}
	return out, nil
}

// classify 复刻浏览器的响应类型判定：同源为 basic，跨域 no-cors 为 opaque，其余为 cors。
func (c *Client) classify(final *url.URL, mode Mode) ResponseType {
	if sameOrigin(final, c.origin) {
		return TypeBasic
	}
	if mode == ModeNoCORS {
		return TypeOpaque
	}
	return TypeCORS
}

func statusText(status string, code int) string {
	prefix := fmt.Sprintf("%d ", code)
	if len(status) > len(prefix) && status[:len(prefix)] == prefix {
		return status[len(prefix):]
	}
	return http.StatusText(code)
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// UpstreamHeader 返回实际发往上游的请求头：去掉 hop-by-hop、Host 与 Accept-Encoding。
// 缓存保存解码后的正文，不向上游协商压缩，因此 Vary 比较也只看这份请求头。
func UpstreamHeader(src http.Header) http.Header {
	dst := http.Header{}
	CopyHeaders(dst, src)
	dst.Del("Host")
	dst.Del("Accept-Encoding")
	return dst
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
