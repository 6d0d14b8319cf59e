// Package fetch models intercepted requests and network responses. Responses
// carry a read-once body: whoever needs two copies (cache + page) must call
// Clone before the first read.
package fetch

import (
	"net/http"
	"net/url"
	"strings"
)

// Mode 对应浏览器请求模式，决定跨域响应被标记为 cors 还是 opaque。
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeSameOrigin Mode = "same-origin"
	ModeCORS       Mode = "cors"
	ModeNoCORS     Mode = "no-cors"
)

// Request 描述一次被拦截的请求。URL 必须是绝对地址。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
	Mode   Mode
}

// NewRequest 以 GET 为默认方法构造请求，rawURL 必须可解析为绝对地址。
func NewRequest(method, rawURL string) (*Request, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    parsed,
		Header: http.Header{},
		Mode:   ModeCORS,
	}, nil
}

// ModeFromHeader 读取 Sec-Fetch-Mode；缺失或未知时按 fallback 处理。
func ModeFromHeader(header http.Header, fallback Mode) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Mode")))) {
	case ModeNavigate:
		return ModeNavigate
	case ModeSameOrigin:
		return ModeSameOrigin
	case ModeCORS:
		return ModeCORS
	case ModeNoCORS:
		return ModeNoCORS
	}
	return fallback
}

// CanonicalURL 返回去掉 fragment 的 URL 字符串，作为请求身份的一部分。
func (r *Request) CanonicalURL() string {
	if r == nil || r.URL == nil {
		return ""
	}
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// Identity 返回 "METHOD URL" 形式的请求身份。
func (r *Request) Identity() string {
	return r.Method + " " + r.CanonicalURL()
}

// SameOrigin 判断请求地址是否与 origin 同源（scheme + host 一致）。
func (r *Request) SameOrigin(origin *url.URL) bool {
	return sameOrigin(r.URL, origin)
}

func sameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}
