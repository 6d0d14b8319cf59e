package fetch

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"sync"
)

// ResponseType 对应浏览器的 Response.type。只有 basic 响应可以被机会式写入缓存。
type ResponseType string

const (
	TypeBasic  ResponseType = "basic"
	TypeCORS   ResponseType = "cors"
	TypeOpaque ResponseType = "opaque"
	TypeError  ResponseType = "error"
)

// ErrBodyUsed 表示正文已经被读取过，无法再次读取或克隆。
var ErrBodyUsed = errors.New("response body already used")

// Response 是一次网络或缓存响应。正文只能被消费一次。
type Response struct {
	Type       ResponseType
	URL        string
	Status     int
	StatusText string
	Header     http.Header

	mu   sync.Mutex
	body io.ReadCloser
	used bool
}

// NewResponse 包装正文 Reader；body 为 nil 时视为空正文。
func NewResponse(typ ResponseType, rawURL string, status int, header http.Header, body io.ReadCloser) *Response {
	if header == nil {
		header = http.Header{}
	}
	if body == nil {
		body = http.NoBody
	}
	return &Response{
		Type:       typ,
		URL:        rawURL,
		Status:     status,
		StatusText: http.StatusText(status),
		Header:     header,
		body:       body,
	}
}

// NewBytesResponse 以内存正文构造响应，常用于缓存命中。
func NewBytesResponse(typ ResponseType, rawURL string, status int, header http.Header, body []byte) *Response {
	return NewResponse(typ, rawURL, status, header, io.NopCloser(bytes.NewReader(body)))
}

// OK 对应 Response.ok：状态码位于 200-299。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// BodyUsed 报告正文是否已被读取。
func (r *Response) BodyUsed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}

// Body 交出正文 Reader，并把响应标记为已消费。调用方负责 Close。
func (r *Response) Body() (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return nil, ErrBodyUsed
	}
	r.used = true
	return r.body, nil
}

// Bytes 读取并关闭完整正文。
func (r *Response) Bytes() ([]byte, error) {
	body, err := r.Body()
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

// Clone 在正文被消费前复制出一份独立响应。原始正文会被完整读入内存，
// 两份响应各自持有自己的 Reader。
func (r *Response) Clone() (*Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return nil, ErrBodyUsed
	}

	buf, err := io.ReadAll(r.body)
	closeErr := r.body.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		r.used = true
		return nil, err
	}
	r.body = io.NopCloser(bytes.NewReader(buf))

	return &Response{
		Type:       r.Type,
		URL:        r.URL,
		Status:     r.Status,
		StatusText: r.StatusText,
		Header:     r.Header.Clone(),
		body:       io.NopCloser(bytes.NewReader(buf)),
	}, nil
}

// Close 释放未被读取的正文。
func (r *Response) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return nil
	}
	r.used = true
	return r.body.Close()
}
