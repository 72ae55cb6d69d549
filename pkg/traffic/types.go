package traffic

import (
	"net/http"
	"strings"
)

// Header 封装通用的头部操作
type Header map[string]string

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Set 设置指定 Header 的值（自动转换为小写）
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Del 删除指定 Header
func (h Header) Del(key string) {
	delete(h, strings.ToLower(key))
}

// Clone 复制一份 Header
func (h Header) Clone() map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Request 被拦截的出站请求
type Request struct {
	ID           string            // 浏览器侧请求ID
	URL          string            // 完整URL
	Method       string            // HTTP方法
	Headers      Header            // 请求头
	Body         []byte            // 请求体原始数据
	ResourceType string            // 资源类型 (如 Document, XHR)
	Query        map[string]string // 预解析的查询参数
	Cookies      map[string]string // 预解析的Cookie
}

// Response 模拟响应，构造后不应再修改
type Response struct {
	StatusCode  int    // 状态码
	ContentType string // Content-Type
	Headers     Header // 额外响应头
	Body        []byte // 响应体数据
}

// Responder 根据请求生成模拟响应；返回 nil 表示放行到真实网络
type Responder func(req *Request) *Response

// NewRequest 创建初始化请求对象
func NewRequest() *Request {
	return &Request{
		Headers: make(Header),
		Query:   make(map[string]string),
		Cookies: make(map[string]string),
	}
}

// NewResponse 创建初始化响应对象
func NewResponse() *Response {
	return &Response{
		StatusCode: http.StatusOK,
		Headers:    make(Header),
	}
}

// New 创建指定状态码、类型与内容的响应
func New(status int, contentType string, body []byte) *Response {
	r := NewResponse()
	r.StatusCode = status
	r.ContentType = contentType
	r.Body = body
	return r
}

// JSON 200 JSON 响应
func JSON(body string) *Response {
	return New(http.StatusOK, "application/json", []byte(body))
}

// Text 200 纯文本响应
func Text(body string) *Response {
	return New(http.StatusOK, "text/plain", []byte(body))
}

// Script 200 JavaScript 响应，常用于替换第三方 SDK
func Script(body string) *Response {
	return New(http.StatusOK, "application/javascript", []byte(body))
}

// HTML 200 HTML 响应
func HTML(body string) *Response {
	return New(http.StatusOK, "text/html", []byte(body))
}

// Static 每次都返回同一个响应的 Responder
func Static(resp *Response) Responder {
	return func(*Request) *Response { return resp }
}

// AllHeaders 合并 Content-Type 与额外响应头
func (r *Response) AllHeaders() Header {
	out := make(Header, len(r.Headers)+1)
	for k, v := range r.Headers {
		out.Set(k, v)
	}
	if r.ContentType != "" {
		out.Set("Content-Type", r.ContentType)
	}
	return out
}
