package cdp

import (
	"encoding/json"
	"net/url"
	"sort"
	"strings"

	"cdpharness/pkg/model"
	"cdpharness/pkg/traffic"

	"github.com/mafredri/cdp/protocol/fetch"
)

// ToNeutralRequest 将 CDP 事件转换为中立 Request 模型
func ToNeutralRequest(ev *fetch.RequestPausedReply) *traffic.Request {
	req := traffic.NewRequest()
	req.ID = string(ev.RequestID)
	req.URL = ev.Request.URL
	req.Method = ev.Request.Method
	req.ResourceType = string(ev.ResourceType)
	if ev.Request.PostData != nil {
		req.Body = []byte(*ev.Request.PostData)
	}

	// 处理 Header
	var headers map[string]string
	if len(ev.Request.Headers) > 0 {
		if err := json.Unmarshal(ev.Request.Headers, &headers); err == nil {
			for k, v := range headers {
				req.Headers.Set(k, v)
			}
		}
	}

	// 解析 Query 参数
	if u, err := url.Parse(req.URL); err == nil {
		for key, vals := range u.Query() {
			if len(vals) > 0 {
				req.Query[strings.ToLower(key)] = vals[0]
			}
		}
	}

	// 解析 Cookie
	if cookieHeader := req.Headers.Get("cookie"); cookieHeader != "" {
		for _, pair := range strings.Split(cookieHeader, ";") {
			pair = strings.TrimSpace(pair)
			if kv := strings.SplitN(pair, "=", 2); len(kv) == 2 {
				req.Cookies[strings.ToLower(kv[0])] = kv[1]
			}
		}
	}

	return req
}

// ToCapturedRequest 转换为请求日志条目
func ToCapturedRequest(req *traffic.Request, ts int64) model.CapturedRequest {
	return model.CapturedRequest{
		ID:           req.ID,
		URL:          req.URL,
		Method:       req.Method,
		ResourceType: req.ResourceType,
		Headers:      req.Headers.Clone(),
		Timestamp:    ts,
	}
}

// ToHeaderEntries 将中立 Header 转换为 CDP Header 条目（按名称排序保证稳定）
func ToHeaderEntries(h traffic.Header) []fetch.HeaderEntry {
	entries := make([]fetch.HeaderEntry, 0, len(h))
	for k, v := range h {
		entries = append(entries, fetch.HeaderEntry{Name: k, Value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// ToFulfillArgs 将模拟响应转换为 Fetch.fulfillRequest 参数
func ToFulfillArgs(id fetch.RequestID, resp *traffic.Response) *fetch.FulfillRequestArgs {
	status := resp.StatusCode
	if status == 0 {
		status = 200
	}
	args := &fetch.FulfillRequestArgs{
		RequestID:       id,
		ResponseCode:    status,
		ResponseHeaders: ToHeaderEntries(resp.AllHeaders()),
	}
	if len(resp.Body) > 0 {
		args.Body = resp.Body
	}
	return args
}
