package http

import (
	"context"
	"time"
)

// IClient 抓取和 ComfyUI 后端都通过它发请求，测试里可以换成假实现
type IClient interface {
	DoHTTPRequest(ctx context.Context, requestParam *RequestParam) error
}

// RequestParam 请求参数
//
// Body 支持 nil、io.Reader、[]byte，其他类型按 JSON 序列化。
// Response 为 *[]byte 时保存原始响应体，否则按 JSON 反序列化。
type RequestParam struct {
	RequestURI string
	Method     string
	Header     map[string]string
	Query      map[string]string
	Body       interface{}
	Response   interface{}

	Timeout time.Duration
}
