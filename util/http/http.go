package http

import (
	"context"
	"time"
)

type IClient interface {
	DoHTTPRequest(ctx context.Context, requestParam *RequestParam) error
}

// RequestParam 请求参数
//
// Body 支持 nil、io.Reader、[]byte、string，其它类型按 JSON 序列化；
// Response 支持 nil（丢弃响应体）、io.Writer（流式写入）、*[]byte（原始字节），其它类型按 JSON 反序列化
type RequestParam struct {
	RequestURI string
	Method     string
	Header     map[string]string
	Body       interface{}
	Response   interface{}

	Timeout time.Duration
}
