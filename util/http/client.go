package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// 错误响应体最多保留这么多字节放进错误信息
const maxErrorBody = 1024

// StatusError 非 2xx 响应
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP request failed with status %d: %s", e.Code, e.Body)
}

type HTTPClient struct {
	client *http.Client
}

func NewHTTPClient() IClient {
	return &HTTPClient{client: &http.Client{Timeout: defaultTimeout}}
}

// NewHTTPClientWith 使用自定义的 http.Client，下载大文件时可以去掉整体超时
func NewHTTPClientWith(c *http.Client) IClient {
	if c == nil {
		c = &http.Client{Timeout: defaultTimeout}
	}
	return &HTTPClient{client: c}
}

func (h *HTTPClient) DoHTTPRequest(ctx context.Context, param *RequestParam) error {
	if param == nil {
		return errors.New("request param is nil")
	}

	if param.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, param.Timeout)
		defer cancel()
	}

	body, err := requestBody(param.Body)
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}

	method := param.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, param.RequestURI, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	for k, v := range param.Header {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: string(msg)}
	}

	return decodeResponse(resp.Body, param.Response)
}

func requestBody(body interface{}) (io.Reader, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case io.Reader:
		return b, nil
	case []byte:
		return bytes.NewReader(b), nil
	case string:
		return strings.NewReader(b), nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, err
		}
		return bytes.NewReader(data), nil
	}
}

func decodeResponse(r io.Reader, out interface{}) error {
	switch o := out.(type) {
	case nil:
		_, err := io.Copy(io.Discard, r)
		return err
	case io.Writer:
		if _, err := io.Copy(o, r); err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		return nil
	case *[]byte:
		data, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		*o = data
		return nil
	default:
		data, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode body: %w", err)
		}
		return nil
	}
}
