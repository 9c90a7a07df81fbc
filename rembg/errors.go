package rembg

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/chaos-io/imgforge/assets"
	"github.com/chaos-io/imgforge/infer"
	"github.com/chaos-io/imgforge/provider"
	nhttp "github.com/chaos-io/imgforge/util/http"
)

var (
	// ErrModelUnavailable 模型在当前环境不可用（没有配置权重等），Pro 会降级到 Balanced
	ErrModelUnavailable = errors.New("rembg: model unavailable")
	// ErrNetwork 网络/跨域类失败，Fast 模型遇到时直接升级到 Pro
	ErrNetwork    = errors.New("rembg: network failure")
	ErrEmptyInput = errors.New("rembg: empty input")
)

type Attempt struct {
	Model    Model
	Provider provider.Provider
	Err      error
}

// ChainError 所有候选模型都失败
type ChainError struct {
	Tried []Attempt
}

func (e *ChainError) Error() string {
	parts := make([]string, 0, len(e.Tried))
	for _, a := range e.Tried {
		parts = append(parts, fmt.Sprintf("%s(%s): %v", a.Model, a.Provider, a.Err))
	}
	return "rembg: all models failed: " + strings.Join(parts, "; ")
}

func (e *ChainError) Unwrap() []error {
	errs := make([]error, 0, len(e.Tried))
	for _, a := range e.Tried {
		errs = append(errs, a.Err)
	}
	return errs
}

// IsNetwork 判断是否为网络类失败（下载模型失败、连接错误、401/403/404/451）。
// 推理超时不算网络失败
func IsNetwork(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNetwork) || errors.Is(err, assets.ErrFetch) {
		return true
	}
	if errors.Is(err, infer.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var se *nhttp.StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnavailableForLegalReasons:
			return true
		}
		return false
	}

	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
