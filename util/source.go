package util

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	nhttp "github.com/chaos-io/imgforge/util/http"
)

// IsURL 只识别 http/https
func IsURL(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

// ReadSource 读取本地文件或下载 URL，返回内容和用于推断格式的文件名
func ReadSource(ctx context.Context, cli nhttp.IClient, src string) ([]byte, string, error) {
	if !IsURL(src) {
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, "", err
		}
		return data, filepath.Base(src), nil
	}

	if cli == nil {
		cli = nhttp.NewHTTPClient()
	}
	var data []byte
	err := cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: src,
		Method:     http.MethodGet,
		Response:   &data,
	})
	if err != nil {
		return nil, "", fmt.Errorf("download %s: %w", src, err)
	}
	return data, remoteName(src), nil
}

// remoteName URL 路径的最后一段，去掉查询参数
func remoteName(src string) string {
	u, err := url.Parse(src)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "download"
	}
	return path.Base(u.Path)
}
