// Package assets 管理本地缓存的模型权重：缺失或过期时下载，定期清理
package assets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/chaos-io/imgforge/logging"
	"github.com/chaos-io/imgforge/metrics"
	nhttp "github.com/chaos-io/imgforge/util/http"
)

// DefaultTTL 模型文件的有效期
const DefaultTTL = 72 * time.Hour

const partialSuffix = ".part"

// ErrFetch 下载失败；rembg 把它当作网络类错误处理
var ErrFetch = errors.New("assets: fetch failed")

type Store struct {
	dir   string
	ttl   time.Duration
	cli   nhttp.IClient
	log   *zap.Logger
	group singleflight.Group
	now   func() time.Time
}

type Option func(*Store)

func WithClient(c nhttp.IClient) Option {
	return func(s *Store) { s.cli = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = logging.OrNop(l) }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(dir string, ttl time.Duration, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		dir: dir,
		ttl: ttl,
		// 模型文件较大，整体超时交给调用方的 ctx
		cli: nhttp.NewHTTPClientWith(&http.Client{}),
		log: zap.NewNop(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Dir() string { return s.dir }

// Path 返回模型文件在本地的路径，不检查是否存在
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}

func (s *Store) fresh(info os.FileInfo) bool {
	return s.now().Sub(info.ModTime()) < s.ttl
}

// Ensure 返回可用的本地路径。文件缺失或超过 TTL 时从 url 下载；
// 刷新失败但旧文件还在时继续使用旧文件
func (s *Store) Ensure(ctx context.Context, name, url string) (string, error) {
	path := s.Path(name)
	if info, err := os.Stat(path); err == nil && s.fresh(info) {
		return path, nil
	}

	v, err, _ := s.group.Do(name, func() (interface{}, error) {
		// 等待期间可能已经被别的调用下载好
		if info, err := os.Stat(path); err == nil && s.fresh(info) {
			return path, nil
		}
		if err := s.download(ctx, path, url); err != nil {
			if _, statErr := os.Stat(path); statErr == nil {
				s.log.Warn("refresh failed, using stale asset", zap.String("name", name), zap.Error(err))
				return path, nil
			}
			return "", err
		}
		return path, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Store) download(ctx context.Context, path, url string) error {
	if url == "" {
		return fmt.Errorf("%w: no url for %s", ErrFetch, filepath.Base(path))
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create asset dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".*"+partialSuffix)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	start := s.now()
	s.log.Info("downloading model", zap.String("url", url), zap.String("path", path))
	err = s.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{RequestURI: url, Method: "GET", Response: tmp})
	if err != nil {
		metrics.AssetDownloads.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: %s: %w", ErrFetch, url, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("install asset: %w", err)
	}
	// 下载完成时间作为有效期起点
	now := s.now()
	_ = os.Chtimes(path, now, now)

	metrics.AssetDownloads.WithLabelValues("ok").Inc()
	s.log.Info("model downloaded", zap.String("path", path), zap.Duration("took", s.now().Sub(start)))
	return nil
}

// Prune 删除超过 TTL 的文件和残留的临时文件，返回删除数量
func (s *Store) Prune() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read asset dir: %w", err)
	}

	removed := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if s.fresh(info) && !strings.HasSuffix(e.Name(), partialSuffix) {
			continue
		}
		if strings.HasSuffix(e.Name(), partialSuffix) && s.now().Sub(info.ModTime()) < time.Hour {
			// 可能正在下载
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	metrics.AssetsPruned.Add(float64(removed))
	if removed > 0 {
		s.log.Info("pruned expired models", zap.Int("removed", removed))
	}
	return removed, errors.Join(errs...)
}

// Schedule 按 cron 表达式定期执行 Prune，返回的 Cron 已启动，调用方负责 Stop
func (s *Store) Schedule(spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if _, err := s.Prune(); err != nil {
			s.log.Warn("prune models", zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule prune %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}
