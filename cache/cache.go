// Package cache 按 (图片, 模型) 缓存去背景结果
package cache

import (
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/emirpasic/gods/v2/maps/linkedhashmap"

	"github.com/chaos-io/imgforge/metrics"
)

type Key struct {
	ImageID string
	ModelID string
}

// Cache 并发安全；MaxEntries 为 0 时不限制条目数，否则淘汰最早写入的条目。
// 存取都会复制数据，调用方拿到的切片可以随意修改
type Cache struct {
	mu         sync.Mutex
	entries    *linkedhashmap.Map[Key, []byte]
	maxEntries int
}

func New(maxEntries int) *Cache {
	if maxEntries < 0 {
		maxEntries = 0
	}
	return &Cache{entries: linkedhashmap.New[Key, []byte](), maxEntries: maxEntries}
}

func (c *Cache) Get(imageID, modelID string) ([]byte, bool) {
	c.mu.Lock()
	blob, ok := c.entries.Get(Key{ImageID: imageID, ModelID: modelID})
	c.mu.Unlock()
	if !ok {
		metrics.CacheMisses.Inc()
		return nil, false
	}
	metrics.CacheHits.Inc()
	return clone(blob), true
}

// Put 写入或覆盖；覆盖不改变条目的淘汰顺序
func (c *Cache) Put(imageID, modelID string, blob []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries.Put(Key{ImageID: imageID, ModelID: modelID}, clone(blob))
	for c.maxEntries > 0 && c.entries.Size() > c.maxEntries {
		it := c.entries.Iterator()
		if !it.First() {
			break
		}
		c.entries.Remove(it.Key())
	}
	metrics.CacheEntries.Set(float64(c.entries.Size()))
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Size()
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Clear()
	metrics.CacheEntries.Set(0)
}

// Keys 按写入顺序返回全部键
func (c *Cache) Keys() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Keys()
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append(make([]byte, 0, len(b)), b...)
}

// ImageID 调用方没有提供图片 ID 时，用源数据的 xxhash 作为标识
func ImageID(data []byte) string {
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}
