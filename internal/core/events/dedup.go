package events

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dep2p/go-dsync/pkg/types"
)

// dedupCache 按事件 ID 去重的有界缓存
//
// 本地发布的事件在发布时写入，回环的副本因此被丢弃。
// 被淘汰的 ID 再次到达时由引擎的 Applied 集合判为 Stale。
type dedupCache struct {
	cache *lru.Cache[types.EventID, struct{}]
}

func newDedupCache(size int) (*dedupCache, error) {
	c, err := lru.New[types.EventID, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &dedupCache{cache: c}, nil
}

// seen 查询事件是否已处理，不改变淘汰顺序
func (d *dedupCache) seen(id types.EventID) bool {
	return d.cache.Contains(id)
}

// mark 记录已处理的事件
func (d *dedupCache) mark(id types.EventID) {
	d.cache.Add(id, struct{}{})
}

func (d *dedupCache) len() int {
	return d.cache.Len()
}
