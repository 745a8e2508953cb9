package network

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/dep2p/go-dsync/config"
	"github.com/dep2p/go-dsync/pkg/types"
)

// limiter 每节点入站帧限流
//
// 限流器缓存在过期 LRU 中，空闲超过 TTL 或超出容量的节点被淘汰，
// 再次出现时以满桶重新开始。
type limiter struct {
	limit rate.Limit
	burst int

	mu    sync.Mutex
	cache *expirable.LRU[types.PeerID, *rate.Limiter]
}

// newLimiter 创建限流器，速率为 0 时返回 nil（不限流）
func newLimiter(cfg config.NetworkConfig) *limiter {
	if cfg.InboundRate <= 0 {
		return nil
	}
	return &limiter{
		limit: rate.Limit(cfg.InboundRate),
		burst: cfg.InboundBurst,
		cache: expirable.NewLRU[types.PeerID, *rate.Limiter](cfg.LimiterCacheSize, nil, time.Duration(cfg.LimiterTTL)),
	}
}

// allow 判断节点在 now 时刻能否再收一帧
func (l *limiter) allow(peer types.PeerID, now time.Time) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.cache.Get(peer)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
	}
	// 重新加入以刷新过期时间
	l.cache.Add(peer, lim)
	return lim.AllowN(now, 1)
}

// len 当前缓存的限流器数
func (l *limiter) len() int {
	if l == nil {
		return 0
	}
	return l.cache.Len()
}
