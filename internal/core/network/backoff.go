package network

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/dep2p/go-dsync/config"
)

// backoff 拨号重试退避：base·2^(attempt-1)，上限 max，再乘以 1±jitter
type backoff struct {
	base   time.Duration
	max    time.Duration
	jitter float64

	// rand 返回 [0,1) 的随机数，测试可替换
	rand func() float64
}

func newBackoff(cfg config.NetworkConfig) *backoff {
	return &backoff{
		base:   time.Duration(cfg.BackoffBase),
		max:    time.Duration(cfg.BackoffMax),
		jitter: cfg.BackoffJitter,
		rand:   rand.Float64,
	}
}

// delay 计算第 attempt 次失败后的等待时间
func (b *backoff) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(b.base) * math.Pow(2, float64(attempt-1))
	if d > float64(b.max) {
		d = float64(b.max)
	}

	if b.jitter > 0 {
		d *= 1 + b.jitter*(2*b.rand()-1)
	}
	return time.Duration(d)
}
