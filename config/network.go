package config

import (
	"errors"
	"time"
)

// NetworkConfig NetworkHandler 配置
//
// 出站队列、拨号重试与入站限流：
//   - 每个优先级一个有界队列，高优先级先排空
//   - 拨号失败按指数退避重试（base 1s，cap 60s，±20% 抖动）
//   - 断开期间 High/Medium 消息暂存到每节点有界队列
type NetworkConfig struct {
	// QueueSize 每个优先级的出站队列容量
	QueueSize int `json:"queue_size" yaml:"queue_size"`

	// EnqueueTimeout 队列满时 High/Medium 最长等待时间
	EnqueueTimeout Duration `json:"enqueue_timeout" yaml:"enqueue_timeout"`

	// DialTimeout 单次拨号超时
	DialTimeout Duration `json:"dial_timeout" yaml:"dial_timeout"`

	// SendTimeout 单次传输层发送超时
	SendTimeout Duration `json:"send_timeout" yaml:"send_timeout"`

	// BackoffBase 重试退避基数
	BackoffBase Duration `json:"backoff_base" yaml:"backoff_base"`

	// BackoffMax 重试退避上限
	BackoffMax Duration `json:"backoff_max" yaml:"backoff_max"`

	// BackoffJitter 抖动比例（0.2 表示 ±20%）
	BackoffJitter float64 `json:"backoff_jitter" yaml:"backoff_jitter"`

	// MaxDialAttempts 连续失败上限，超过后节点标记为不可达
	MaxDialAttempts int `json:"max_dial_attempts" yaml:"max_dial_attempts"`

	// PendingPerPeer 断开期间每节点暂存消息上限
	PendingPerPeer int `json:"pending_per_peer" yaml:"pending_per_peer"`

	// InboundBuffer 限流后入站通道容量
	InboundBuffer int `json:"inbound_buffer" yaml:"inbound_buffer"`

	// InboundRate 每节点入站帧速率（帧/秒），0 表示不限流
	InboundRate float64 `json:"inbound_rate" yaml:"inbound_rate"`

	// InboundBurst 每节点入站突发量
	InboundBurst int `json:"inbound_burst" yaml:"inbound_burst"`

	// LimiterTTL 空闲限流器过期时间
	LimiterTTL Duration `json:"limiter_ttl" yaml:"limiter_ttl"`

	// LimiterCacheSize 限流器缓存容量
	LimiterCacheSize int `json:"limiter_cache_size" yaml:"limiter_cache_size"`
}

// DefaultNetworkConfig 返回默认网络配置
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		QueueSize:        256,
		EnqueueTimeout:   Duration(5 * time.Second),
		DialTimeout:      Duration(10 * time.Second),
		SendTimeout:      Duration(10 * time.Second),
		BackoffBase:      Duration(time.Second),
		BackoffMax:       Duration(60 * time.Second),
		BackoffJitter:    0.2,
		MaxDialAttempts:  8,
		PendingPerPeer:   128,
		InboundBuffer:    1024,
		InboundRate:      500,
		InboundBurst:     1000,
		LimiterTTL:       Duration(10 * time.Minute),
		LimiterCacheSize: 4096,
	}
}

// Validate 验证网络配置
func (c NetworkConfig) Validate() error {
	if c.QueueSize <= 0 {
		return errors.New("network: queue_size must be positive")
	}
	if c.EnqueueTimeout < 0 {
		return errors.New("network: enqueue_timeout must not be negative")
	}
	if c.DialTimeout <= 0 || c.SendTimeout <= 0 {
		return errors.New("network: dial_timeout and send_timeout must be positive")
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return errors.New("network: backoff_max must be >= backoff_base > 0")
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		return errors.New("network: backoff_jitter must be in [0, 1)")
	}
	if c.MaxDialAttempts <= 0 {
		return errors.New("network: max_dial_attempts must be positive")
	}
	if c.PendingPerPeer < 0 {
		return errors.New("network: pending_per_peer must not be negative")
	}
	if c.InboundBuffer <= 0 {
		return errors.New("network: inbound_buffer must be positive")
	}
	if c.InboundRate < 0 {
		return errors.New("network: inbound_rate must not be negative")
	}
	if c.InboundRate > 0 && c.InboundBurst <= 0 {
		return errors.New("network: inbound_burst must be positive when rate limiting")
	}
	if c.LimiterCacheSize <= 0 {
		return errors.New("network: limiter_cache_size must be positive")
	}
	return nil
}
