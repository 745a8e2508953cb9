package config

import (
	"errors"
)

// ValidateAll 验证整个配置的有效性
//
// 这是 Config.Validate() 的别名，提供更明确的语义。
func ValidateAll(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	return c.Validate()
}

// ValidateAndFix 验证配置并尝试自动修复常见问题
//
// 可修复的问题：
//   - 退避上限小于基数 -> 交换值
//   - 非正的容量或超时 -> 使用默认值
//   - 缺少命名空间 -> 使用默认值
func ValidateAndFix(c *Config) (*Config, error) {
	if c == nil {
		return NewConfig(), nil
	}

	netDefaults := DefaultNetworkConfig()
	if c.Network.BackoffMax < c.Network.BackoffBase {
		c.Network.BackoffBase, c.Network.BackoffMax = c.Network.BackoffMax, c.Network.BackoffBase
	}
	if c.Network.BackoffBase <= 0 {
		c.Network.BackoffBase = netDefaults.BackoffBase
	}
	if c.Network.BackoffMax <= 0 {
		c.Network.BackoffMax = netDefaults.BackoffMax
	}
	if c.Network.QueueSize <= 0 {
		c.Network.QueueSize = netDefaults.QueueSize
	}
	if c.Network.DialTimeout <= 0 {
		c.Network.DialTimeout = netDefaults.DialTimeout
	}
	if c.Network.SendTimeout <= 0 {
		c.Network.SendTimeout = netDefaults.SendTimeout
	}
	if c.Network.MaxDialAttempts <= 0 {
		c.Network.MaxDialAttempts = netDefaults.MaxDialAttempts
	}

	evDefaults := DefaultEventsConfig()
	if c.Events.Workers <= 0 {
		c.Events.Workers = evDefaults.Workers
	}
	if c.Events.WorkerQueue <= 0 {
		c.Events.WorkerQueue = evDefaults.WorkerQueue
	}
	if c.Events.DedupCacheSize <= 0 {
		c.Events.DedupCacheSize = evDefaults.DedupCacheSize
	}
	if c.Events.SubscriberBuffer <= 0 {
		c.Events.SubscriberBuffer = evDefaults.SubscriberBuffer
	}
	if c.Events.DigestBatch <= 0 {
		c.Events.DigestBatch = evDefaults.DigestBatch
	}

	if c.Reconcile.LockTimeout <= 0 {
		c.Reconcile.LockTimeout = DefaultReconcileConfig().LockTimeout
	}
	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		c.Metrics.Namespace = DefaultMetricsConfig().Namespace
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
