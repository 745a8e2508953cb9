package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/dep2p/go-dsync/pkg/types"
)

// EventsConfig EventSystem 配置
type EventsConfig struct {
	// DedupCacheSize 去重缓存容量（事件 ID 数）
	DedupCacheSize int `json:"dedup_cache_size" yaml:"dedup_cache_size"`

	// Workers 入站处理工作协程数（按实体哈希分片）
	Workers int `json:"workers" yaml:"workers"`

	// WorkerQueue 每个工作协程的队列容量
	WorkerQueue int `json:"worker_queue" yaml:"worker_queue"`

	// SubscriberBuffer 每个订阅的回调缓冲，满时丢弃并计数
	SubscriberBuffer int `json:"subscriber_buffer" yaml:"subscriber_buffer"`

	// CompressThreshold 负载超过该字节数时压缩帧，0 表示不压缩
	CompressThreshold int `json:"compress_threshold" yaml:"compress_threshold"`

	// Priorities 按事件类型覆盖发送优先级，如 {"counter_add": "low"}
	Priorities map[string]string `json:"priorities,omitempty" yaml:"priorities,omitempty"`

	// SyncInterval 向已连接节点周期发送追赶摘要的间隔，0 表示只在连接建立时发送
	SyncInterval Duration `json:"sync_interval" yaml:"sync_interval"`

	// DigestBatch 每个摘要帧最多携带的实体数
	DigestBatch int `json:"digest_batch" yaml:"digest_batch"`
}

// DefaultEventsConfig 返回默认事件系统配置
func DefaultEventsConfig() EventsConfig {
	return EventsConfig{
		DedupCacheSize:    65536,
		Workers:           8,
		WorkerQueue:       256,
		SubscriberBuffer:  128,
		CompressThreshold: 1024,
		SyncInterval:      Duration(30 * time.Second),
		DigestBatch:       512,
	}
}

// Validate 验证事件系统配置
func (c EventsConfig) Validate() error {
	if c.DedupCacheSize <= 0 {
		return errors.New("events: dedup_cache_size must be positive")
	}
	if c.Workers <= 0 || c.WorkerQueue <= 0 {
		return errors.New("events: workers and worker_queue must be positive")
	}
	if c.SubscriberBuffer <= 0 {
		return errors.New("events: subscriber_buffer must be positive")
	}
	if c.CompressThreshold < 0 {
		return errors.New("events: compress_threshold must not be negative")
	}
	if c.SyncInterval < 0 {
		return errors.New("events: sync_interval must not be negative")
	}
	if c.DigestBatch <= 0 {
		return errors.New("events: digest_batch must be positive")
	}
	for name, prio := range c.Priorities {
		if _, err := types.ParseEventType(name); err != nil {
			return fmt.Errorf("events: priorities: %w", err)
		}
		if _, ok := types.ParsePriority(prio); !ok {
			return fmt.Errorf("events: priorities: unknown priority %q for %s", prio, name)
		}
	}
	return nil
}

// ReconcileConfig 协调引擎配置
type ReconcileConfig struct {
	// LockTimeout 等待实体锁的最长时间，超时返回 ErrTimeout
	LockTimeout Duration `json:"lock_timeout" yaml:"lock_timeout"`
}

// DefaultReconcileConfig 返回默认协调引擎配置
func DefaultReconcileConfig() ReconcileConfig {
	return ReconcileConfig{
		LockTimeout: Duration(30 * time.Second),
	}
}

// Validate 验证协调引擎配置
func (c ReconcileConfig) Validate() error {
	if c.LockTimeout <= 0 {
		return errors.New("reconcile: lock_timeout must be positive")
	}
	return nil
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	// Enabled 是否注册指标
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Namespace 指标命名空间
	Namespace string `json:"namespace" yaml:"namespace"`

	// ListenAddr /metrics HTTP 监听地址，为空表示不暴露
	ListenAddr string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "dsync",
	}
}

// Validate 验证指标配置
func (c MetricsConfig) Validate() error {
	if c.Enabled && c.Namespace == "" {
		return errors.New("metrics: namespace cannot be empty")
	}
	return nil
}
