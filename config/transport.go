package config

import (
	"errors"
	"fmt"
	"time"
)

// 传输层类型
const (
	// TransportQUIC 基于 quic-go 的传输
	TransportQUIC = "quic"
	// TransportMemory 进程内传输（测试与演示）
	TransportMemory = "memory"
)

// TransportConfig 传输层配置
type TransportConfig struct {
	// Kind 传输类型: "quic" 或 "memory"
	Kind string `json:"kind" yaml:"kind"`

	// ListenAddr 监听地址，QUIC 为 host:port，内存传输为任意唯一名称
	// 为空表示不监听（只拨号）
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`

	// HandshakeTimeout 握手超时
	HandshakeTimeout Duration `json:"handshake_timeout" yaml:"handshake_timeout"`

	// MaxIdleTimeout 最大空闲超时
	MaxIdleTimeout Duration `json:"max_idle_timeout" yaml:"max_idle_timeout"`

	// KeepAlivePeriod KeepAlive 周期
	KeepAlivePeriod Duration `json:"keep_alive_period" yaml:"keep_alive_period"`

	// MaxFrameSize 单帧最大字节数
	MaxFrameSize int `json:"max_frame_size" yaml:"max_frame_size"`

	// InboundBuffer 入站帧通道容量
	InboundBuffer int `json:"inbound_buffer" yaml:"inbound_buffer"`
}

// DefaultTransportConfig 返回默认传输配置
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Kind:             TransportQUIC,
		ListenAddr:       "0.0.0.0:4242",
		HandshakeTimeout: Duration(10 * time.Second),
		MaxIdleTimeout:   Duration(30 * time.Second),
		KeepAlivePeriod:  Duration(15 * time.Second),
		MaxFrameSize:     4 << 20,
		InboundBuffer:    1024,
	}
}

// Validate 验证传输配置
func (c TransportConfig) Validate() error {
	switch c.Kind {
	case TransportQUIC, TransportMemory:
	default:
		return fmt.Errorf("transport: unknown kind %q", c.Kind)
	}
	if c.HandshakeTimeout <= 0 {
		return errors.New("transport: handshake_timeout must be positive")
	}
	if c.MaxFrameSize <= 0 {
		return errors.New("transport: max_frame_size must be positive")
	}
	if c.InboundBuffer <= 0 {
		return errors.New("transport: inbound_buffer must be positive")
	}
	return nil
}
