package events

import (
	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-dsync/internal/core/metrics"
	"github.com/dep2p/go-dsync/pkg/interfaces"
)

// Option EventSystem 构造选项
type Option func(*System)

// WithClock 设置事件时间戳使用的时钟
func WithClock(clk clock.Clock) Option {
	return func(s *System) {
		if clk != nil {
			s.clk = clk
		}
	}
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *System) {
		s.metrics = m
	}
}

// WithMaxFrameSize 设置编码帧的上限，应与传输层一致
func WithMaxFrameSize(n int) Option {
	return func(s *System) {
		s.maxFrame = n
	}
}

// WithEventLog 设置本地事件日志，用于响应对端的追赶摘要
func WithEventLog(l interfaces.EventLog) Option {
	return func(s *System) {
		s.log = l
	}
}
