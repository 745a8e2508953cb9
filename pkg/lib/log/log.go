// Package log 提供 dsync 统一日志接口
//
// 基于标准库 log/slog 封装。每个组件通过 Logger(component) 获取一个
// 懒加载的 logger，日志调用时才解析当前的默认 handler，因此可以在运行时
// 通过 SetOutput / SetLevel 切换输出目标与级别。
//
// 使用方式：
//
//	var logger = log.Logger("core/network")
//
//	logger.Info("节点已连接", "peer", peerID.ShortString())
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// 日志级别常量（从 slog 导出，方便使用）
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// level 当前全局级别，SetLevel 修改后对所有组件立即生效
var level = new(slog.LevelVar)

// root 当前根 logger
var root atomic.Pointer[slog.Logger]

func init() {
	level.Set(slog.LevelInfo)
	root.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// Default 返回当前根 logger
func Default() *slog.Logger {
	return root.Load()
}

// SetDefault 替换根 logger
func SetDefault(l *slog.Logger) {
	if l == nil {
		return
	}
	root.Store(l)
}

// SetOutput 将日志输出重定向到 w（文本格式）
func SetOutput(w io.Writer) {
	root.Store(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// SetJSONOutput 将日志输出重定向到 w（JSON 格式）
func SetJSONOutput(w io.Writer) {
	root.Store(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

// SetLevel 设置全局日志级别
func SetLevel(l slog.Level) {
	level.Set(l)
}

// ParseLevel 解析级别字符串（debug/info/warn/error），无法识别时返回 info
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Discard 返回丢弃所有输出的 logger，主要用于测试
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ============================================================================
//                              LazyLogger
// ============================================================================

// LazyLogger 懒加载 logger
//
// 每次日志调用时都从根 logger 派生，支持运行时切换输出目标。
type LazyLogger struct {
	component string
}

// Logger 返回带组件名的 LazyLogger
func Logger(component string) *LazyLogger {
	return &LazyLogger{component: component}
}

func (l *LazyLogger) base() *slog.Logger {
	return root.Load().With("component", l.component)
}

// Debug 输出 Debug 级别日志
func (l *LazyLogger) Debug(msg string, args ...any) { l.base().Debug(msg, args...) }

// Info 输出 Info 级别日志
func (l *LazyLogger) Info(msg string, args ...any) { l.base().Info(msg, args...) }

// Warn 输出 Warn 级别日志
func (l *LazyLogger) Warn(msg string, args ...any) { l.base().Warn(msg, args...) }

// Error 输出 Error 级别日志
func (l *LazyLogger) Error(msg string, args ...any) { l.base().Error(msg, args...) }

// DebugContext 带 context 的 Debug 日志
func (l *LazyLogger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.base().DebugContext(ctx, msg, args...)
}

// WarnContext 带 context 的 Warn 日志
func (l *LazyLogger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.base().WarnContext(ctx, msg, args...)
}

// With 返回附加了属性的 slog.Logger
func (l *LazyLogger) With(args ...any) *slog.Logger {
	return l.base().With(args...)
}

// Component 返回组件名
func (l *LazyLogger) Component() string {
	return l.component
}

// ============================================================================
//                              工具函数
// ============================================================================

// TruncateID 安全截取 ID 用于日志显示
func TruncateID(id string, maxLen int) string {
	if len(id) <= maxLen {
		return id
	}
	return id[:maxLen]
}
