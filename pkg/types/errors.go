// Package types 定义 dsync 的基础类型
//
// 本文件定义所有公共错误类型。
package types

import "errors"

// ============================================================================
//                              错误类别
// ============================================================================

// 错误类别哨兵。各组件的具体错误通过 fmt.Errorf("%w") 包装到对应类别，
// 调用方使用 errors.Is 判断类别并决定是否重试。
var (
	// ErrTransport 传输层错误（可重试，内部以退避处理）
	ErrTransport = errors.New("transport error")

	// ErrVerification 签名校验失败（丢弃，不重试）
	ErrVerification = errors.New("verification error")

	// ErrReconciliation 协调错误（负载损坏或未知类型，丢弃，实体不受影响）
	ErrReconciliation = errors.New("reconciliation error")
)

// ============================================================================
//                              网络相关错误
// ============================================================================

var (
	// ErrPeerUnreachable 重试次数耗尽，节点不可达
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrPriorityDropped 低优先级消息被丢弃
	ErrPriorityDropped = errors.New("priority dropped")

	// ErrBackpressure 出站队列已满
	ErrBackpressure = errors.New("backpressure: outbound queue full")

	// ErrTimeout 操作超时
	ErrTimeout = errors.New("timeout")

	// ErrNotConnected 未连接
	ErrNotConnected = errors.New("not connected")

	// ErrClosed 组件已关闭
	ErrClosed = errors.New("closed")
)

// ============================================================================
//                              事件相关错误
// ============================================================================

var (
	// ErrMalformedFrame 线上帧无法解码
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnknownEventType 未知事件类型
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrCorruptPayload 事件负载损坏
	ErrCorruptPayload = errors.New("corrupt payload")

	// ErrEmptyEntityID 空实体 ID
	ErrEmptyEntityID = errors.New("empty entity ID")
)

// ============================================================================
//                              存储相关错误
// ============================================================================

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("not found")
)

// ============================================================================
//                              类别判断
// ============================================================================

// IsTransportError 是否为传输层错误
func IsTransportError(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrPeerUnreachable)
}

// IsVerificationError 是否为签名校验错误
func IsVerificationError(err error) bool {
	return errors.Is(err, ErrVerification)
}

// IsReconciliationError 是否为协调错误
func IsReconciliationError(err error) bool {
	return errors.Is(err, ErrReconciliation)
}

// IsRetryable 调用方是否可以选择重试
//
// 数据完整性错误（签名、负载、帧格式）永远不可重试。
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrVerification),
		errors.Is(err, ErrReconciliation),
		errors.Is(err, ErrMalformedFrame):
		return false
	case errors.Is(err, ErrBackpressure),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrTransport):
		return true
	default:
		return false
	}
}
