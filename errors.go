package dsync

import (
	"errors"

	"github.com/dep2p/go-dsync/pkg/types"
)

// 公共错误定义
var (
	// ────────────────────────────────────────────────────────────────────────
	// 节点生命周期错误
	// ────────────────────────────────────────────────────────────────────────

	// ErrNotStarted 节点未启动
	ErrNotStarted = errors.New("node not started")

	// ErrAlreadyStarted 节点已启动
	ErrAlreadyStarted = errors.New("node already started")

	// ErrNodeClosed 节点已关闭
	ErrNodeClosed = errors.New("node closed")

	// ────────────────────────────────────────────────────────────────────────
	// 错误类别（可用 errors.Is 判断）
	// ────────────────────────────────────────────────────────────────────────

	// ErrTransport 传输错误，内部重试
	ErrTransport = types.ErrTransport

	// ErrVerification 签名无效
	ErrVerification = types.ErrVerification

	// ErrReconciliation 事件无法协调（未知类型或负载损坏）
	ErrReconciliation = types.ErrReconciliation

	// ErrPeerUnreachable 重试耗尽，节点不可达
	ErrPeerUnreachable = types.ErrPeerUnreachable

	// ErrPriorityDropped 低优先级消息被丢弃
	ErrPriorityDropped = types.ErrPriorityDropped

	// ErrBackpressure 出站队列持续已满
	ErrBackpressure = types.ErrBackpressure

	// ErrTimeout 操作超时
	ErrTimeout = types.ErrTimeout

	// ErrNotFound 实体不存在
	ErrNotFound = types.ErrNotFound
)
