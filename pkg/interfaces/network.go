package interfaces

import (
	"context"

	"github.com/dep2p/go-dsync/pkg/types"
)

// Network NetworkHandler 对 EventSystem 暴露的能力
//
// NetworkHandler 不感知 EventSystem；EventSystem 持有此接口，
// 并从 Inbound() 消费入站帧。
type Network interface {
	// Send 按优先级向单个节点发送
	Send(ctx context.Context, peer types.PeerID, data []byte, priority types.Priority) error

	// Broadcast 按优先级广播
	Broadcast(ctx context.Context, data []byte, priority types.Priority, scope types.Scope) error

	// SendNotify 同 Send，帧成功写入传输层后调用 sent
	//
	// sent 在网络事件循环中执行，不得阻塞；可以为 nil。
	SendNotify(ctx context.Context, peer types.PeerID, data []byte, priority types.Priority, sent func()) error

	// BroadcastNotify 同 Broadcast，帧首次成功写入任一节点后调用 sent
	BroadcastNotify(ctx context.Context, data []byte, priority types.Priority, scope types.Scope, sent func()) error

	// OnConnected 注册连接建立回调，回调在网络事件循环中执行，不得阻塞
	OnConnected(fn func(peer types.PeerID))

	// Peers 返回已连接节点
	Peers() []types.PeerID

	// Inbound 入站帧流（已经过限流）
	Inbound() <-chan types.InboundFrame

	// LocalPeer 返回本地节点 ID
	LocalPeer() types.PeerID
}
