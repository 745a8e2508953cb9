package interfaces

import (
	"context"

	"github.com/dep2p/go-dsync/pkg/types"
)

// Transport 传输层能力接口
//
// 负责物理连接：拨号、监听、收发原始帧。实现必须是并发安全的。
// 重试、优先级、断线暂存等策略由 NetworkHandler 负责，Transport 不感知。
//
// 仓库内提供两个实现：
//   - internal/core/transport/memory: 进程内 hub，用于测试与演示
//   - internal/core/transport/quic: 基于 quic-go，身份绑定的双向 TLS
type Transport interface {
	// LocalPeer 返回本地节点 ID
	LocalPeer() types.PeerID

	// Dial 拨号到地址，返回对端节点 ID
	//
	// ctx 超时应返回包装了 context.DeadlineExceeded 的错误。
	Dial(ctx context.Context, addr string) (types.PeerID, error)

	// Listen 开始在地址上接受连接
	Listen(ctx context.Context, addr string) error

	// Send 向已连接节点发送一帧
	Send(ctx context.Context, peer types.PeerID, data []byte) error

	// Broadcast 向所有已连接节点发送一帧
	Broadcast(ctx context.Context, data []byte) error

	// ClosePeer 关闭与节点的连接
	ClosePeer(ctx context.Context, peer types.PeerID) error

	// Inbound 入站帧流
	Inbound() <-chan types.InboundFrame

	// ConnectionEvents 连接事件流
	ConnectionEvents() <-chan types.ConnectionEvent

	// Close 关闭传输层及所有连接
	Close() error
}
