package types

import (
	"time"
)

// ============================================================================
//                              ConnectionState - 连接状态
// ============================================================================

// ConnectionState 每个节点（或拨号地址）的连接状态机
//
//	Disconnected → Connecting → Connected
//	Connected → Disconnected（传输错误，安排重试）
//	Connected → Disconnecting → Disconnected（显式关闭，不重试）
type ConnectionState int

const (
	// StateDisconnected 已断开
	StateDisconnected ConnectionState = iota
	// StateConnecting 连接中
	StateConnecting
	// StateConnected 已连接
	StateConnected
	// StateDisconnecting 断开中（显式关闭）
	StateDisconnecting
)

// String 返回状态的字符串表示
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// PeerConnState 连接状态及重试元数据
type PeerConnState struct {
	// State 当前状态
	State ConnectionState

	// Peer 对端节点（拨号成功前可能为空）
	Peer PeerID

	// Addr 拨号地址（被动接入的连接可能为空）
	Addr string

	// Attempts 连续失败的拨号次数
	Attempts int

	// NextRetry 下次重试时间，零值表示没有计划中的重试
	NextRetry time.Time

	// LastError 最近一次失败原因
	LastError error

	// Unreachable 重试已耗尽，需要显式重新拨号
	Unreachable bool

	// Pending 断开期间暂存的待发消息数
	Pending int
}

// IsConnected 是否已连接
func (s PeerConnState) IsConnected() bool {
	return s.State == StateConnected
}

// ============================================================================
//                              Priority - 发送优先级
// ============================================================================

// Priority 出站消息优先级
type Priority int

const (
	// PriorityHigh 高优先级（删除、冲突解决）
	PriorityHigh Priority = iota
	// PriorityMedium 中优先级（属性、集合、计数器、内容、创建）
	PriorityMedium
	// PriorityLow 低优先级，队列满或节点断开时直接丢弃
	PriorityLow
)

// NumPriorities 优先级数量
const NumPriorities = 3

// String 返回优先级的字符串表示
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority 解析优先级字符串
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "high":
		return PriorityHigh, true
	case "medium":
		return PriorityMedium, true
	case "low":
		return PriorityLow, true
	default:
		return PriorityMedium, false
	}
}

// Droppable 节点断开时是否直接丢弃
func (p Priority) Droppable() bool {
	return p == PriorityLow
}

// ============================================================================
//                              Scope - 广播范围
// ============================================================================

// Scope 广播范围：空表示所有已知节点
type Scope struct {
	Peers []PeerID
}

// AllPeers 广播到所有节点
func AllPeers() Scope {
	return Scope{}
}

// OnlyPeers 只广播到指定节点
func OnlyPeers(peers ...PeerID) Scope {
	return Scope{Peers: peers}
}

// IsAll 是否为全体广播
func (s Scope) IsAll() bool {
	return len(s.Peers) == 0
}

// ============================================================================
//                              传输层交互类型
// ============================================================================

// InboundFrame 从某个节点收到的一帧原始数据
type InboundFrame struct {
	From PeerID
	Data []byte
}

// ConnectionEventKind 连接事件类型
type ConnectionEventKind int

const (
	// PeerConnected 对端已连接（主动或被动）
	PeerConnected ConnectionEventKind = iota
	// PeerDisconnected 对端连接断开
	PeerDisconnected
)

// String 返回事件名
func (k ConnectionEventKind) String() string {
	if k == PeerConnected {
		return "connected"
	}
	return "disconnected"
}

// ConnectionEvent 传输层连接事件
type ConnectionEvent struct {
	Kind ConnectionEventKind
	Peer PeerID

	// Addr 对端地址（如已知）
	Addr string

	// Err 断开原因，正常关闭为 nil
	Err error
}
