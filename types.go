package dsync

import (
	"github.com/dep2p/go-dsync/internal/core/events"
	"github.com/dep2p/go-dsync/internal/core/network"
	"github.com/dep2p/go-dsync/internal/core/transport/memory"
	"github.com/dep2p/go-dsync/pkg/types"
)

// ════════════════════════════════════════════════════════════════════════════
//                              节点状态
// ════════════════════════════════════════════════════════════════════════════

// NodeState 节点状态
type NodeState int

const (
	// StateIdle 空闲状态（已创建，未启动）
	StateIdle NodeState = iota

	// StateStarting 启动中（Fx App 启动中）
	StateStarting

	// StateRunning 运行中
	StateRunning

	// StateStopping 停止中
	StateStopping

	// StateStopped 已停止
	StateStopped
)

// String 返回状态的字符串表示
func (s NodeState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              类型别名
// ════════════════════════════════════════════════════════════════════════════

type (
	// PeerID 节点 ID
	PeerID = types.PeerID

	// Event 签名事件
	Event = types.Event

	// EventType 事件类型
	EventType = types.EventType

	// VectorClock 向量时钟
	VectorClock = types.VectorClock

	// MergeOutcome 合并结果
	MergeOutcome = types.MergeOutcome

	// Candidate 冲突候选
	Candidate = types.Candidate

	// EntityRecord 实体记录
	EntityRecord = types.EntityRecord

	// Priority 发送优先级
	Priority = types.Priority

	// PeerConnState 节点连接状态
	PeerConnState = types.PeerConnState

	// Subscription 订阅句柄
	Subscription = events.Subscription

	// Filter 订阅过滤器
	Filter = events.Filter

	// Callback 合并回调
	Callback = events.Callback

	// MemoryHub 进程内传输的交换中心，同一 Hub 上的节点可互相拨号
	MemoryHub = memory.Hub
)

// 事件类型
const (
	EventCreated         = types.EventCreated
	EventPropertySet     = types.EventPropertySet
	EventSetAdd          = types.EventSetAdd
	EventSetRemove       = types.EventSetRemove
	EventContentSet      = types.EventContentSet
	EventCounterAdd      = types.EventCounterAdd
	EventDeleted         = types.EventDeleted
	EventDeleteCancelled = types.EventDeleteCancelled
)

// 合并结果类别
const (
	OutcomeStale    = types.OutcomeStale
	OutcomeApplied  = types.OutcomeApplied
	OutcomeConflict = types.OutcomeConflict
)

// 过滤器构造
var (
	AllEntities  = events.AllEntities
	EntityIDs    = events.EntityIDs
	EntityPrefix = events.EntityPrefix
)

// NewMemoryHub 创建进程内传输 Hub
func NewMemoryHub() *MemoryHub {
	return memory.NewHub()
}

// Stats 节点统计
type Stats struct {
	Network network.Stats
	Events  events.Stats
}
