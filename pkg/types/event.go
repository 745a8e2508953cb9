package types

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"lukechampine.com/blake3"
)

// ============================================================================
//                              EventType - 事件类型
// ============================================================================

// EventType 事件类型标签（线上为 u32）
type EventType uint32

const (
	// EventUnknown 未知类型（零值，永远非法）
	EventUnknown EventType = iota
	// EventCreated 实体创建 / 导入
	EventCreated
	// EventPropertySet 标量属性写入（LWW）
	EventPropertySet
	// EventSetAdd 集合字段添加元素（add-wins）
	EventSetAdd
	// EventSetRemove 集合字段移除元素
	EventSetRemove
	// EventContentSet 二进制内容写入（需手动解决冲突）
	EventContentSet
	// EventCounterAdd 计数器增减（PN-counter）
	EventCounterAdd
	// EventDeleted 实体删除
	EventDeleted
	// EventDeleteCancelled 取消删除（冲突解决）
	EventDeleteCancelled

	// eventTypeCount 类型数量，用于策略表长度
	eventTypeCount
)

// NumEventTypes 已声明的事件类型数量（含零值），用作按类型索引的表长度
const NumEventTypes = int(eventTypeCount)

// AllEventTypes 返回所有合法事件类型
func AllEventTypes() []EventType {
	out := make([]EventType, 0, eventTypeCount-1)
	for t := EventCreated; t < eventTypeCount; t++ {
		out = append(out, t)
	}
	return out
}

// Valid 检查类型是否已声明
func (t EventType) Valid() bool {
	return t > EventUnknown && t < eventTypeCount
}

// String 返回类型名
func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventPropertySet:
		return "property_set"
	case EventSetAdd:
		return "set_add"
	case EventSetRemove:
		return "set_remove"
	case EventContentSet:
		return "content_set"
	case EventCounterAdd:
		return "counter_add"
	case EventDeleted:
		return "deleted"
	case EventDeleteCancelled:
		return "delete_cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// ParseEventType 从名称解析事件类型
func ParseEventType(s string) (EventType, error) {
	for _, t := range AllEventTypes() {
		if t.String() == s {
			return t, nil
		}
	}
	return EventUnknown, fmt.Errorf("%w: %q", ErrUnknownEventType, s)
}

// MarshalText 实现 encoding.TextMarshaler
func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler
func (t *EventType) UnmarshalText(b []byte) error {
	v, err := ParseEventType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ============================================================================
//                              Event - P2P 事件
// ============================================================================

// Event 一次实体变更的签名事件
//
// 由本地变更创建或从网络收到，被协调引擎恰好消费一次，
// 之后只保留在有界去重缓存中，持久化的只有它对 EntityRecord 的影响。
type Event struct {
	// ID 内容哈希，见 ComputeEventID
	ID EventID `json:"id"`

	// EntityID 目标实体
	EntityID string `json:"entity_id"`

	// Type 事件类型
	Type EventType `json:"type"`

	// Source 事件来源节点
	Source PeerID `json:"source"`

	// Payload 类型相关负载（JSON）
	Payload []byte `json:"payload,omitempty"`

	// Clock 事件的向量时钟
	Clock VectorClock `json:"clock"`

	// Timestamp 墙钟时间，仅供参考，不参与任何排序
	Timestamp time.Time `json:"timestamp"`

	// Signature 来源节点对帧字段 1-6 的 ed25519 签名
	Signature []byte `json:"signature,omitempty"`
}

// Dot 返回事件在实体内的唯一位置
func (e *Event) Dot() Dot {
	return Dot{Peer: e.Source, Counter: e.Clock.Get(e.Source)}
}

// Seal 计算并填充事件 ID
func (e *Event) Seal() {
	e.ID = ComputeEventID(e.EntityID, e.Source, e.Clock, e.Payload)
}

// Clone 深拷贝
func (e *Event) Clone() *Event {
	out := *e
	out.Payload = append([]byte(nil), e.Payload...)
	out.Signature = append([]byte(nil), e.Signature...)
	out.Clock = e.Clock.Clone()
	return &out
}

// String 返回用于日志的简短描述
func (e *Event) String() string {
	return fmt.Sprintf("%s/%s@%s from %s", e.EntityID, e.Type, e.Clock, e.Source.ShortString())
}

// ComputeEventID 计算事件 ID
//
// blake3(entity_id, source_peer_id, canonical clock, payload)，各字段带长度前缀，
// 时钟按 PeerID 排序，因此相同内容在所有节点得到相同 ID。
func ComputeEventID(entityID string, source PeerID, clock VectorClock, payload []byte) EventID {
	h := blake3.New(32, nil)

	var lenBuf [binary.MaxVarintLen64]byte
	writeField := func(b []byte) {
		n := binary.PutUvarint(lenBuf[:], uint64(len(b)))
		h.Write(lenBuf[:n])
		h.Write(b)
	}

	writeField([]byte(entityID))
	writeField([]byte(source))

	entries := clock.Entries()
	n := binary.PutUvarint(lenBuf[:], uint64(len(entries)))
	h.Write(lenBuf[:n])
	for _, e := range entries {
		writeField([]byte(e.Peer))
		n = binary.PutUvarint(lenBuf[:], e.Counter)
		h.Write(lenBuf[:n])
	}

	writeField(payload)

	var id EventID
	h.Sum(id[:0])
	return id
}

// MarshalText 实现 encoding.TextMarshaler（十六进制）
func (id EventID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler
func (id *EventID) UnmarshalText(b []byte) error {
	if len(b) != hex.EncodedLen(len(id)) {
		return fmt.Errorf("invalid event ID length: %d", len(b))
	}
	_, err := hex.Decode(id[:], b)
	return err
}
