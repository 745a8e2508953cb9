package types

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
//                              EntityPhase - 实体阶段
// ============================================================================

// EntityPhase 实体的同步阶段
type EntityPhase int

const (
	// PhaseUnversioned 尚未应用任何事件
	PhaseUnversioned EntityPhase = iota
	// PhaseSynced 本地状态已交付网络（或来自远端）
	PhaseSynced
	// PhaseModifiedLocally 存在尚未交付网络的本地修改
	PhaseModifiedLocally
	// PhaseDeletedLocally 本地删除尚未交付网络
	PhaseDeletedLocally
	// PhaseTombstoned 已删除（终态，除非显式取消删除）
	PhaseTombstoned
)

// String 返回阶段名
func (p EntityPhase) String() string {
	switch p {
	case PhaseUnversioned:
		return "unversioned"
	case PhaseSynced:
		return "synced"
	case PhaseModifiedLocally:
		return "modified_locally"
	case PhaseDeletedLocally:
		return "deleted_locally"
	case PhaseTombstoned:
		return "tombstoned"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// MarshalText 实现 encoding.TextMarshaler
func (p EntityPhase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler
func (p *EntityPhase) UnmarshalText(b []byte) error {
	for q := PhaseUnversioned; q <= PhaseTombstoned; q++ {
		if q.String() == string(b) {
			*p = q
			return nil
		}
	}
	return fmt.Errorf("unknown entity phase %q", string(b))
}

// ============================================================================
//                              EntityRecord - 实体记录
// ============================================================================

// EntityRecord 持久化的实体记录
//
// Clock 支配所有已应用到该实体的事件时钟。Applied 记录已处理事件的 dot，
// 用于幂等判断与迟到祖先事件的识别。
//
// 删除以 State.PendingDeletes 记录：Tombstoned 为真时这些删除已生效，
// TombstoneClock 是它们的合并时钟；否则它们是等待解决的并发删除。
// Cancels 保存已应用的取消删除时钟（互不支配），被其中任一支配的删除视为已取消。
type EntityRecord struct {
	EntityID       string        `json:"entity_id"`
	Clock          VectorClock   `json:"clock"`
	State          State         `json:"state"`
	Tombstoned     bool          `json:"tombstoned,omitempty"`
	TombstoneClock VectorClock   `json:"tombstone_clock,omitempty"`
	Cancels        []VectorClock `json:"cancels,omitempty"`
	Phase          EntityPhase   `json:"phase"`
	Applied        DotSet        `json:"applied"`
}

// NewEntityRecord 创建空记录
func NewEntityRecord(entityID string) *EntityRecord {
	return &EntityRecord{
		EntityID: entityID,
		Clock:    NewVectorClock(),
		Phase:    PhaseUnversioned,
	}
}

// Clone 深拷贝
func (r *EntityRecord) Clone() *EntityRecord {
	out := &EntityRecord{
		EntityID:       r.EntityID,
		Clock:          r.Clock.Clone(),
		State:          r.State.Clone(),
		Tombstoned:     r.Tombstoned,
		TombstoneClock: r.TombstoneClock.Clone(),
		Phase:          r.Phase,
		Applied:        r.Applied.Clone(),
	}
	if r.TombstoneClock == nil {
		out.TombstoneClock = nil
	}
	for _, c := range r.Cancels {
		out.Cancels = append(out.Cancels, c.Clone())
	}
	return out
}

// View 返回物化状态快照，墓碑记录返回 nil
func (r *EntityRecord) View() map[string]any {
	if r.Tombstoned {
		return nil
	}
	return r.State.View()
}

// MarshalRecord 编码记录（存储层使用）
func MarshalRecord(r *EntityRecord) ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalRecord 解码记录
func UnmarshalRecord(b []byte) (*EntityRecord, error) {
	var r EntityRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	if r.Clock == nil {
		r.Clock = NewVectorClock()
	}
	return &r, nil
}
