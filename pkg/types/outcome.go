package types

import "fmt"

// ============================================================================
//                              MergeOutcome - 合并结果
// ============================================================================

// OutcomeKind 合并结果类别
type OutcomeKind int

const (
	// OutcomeStale 事件已被观察过或被支配，未改变状态
	OutcomeStale OutcomeKind = iota
	// OutcomeApplied 事件已应用
	OutcomeApplied
	// OutcomeConflict 事件与当前状态并发
	OutcomeConflict
)

// String 返回类别名
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeStale:
		return "stale"
	case OutcomeApplied:
		return "applied"
	case OutcomeConflict:
		return "conflict"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// MarshalText 实现 encoding.TextMarshaler
func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// MergeStrategy 合并策略名
type MergeStrategy string

const (
	// StrategyLWW 多值寄存器 + PeerID 字典序裁决
	StrategyLWW MergeStrategy = "lww"
	// StrategyAddWins add-wins OR-set
	StrategyAddWins MergeStrategy = "add_wins"
	// StrategyCounter PN-counter
	StrategyCounter MergeStrategy = "counter"
	// StrategyManual 需要应用显式解决
	StrategyManual MergeStrategy = "manual"
	// StrategyTombstone 删除相关
	StrategyTombstone MergeStrategy = "tombstone"
)

// Candidate 冲突的一个候选版本
//
// 传给 Resolve 时，以候选的 Type 与 Payload 发布一个支配所有冲突时钟的新事件。
type Candidate struct {
	Source  PeerID      `json:"source"`
	Clock   VectorClock `json:"clock"`
	Type    EventType   `json:"type"`
	Payload []byte      `json:"payload,omitempty"`
}

// ConflictInfo 冲突详情
type ConflictInfo struct {
	// Field 冲突字段，实体级冲突（删除）为空
	Field string `json:"field,omitempty"`

	// Strategy 使用的合并策略
	Strategy MergeStrategy `json:"strategy"`

	// RequiresResolution 是否需要应用调用 Resolve
	RequiresResolution bool `json:"requires_resolution"`

	// Candidates 并发候选，按 Source 排序
	Candidates []Candidate `json:"candidates,omitempty"`
}

// MergeOutcome 一次 Apply 的结果
type MergeOutcome struct {
	Kind     OutcomeKind   `json:"kind"`
	EntityID string        `json:"entity_id"`
	Clock    VectorClock   `json:"clock,omitempty"`
	Conflict *ConflictInfo `json:"conflict,omitempty"`
}

// Merged 是否为成功合并（Applied 或 Conflict），订阅者只接收这两类
func (o MergeOutcome) Merged() bool {
	return o.Kind == OutcomeApplied || o.Kind == OutcomeConflict
}

// RequiresResolution 是否需要应用介入
func (o MergeOutcome) RequiresResolution() bool {
	return o.Conflict != nil && o.Conflict.RequiresResolution
}

// String 返回用于日志的描述
func (o MergeOutcome) String() string {
	if o.Conflict != nil {
		return fmt.Sprintf("%s(%s %s field=%q resolve=%v)", o.Kind, o.EntityID, o.Conflict.Strategy,
			o.Conflict.Field, o.Conflict.RequiresResolution)
	}
	return fmt.Sprintf("%s(%s %s)", o.Kind, o.EntityID, o.Clock)
}
