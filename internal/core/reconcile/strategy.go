package reconcile

import (
	"encoding/json"
	"errors"
	"sort"

	"github.com/dep2p/go-dsync/pkg/types"
)

// ============================================================================
//                              合并策略表
// ============================================================================

// mutation 一次合并的上下文
//
// order 是事件时钟相对记录合并前时钟的关系；rec.Clock 在策略执行前已合并。
type mutation struct {
	rec     *types.EntityRecord
	ev      *types.Event
	payload any
	order   types.Ordering
}

// kind 按时钟关系给出默认结果
//
// 迟到的因果祖先（时钟被支配但 dot 未见过）只有改变了状态才算 Applied。
func (m *mutation) kind(changed bool) types.OutcomeKind {
	switch m.order {
	case types.OrderAfter:
		return types.OutcomeApplied
	case types.OrderConcurrent:
		return types.OutcomeConflict
	default:
		if changed {
			return types.OutcomeApplied
		}
		return types.OutcomeStale
	}
}

// strategy 一种事件类型的解码与合并方式
type strategy struct {
	name types.MergeStrategy

	// deletion 删除类事件绕过墓碑检查，由 merge 自行处理墓碑
	deletion bool

	decode func([]byte) (any, error)
	merge  func(m *mutation) (types.OutcomeKind, *types.ConflictInfo)
}

// strategies 按 EventType 索引的策略表，EventUnknown 为空
var strategies = [types.NumEventTypes]*strategy{
	types.EventCreated:         {name: types.StrategyLWW, decode: decodeCreate, merge: mergeCreate},
	types.EventPropertySet:     {name: types.StrategyLWW, decode: decodeProperty, merge: mergeProperty},
	types.EventSetAdd:          {name: types.StrategyAddWins, decode: decodeSet, merge: mergeSetAdd},
	types.EventSetRemove:       {name: types.StrategyAddWins, decode: decodeSet, merge: mergeSetRemove},
	types.EventContentSet:      {name: types.StrategyManual, decode: decodeContent, merge: mergeContent},
	types.EventCounterAdd:      {name: types.StrategyCounter, decode: decodeCounter, merge: mergeCounter},
	types.EventDeleted:         {name: types.StrategyTombstone, deletion: true, decode: decodeDelete, merge: mergeDelete},
	types.EventDeleteCancelled: {name: types.StrategyTombstone, deletion: true, decode: decodeDelete, merge: mergeCancel},
}

// lookup 返回事件类型的策略，未知类型返回 nil
func lookup(t types.EventType) *strategy {
	if !t.Valid() || int(t) >= len(strategies) {
		return nil
	}
	return strategies[t]
}

// ============================================================================
//                              负载解码
// ============================================================================

var (
	errMissingField = errors.New("missing field name")
	errMissingValue = errors.New("missing value")
)

func decodeProperty(b []byte) (any, error) {
	var p types.PropertyPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	if p.Field == "" {
		return nil, errMissingField
	}
	if len(p.Value) == 0 {
		return nil, errMissingValue
	}
	return &p, nil
}

func decodeSet(b []byte) (any, error) {
	var p types.SetPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	if p.Field == "" {
		return nil, errMissingField
	}
	return &p, nil
}

func decodeContent(b []byte) (any, error) {
	var p types.ContentPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	if p.Field == "" {
		return nil, errMissingField
	}
	return &p, nil
}

func decodeCounter(b []byte) (any, error) {
	var p types.CounterPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	if p.Field == "" {
		return nil, errMissingField
	}
	return &p, nil
}

func decodeCreate(b []byte) (any, error) {
	var p types.CreatePayload
	if len(b) == 0 {
		return &p, nil
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func decodeDelete(b []byte) (any, error) {
	var p types.DeletePayload
	if len(b) == 0 {
		return &p, nil
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ============================================================================
//                              字段合并
// ============================================================================

func mergeProperty(m *mutation) (types.OutcomeKind, *types.ConflictInfo) {
	p := m.payload.(*types.PropertyPayload)
	reg := m.rec.State.Field(p.Field)
	changed := reg.Set(types.Version{Value: p.Value, Clock: m.ev.Clock.Clone(), Writer: m.ev.Source})

	kind := m.kind(changed)
	if kind != types.OutcomeConflict {
		return kind, nil
	}
	return kind, &types.ConflictInfo{
		Field:      p.Field,
		Strategy:   types.StrategyLWW,
		Candidates: registerCandidates(types.EventPropertySet, p.Field, reg),
	}
}

func mergeContent(m *mutation) (types.OutcomeKind, *types.ConflictInfo) {
	p := m.payload.(*types.ContentPayload)
	reg := m.rec.State.Blob(p.Field)
	changed := reg.Set(types.Version{Value: p.Data, Clock: m.ev.Clock.Clone(), Writer: m.ev.Source})

	kind := m.kind(changed)
	if !reg.Conflicted() {
		if kind == types.OutcomeConflict {
			return kind, &types.ConflictInfo{Field: p.Field, Strategy: types.StrategyManual}
		}
		return kind, nil
	}
	// 内容无法自动合并，只要寄存器中存在并发版本就需要应用解决
	return types.OutcomeConflict, &types.ConflictInfo{
		Field:              p.Field,
		Strategy:           types.StrategyManual,
		RequiresResolution: true,
		Candidates:         registerCandidates(types.EventContentSet, p.Field, reg),
	}
}

func mergeSetAdd(m *mutation) (types.OutcomeKind, *types.ConflictInfo) {
	p := m.payload.(*types.SetPayload)
	set := m.rec.State.Set(p.Field)
	changed := false
	for _, elem := range p.Elements {
		if set.Add(elem, m.ev.Dot()) {
			changed = true
		}
	}
	return fieldOutcome(m, changed, p.Field, types.StrategyAddWins)
}

func mergeSetRemove(m *mutation) (types.OutcomeKind, *types.ConflictInfo) {
	p := m.payload.(*types.SetPayload)
	set := m.rec.State.Set(p.Field)
	changed := false
	for _, elem := range p.Elements {
		if set.Remove(elem, m.ev.Clock) {
			changed = true
		}
	}
	return fieldOutcome(m, changed, p.Field, types.StrategyAddWins)
}

func mergeCounter(m *mutation) (types.OutcomeKind, *types.ConflictInfo) {
	p := m.payload.(*types.CounterPayload)
	changed := m.rec.State.Counter(p.Field).Add(m.ev.Source, p.Delta)
	return fieldOutcome(m, changed, p.Field, types.StrategyCounter)
}

func mergeCreate(m *mutation) (types.OutcomeKind, *types.ConflictInfo) {
	p := m.payload.(*types.CreatePayload)
	st := &m.rec.State
	changed := false

	for name, value := range p.Fields {
		if st.Field(name).Set(types.Version{Value: value, Clock: m.ev.Clock.Clone(), Writer: m.ev.Source}) {
			changed = true
		}
	}
	for name, elems := range p.Sets {
		set := st.Set(name)
		for _, elem := range elems {
			if set.Add(elem, m.ev.Dot()) {
				changed = true
			}
		}
	}
	for name, delta := range p.Counters {
		if st.Counter(name).Add(m.ev.Source, delta) {
			changed = true
		}
	}

	var conflicted []string
	for name, data := range p.Blobs {
		reg := st.Blob(name)
		if reg.Set(types.Version{Value: data, Clock: m.ev.Clock.Clone(), Writer: m.ev.Source}) {
			changed = true
		}
		if reg.Conflicted() {
			conflicted = append(conflicted, name)
		}
	}

	if len(conflicted) > 0 {
		sort.Strings(conflicted)
		field := conflicted[0]
		return types.OutcomeConflict, &types.ConflictInfo{
			Field:              field,
			Strategy:           types.StrategyManual,
			RequiresResolution: true,
			Candidates:         registerCandidates(types.EventContentSet, field, st.Blob(field)),
		}
	}
	return fieldOutcome(m, changed, "", types.StrategyLWW)
}

// fieldOutcome 可自动合并字段的结果：并发时报告冲突但不需要解决
func fieldOutcome(m *mutation, changed bool, field string, s types.MergeStrategy) (types.OutcomeKind, *types.ConflictInfo) {
	kind := m.kind(changed)
	if kind == types.OutcomeConflict {
		return kind, &types.ConflictInfo{Field: field, Strategy: s}
	}
	return kind, nil
}

// registerCandidates 把寄存器中的并发版本转换为可直接发布的候选
func registerCandidates(t types.EventType, field string, reg *types.Register) []types.Candidate {
	out := make([]types.Candidate, 0, len(reg.Versions))
	for _, v := range reg.Versions {
		var payload []byte
		switch t {
		case types.EventContentSet:
			payload, _ = json.Marshal(types.ContentPayload{Field: field, Data: v.Value})
		default:
			payload, _ = json.Marshal(types.PropertyPayload{Field: field, Value: v.Value})
		}
		out = append(out, types.Candidate{
			Source:  v.Writer,
			Clock:   v.Clock.Clone(),
			Type:    t,
			Payload: payload,
		})
	}
	return out
}

// ============================================================================
//                              删除与取消删除
// ============================================================================
//
// 所有未取消的删除保存在 State.PendingDeletes 中。删除生效（墓碑）的条件是
// 它在到达时支配实体已知的全部历史；与任何修改并发的删除只作为待解决冲突，
// 不会自动删除实体。墓碑期间到达的并发或后继修改说明其来源节点并未让删除
// 生效，墓碑随之退回为待解决删除，因此所有节点无论到达顺序如何都得到相同结果。

func mergeDelete(m *mutation) (types.OutcomeKind, *types.ConflictInfo) {
	rec, ev := m.rec, m.ev

	if cancelled(rec, ev.Clock) {
		return types.OutcomeStale, nil
	}
	added := rec.State.AddPendingDelete(types.PendingDelete{Source: ev.Source, Clock: ev.Clock.Clone()})

	switch {
	case rec.Tombstoned:
		rec.TombstoneClock = pendingClock(rec)
		if added {
			return types.OutcomeApplied, nil
		}
		return types.OutcomeStale, nil
	case m.order == types.OrderAfter:
		rec.Tombstoned = true
		rec.TombstoneClock = pendingClock(rec)
		return types.OutcomeApplied, nil
	default:
		return types.OutcomeConflict, deleteConflict(rec)
	}
}

func mergeCancel(m *mutation) (types.OutcomeKind, *types.ConflictInfo) {
	rec, ev := m.rec, m.ev

	changed := addCancel(rec, ev.Clock)
	if rec.State.ClearPendingDeletes(ev.Clock) {
		changed = true
	}

	if rec.Tombstoned {
		if len(rec.State.PendingDeletes) == 0 {
			rec.Tombstoned = false
			rec.TombstoneClock = nil
			return types.OutcomeApplied, nil
		}
		tc := pendingClock(rec)
		if !tc.Descends(ev.Clock) {
			// 只取消了部分删除，且与剩余删除并发
			rec.Tombstoned = false
			rec.TombstoneClock = nil
			return types.OutcomeConflict, deleteConflict(rec)
		}
		rec.TombstoneClock = tc
	}

	if changed {
		return types.OutcomeApplied, nil
	}
	return types.OutcomeStale, nil
}

// mergeIntoTombstone 墓碑记录上的非删除事件
//
// 状态照常合并（墓碑期间不可见），被墓碑支配的事件为 Stale；
// 其余事件把墓碑退回为待解决删除。
func mergeIntoTombstone(m *mutation, st *strategy) (types.OutcomeKind, *types.ConflictInfo) {
	st.merge(m)

	rec := m.rec
	if rec.TombstoneClock.Descends(m.ev.Clock) {
		return types.OutcomeStale, nil
	}
	rec.Tombstoned = false
	rec.TombstoneClock = nil
	return types.OutcomeConflict, deleteConflict(rec)
}

// cancelled 检查删除时钟是否已被某个取消删除支配
func cancelled(rec *types.EntityRecord, clock types.VectorClock) bool {
	for _, c := range rec.Cancels {
		if c.Descends(clock) {
			return true
		}
	}
	return false
}

// addCancel 把取消时钟加入极大集合，返回是否改变
func addCancel(rec *types.EntityRecord, clock types.VectorClock) bool {
	kept := rec.Cancels[:0:0]
	for _, c := range rec.Cancels {
		if c.Descends(clock) {
			return false
		}
		if clock.Descends(c) {
			continue
		}
		kept = append(kept, c)
	}
	kept = append(kept, clock.Clone())
	sort.Slice(kept, func(i, j int) bool { return kept[i].String() < kept[j].String() })
	rec.Cancels = kept
	return true
}

// pendingClock 返回所有待定删除的合并时钟
func pendingClock(rec *types.EntityRecord) types.VectorClock {
	out := types.NewVectorClock()
	for _, pd := range rec.State.PendingDeletes {
		out = out.Merge(pd.Clock)
	}
	return out
}

// deleteConflict 删除冲突：每个待定删除一个候选，外加一个取消删除候选
func deleteConflict(rec *types.EntityRecord) *types.ConflictInfo {
	info := &types.ConflictInfo{
		Strategy:           types.StrategyTombstone,
		RequiresResolution: true,
	}
	info.Candidates = append(info.Candidates, types.Candidate{
		Clock: rec.Clock.Clone(),
		Type:  types.EventDeleteCancelled,
	})
	for _, pd := range rec.State.PendingDeletes {
		info.Candidates = append(info.Candidates, types.Candidate{
			Source: pd.Source,
			Clock:  pd.Clock.Clone(),
			Type:   types.EventDeleted,
		})
	}
	return info
}
