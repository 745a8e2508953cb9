package types

import (
	"encoding/json"
	"sort"
)

// ============================================================================
//                              Register - 多值寄存器
// ============================================================================

// Version 寄存器中的一个并发版本
type Version struct {
	Value  []byte      `json:"value"`
	Clock  VectorClock `json:"clock"`
	Writer PeerID      `json:"writer"`
}

// Register 多值寄存器（MVR）
//
// 只保留互不支配的极大版本集合。属性字段对外呈现 Writer 最大的版本
// （LWW，按 PeerID 字典序裁决），内容字段在多于一个版本时视为待解决冲突。
// 合并与到达顺序无关。
type Register struct {
	Versions []Version `json:"versions"`
}

// Set 写入一个版本，返回状态是否改变
//
// 被已有版本支配（或相等）的写入被忽略；被新版本支配的旧版本被移除。
func (r *Register) Set(v Version) bool {
	kept := r.Versions[:0:0]
	for _, old := range r.Versions {
		if old.Clock.Descends(v.Clock) {
			return false
		}
		if v.Clock.Descends(old.Clock) {
			continue
		}
		kept = append(kept, old)
	}
	kept = append(kept, v)
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].Writer != kept[j].Writer {
			return kept[i].Writer < kept[j].Writer
		}
		return kept[i].Clock.String() < kept[j].Clock.String()
	})
	r.Versions = kept
	return true
}

// Winner 返回可见版本：Writer 字典序最大者
func (r *Register) Winner() (Version, bool) {
	if len(r.Versions) == 0 {
		return Version{}, false
	}
	return r.Versions[len(r.Versions)-1], true
}

// Conflicted 是否存在多个并发版本
func (r *Register) Conflicted() bool {
	return len(r.Versions) > 1
}

// ============================================================================
//                              ORSet - add-wins 集合
// ============================================================================

// ORSet 观察-移除集合
//
// 每个元素记录添加它的 dot 集合。移除只删除移除方在其时钟下观察到的 dot，
// 并发添加因此得以保留（add-wins）。Removed 记录每个元素的移除时钟
// （按分量取最大），用于拒绝迟到的、已被移除观察过的添加。
type ORSet struct {
	Adds    map[string][]Dot       `json:"adds,omitempty"`
	Removed map[string]VectorClock `json:"removed,omitempty"`
}

// Add 以 dot 添加元素，返回状态是否改变
func (s *ORSet) Add(elem string, dot Dot) bool {
	if rc, ok := s.Removed[elem]; ok && rc.Covers(dot.Peer, dot.Counter) {
		return false
	}
	for _, d := range s.Adds[elem] {
		if d == dot {
			return false
		}
	}
	if s.Adds == nil {
		s.Adds = make(map[string][]Dot)
	}
	dots := append(s.Adds[elem], dot)
	sort.Slice(dots, func(i, j int) bool {
		if dots[i].Peer != dots[j].Peer {
			return dots[i].Peer < dots[j].Peer
		}
		return dots[i].Counter < dots[j].Counter
	})
	s.Adds[elem] = dots
	return true
}

// Remove 按观察时钟移除元素，返回状态是否改变
func (s *ORSet) Remove(elem string, observed VectorClock) bool {
	changed := false

	rc := s.Removed[elem]
	merged := rc.Merge(observed)
	if merged.Compare(rc) != OrderEqual {
		if s.Removed == nil {
			s.Removed = make(map[string]VectorClock)
		}
		s.Removed[elem] = merged
		changed = true
	}

	dots := s.Adds[elem]
	kept := dots[:0:0]
	for _, d := range dots {
		if observed.Covers(d.Peer, d.Counter) {
			changed = true
			continue
		}
		kept = append(kept, d)
	}
	if len(kept) == 0 {
		delete(s.Adds, elem)
	} else {
		s.Adds[elem] = kept
	}
	return changed
}

// Contains 元素是否可见
func (s *ORSet) Contains(elem string) bool {
	return len(s.Adds[elem]) > 0
}

// Elements 返回排序后的可见元素
func (s *ORSet) Elements() []string {
	out := make([]string, 0, len(s.Adds))
	for e, dots := range s.Adds {
		if len(dots) > 0 {
			out = append(out, e)
		}
	}
	sort.Strings(out)
	return out
}

// ============================================================================
//                              PNCounter - 计数器
// ============================================================================

// PNCounter 按节点分别累计增量与减量的计数器
//
// 每个事件由 dot 集合保证只应用一次，累加满足交换律，总能自动合并。
type PNCounter struct {
	P map[PeerID]uint64 `json:"p,omitempty"`
	N map[PeerID]uint64 `json:"n,omitempty"`
}

// Add 累加来源节点的增量
func (c *PNCounter) Add(peer PeerID, delta int64) bool {
	switch {
	case delta > 0:
		if c.P == nil {
			c.P = make(map[PeerID]uint64)
		}
		c.P[peer] += uint64(delta)
	case delta < 0:
		if c.N == nil {
			c.N = make(map[PeerID]uint64)
		}
		c.N[peer] += uint64(-delta)
	default:
		return false
	}
	return true
}

// Value 返回当前值
func (c *PNCounter) Value() int64 {
	var v int64
	for _, p := range c.P {
		v += int64(p)
	}
	for _, n := range c.N {
		v -= int64(n)
	}
	return v
}

// ============================================================================
//                              State - 物化状态
// ============================================================================

// PendingDelete 与实体当前状态并发、等待解决的删除
type PendingDelete struct {
	Source PeerID      `json:"source"`
	Clock  VectorClock `json:"clock"`
}

// State 实体的物化状态
type State struct {
	Fields         map[string]*Register  `json:"fields,omitempty"`
	Sets           map[string]*ORSet     `json:"sets,omitempty"`
	Counters       map[string]*PNCounter `json:"counters,omitempty"`
	Blobs          map[string]*Register  `json:"blobs,omitempty"`
	PendingDeletes []PendingDelete       `json:"pending_deletes,omitempty"`
}

// Field 返回（必要时创建）属性寄存器
func (s *State) Field(name string) *Register {
	if s.Fields == nil {
		s.Fields = make(map[string]*Register)
	}
	r, ok := s.Fields[name]
	if !ok {
		r = &Register{}
		s.Fields[name] = r
	}
	return r
}

// Set 返回（必要时创建）集合字段
func (s *State) Set(name string) *ORSet {
	if s.Sets == nil {
		s.Sets = make(map[string]*ORSet)
	}
	set, ok := s.Sets[name]
	if !ok {
		set = &ORSet{}
		s.Sets[name] = set
	}
	return set
}

// Counter 返回（必要时创建）计数器字段
func (s *State) Counter(name string) *PNCounter {
	if s.Counters == nil {
		s.Counters = make(map[string]*PNCounter)
	}
	c, ok := s.Counters[name]
	if !ok {
		c = &PNCounter{}
		s.Counters[name] = c
	}
	return c
}

// Blob 返回（必要时创建）内容寄存器
func (s *State) Blob(name string) *Register {
	if s.Blobs == nil {
		s.Blobs = make(map[string]*Register)
	}
	r, ok := s.Blobs[name]
	if !ok {
		r = &Register{}
		s.Blobs[name] = r
	}
	return r
}

// AddPendingDelete 记录并发删除，返回状态是否改变
func (s *State) AddPendingDelete(pd PendingDelete) bool {
	for _, p := range s.PendingDeletes {
		if p.Source == pd.Source && p.Clock.Compare(pd.Clock) == OrderEqual {
			return false
		}
	}
	s.PendingDeletes = append(s.PendingDeletes, pd)
	sort.Slice(s.PendingDeletes, func(i, j int) bool {
		a, b := s.PendingDeletes[i], s.PendingDeletes[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.Clock.String() < b.Clock.String()
	})
	return true
}

// ClearPendingDeletes 清除被 clock 支配（或相等）的待定删除，返回状态是否改变
func (s *State) ClearPendingDeletes(clock VectorClock) bool {
	kept := s.PendingDeletes[:0:0]
	for _, p := range s.PendingDeletes {
		if clock.Descends(p.Clock) {
			continue
		}
		kept = append(kept, p)
	}
	changed := len(kept) != len(s.PendingDeletes)
	if len(kept) == 0 {
		kept = nil
	}
	s.PendingDeletes = kept
	return changed
}

// View 投影为应用可直接使用的普通 map 快照
//
// 属性字段取 LWW 可见值；集合为排序后的元素列表；计数器为整数；
// 内容字段为可见版本的字节（存在冲突时同样取 Writer 最大的版本）。
func (s *State) View() map[string]any {
	out := make(map[string]any)
	for name, r := range s.Fields {
		if v, ok := r.Winner(); ok {
			var decoded any
			if err := json.Unmarshal(v.Value, &decoded); err != nil {
				decoded = string(v.Value)
			}
			out[name] = decoded
		}
	}
	for name, set := range s.Sets {
		out[name] = set.Elements()
	}
	for name, c := range s.Counters {
		out[name] = c.Value()
	}
	for name, r := range s.Blobs {
		if v, ok := r.Winner(); ok {
			out[name] = append([]byte(nil), v.Value...)
		}
	}
	return out
}

// Clone 深拷贝
func (s *State) Clone() State {
	var out State
	if s.Fields != nil {
		out.Fields = make(map[string]*Register, len(s.Fields))
		for name, r := range s.Fields {
			out.Fields[name] = r.Clone()
		}
	}
	if s.Sets != nil {
		out.Sets = make(map[string]*ORSet, len(s.Sets))
		for name, set := range s.Sets {
			out.Sets[name] = set.Clone()
		}
	}
	if s.Counters != nil {
		out.Counters = make(map[string]*PNCounter, len(s.Counters))
		for name, c := range s.Counters {
			out.Counters[name] = c.Clone()
		}
	}
	if s.Blobs != nil {
		out.Blobs = make(map[string]*Register, len(s.Blobs))
		for name, r := range s.Blobs {
			out.Blobs[name] = r.Clone()
		}
	}
	for _, pd := range s.PendingDeletes {
		out.PendingDeletes = append(out.PendingDeletes, PendingDelete{Source: pd.Source, Clock: cloneClock(pd.Clock)})
	}
	return out
}

// Clone 深拷贝
func (v Version) Clone() Version {
	return Version{
		Value:  append([]byte(nil), v.Value...),
		Clock:  cloneClock(v.Clock),
		Writer: v.Writer,
	}
}

// Clone 深拷贝
func (r *Register) Clone() *Register {
	if r == nil {
		return nil
	}
	out := &Register{}
	for _, v := range r.Versions {
		out.Versions = append(out.Versions, v.Clone())
	}
	return out
}

// Clone 深拷贝
func (s *ORSet) Clone() *ORSet {
	if s == nil {
		return nil
	}
	out := &ORSet{}
	if s.Adds != nil {
		out.Adds = make(map[string][]Dot, len(s.Adds))
		for elem, dots := range s.Adds {
			out.Adds[elem] = append([]Dot(nil), dots...)
		}
	}
	if s.Removed != nil {
		out.Removed = make(map[string]VectorClock, len(s.Removed))
		for elem, vc := range s.Removed {
			out.Removed[elem] = cloneClock(vc)
		}
	}
	return out
}

// Clone 深拷贝
func (c *PNCounter) Clone() *PNCounter {
	if c == nil {
		return nil
	}
	out := &PNCounter{}
	if c.P != nil {
		out.P = make(map[PeerID]uint64, len(c.P))
		for p, n := range c.P {
			out.P[p] = n
		}
	}
	if c.N != nil {
		out.N = make(map[PeerID]uint64, len(c.N))
		for p, n := range c.N {
			out.N[p] = n
		}
	}
	return out
}

// cloneClock 与 VectorClock.Clone 相同，但保留 nil
func cloneClock(vc VectorClock) VectorClock {
	if vc == nil {
		return nil
	}
	return vc.Clone()
}
