package types

import (
	"sort"
	"strconv"
	"strings"
)

// ============================================================================
//                              VectorClock - 向量时钟
// ============================================================================

// Ordering 两个向量时钟之间的因果关系
type Ordering int

const (
	// OrderEqual 两个时钟完全相等
	OrderEqual Ordering = iota
	// OrderBefore 左侧被右侧支配（左 ≤ 右，且至少一维严格小于）
	OrderBefore
	// OrderAfter 左侧支配右侧（左 ≥ 右，且至少一维严格大于）
	OrderAfter
	// OrderConcurrent 互不支配
	OrderConcurrent
)

// String 返回关系字符串
func (o Ordering) String() string {
	switch o {
	case OrderEqual:
		return "equal"
	case OrderBefore:
		return "before"
	case OrderAfter:
		return "after"
	case OrderConcurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// VectorClock 向量时钟：PeerID → 计数器
//
// 每个实体维护一个向量时钟，每个节点分量单调不减。
// 缺失的分量视为 0。零值（nil）是合法的空时钟。
type VectorClock map[PeerID]uint64

// ClockEntry 有序列表形式的时钟分量（线上格式使用）
type ClockEntry struct {
	Peer    PeerID `json:"peer"`
	Counter uint64 `json:"counter"`
}

// NewVectorClock 创建空时钟
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// ClockFromEntries 从有序分量列表构造时钟，计数为 0 的分量被忽略
func ClockFromEntries(entries []ClockEntry) VectorClock {
	vc := make(VectorClock, len(entries))
	for _, e := range entries {
		if e.Counter == 0 {
			continue
		}
		if e.Counter > vc[e.Peer] {
			vc[e.Peer] = e.Counter
		}
	}
	return vc
}

// Get 返回指定节点的分量
func (vc VectorClock) Get(peer PeerID) uint64 {
	return vc[peer]
}

// Clone 深拷贝
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for p, c := range vc {
		out[p] = c
	}
	return out
}

// Increment 返回 peer 分量加一后的新时钟，原时钟不变
func (vc VectorClock) Increment(peer PeerID) VectorClock {
	out := vc.Clone()
	out[peer]++
	return out
}

// Merge 返回两个时钟按分量取最大值的结果，原时钟不变
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	out := vc.Clone()
	for p, c := range other {
		if c > out[p] {
			out[p] = c
		}
	}
	return out
}

// Compare 比较两个时钟的因果关系
func (vc VectorClock) Compare(other VectorClock) Ordering {
	less, greater := false, false

	for p, c := range vc {
		o := other[p]
		if c > o {
			greater = true
		} else if c < o {
			less = true
		}
	}
	for p, o := range other {
		if _, ok := vc[p]; ok {
			continue
		}
		if o > 0 {
			less = true
		}
	}

	switch {
	case less && greater:
		return OrderConcurrent
	case greater:
		return OrderAfter
	case less:
		return OrderBefore
	default:
		return OrderEqual
	}
}

// Descends 检查 vc 是否按分量 ≥ other（包含相等）
func (vc VectorClock) Descends(other VectorClock) bool {
	o := vc.Compare(other)
	return o == OrderAfter || o == OrderEqual
}

// Dominates 检查 vc 是否严格支配 other
func (vc VectorClock) Dominates(other VectorClock) bool {
	return vc.Compare(other) == OrderAfter
}

// Covers 检查 dot (peer, counter) 是否已被该时钟观察到
func (vc VectorClock) Covers(peer PeerID, counter uint64) bool {
	return counter <= vc[peer]
}

// Entries 返回按 PeerID 排序的分量列表（忽略 0 分量）
func (vc VectorClock) Entries() []ClockEntry {
	entries := make([]ClockEntry, 0, len(vc))
	for p, c := range vc {
		if c == 0 {
			continue
		}
		entries = append(entries, ClockEntry{Peer: p, Counter: c})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Peer < entries[j].Peer
	})
	return entries
}

// String 返回 {a:1, b:2} 形式的可读表示
func (vc VectorClock) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, e := range vc.Entries() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(e.Peer.ShortString())
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(e.Counter, 10))
	}
	b.WriteByte('}')
	return b.String()
}

// ============================================================================
//                              Dot / DotSet
// ============================================================================

// Dot 事件在实体内的唯一位置：(来源节点, 来源分量)
type Dot struct {
	Peer    PeerID `json:"peer"`
	Counter uint64 `json:"counter"`
}

// DotSet 已应用事件集合
//
// 对每个节点记录连续前缀 Base（≤ Base 的计数全部已应用）以及
// 乱序到达的离散计数 Extra。乱序缺口补齐后 Extra 会被压缩进 Base。
type DotSet struct {
	Base  map[PeerID]uint64   `json:"base,omitempty"`
	Extra map[PeerID][]uint64 `json:"extra,omitempty"`
}

// Contains 检查 dot 是否已记录
func (s *DotSet) Contains(d Dot) bool {
	if d.Counter <= s.Base[d.Peer] {
		return true
	}
	for _, c := range s.Extra[d.Peer] {
		if c == d.Counter {
			return true
		}
	}
	return false
}

// Add 记录 dot，并压缩连续部分
func (s *DotSet) Add(d Dot) {
	if s.Contains(d) {
		return
	}
	if s.Base == nil {
		s.Base = make(map[PeerID]uint64)
	}
	if s.Extra == nil {
		s.Extra = make(map[PeerID][]uint64)
	}

	extra := append(s.Extra[d.Peer], d.Counter)
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })

	base := s.Base[d.Peer]
	i := 0
	for i < len(extra) && extra[i] == base+1 {
		base++
		i++
	}
	s.Base[d.Peer] = base
	if rest := extra[i:]; len(rest) > 0 {
		s.Extra[d.Peer] = append([]uint64(nil), rest...)
	} else {
		delete(s.Extra, d.Peer)
	}
}

// Clone 深拷贝
func (s DotSet) Clone() DotSet {
	out := DotSet{}
	if s.Base != nil {
		out.Base = make(map[PeerID]uint64, len(s.Base))
		for p, c := range s.Base {
			out.Base[p] = c
		}
	}
	if s.Extra != nil {
		out.Extra = make(map[PeerID][]uint64, len(s.Extra))
		for p, cs := range s.Extra {
			out.Extra[p] = append([]uint64(nil), cs...)
		}
	}
	return out
}
