package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVectorClock_Compare(t *testing.T) {
	tests := []struct {
		name string
		a, b VectorClock
		want Ordering
	}{
		{"both empty", nil, VectorClock{}, OrderEqual},
		{"equal", VectorClock{"a": 1, "b": 2}, VectorClock{"b": 2, "a": 1}, OrderEqual},
		{"zero entries ignored", VectorClock{"a": 1, "c": 0}, VectorClock{"a": 1}, OrderEqual},
		{"after", VectorClock{"a": 2}, VectorClock{"a": 1}, OrderAfter},
		{"after missing key", VectorClock{"a": 1, "b": 1}, VectorClock{"a": 1}, OrderAfter},
		{"before", VectorClock{"a": 1}, VectorClock{"a": 1, "b": 1}, OrderBefore},
		{"before from empty", VectorClock{}, VectorClock{"a": 1}, OrderBefore},
		{"concurrent", VectorClock{"a": 1}, VectorClock{"b": 1}, OrderConcurrent},
		{"concurrent mixed", VectorClock{"a": 2, "b": 1}, VectorClock{"a": 1, "b": 2}, OrderConcurrent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
		})
	}
}

func TestVectorClock_DescendsDominates(t *testing.T) {
	a := VectorClock{"a": 2, "b": 1}
	b := VectorClock{"a": 1}

	assert.True(t, a.Descends(b))
	assert.True(t, a.Dominates(b))
	assert.True(t, a.Descends(a.Clone()))
	assert.False(t, a.Dominates(a.Clone()))
	assert.False(t, b.Descends(a))
}

func TestVectorClock_IncrementMerge(t *testing.T) {
	a := VectorClock{"a": 1}
	b := a.Increment("a")

	assert.Equal(t, uint64(1), a.Get("a"), "Increment 不应修改原时钟")
	assert.Equal(t, uint64(2), b.Get("a"))

	m := VectorClock{"a": 3, "b": 1}.Merge(VectorClock{"a": 1, "c": 4})
	assert.Equal(t, VectorClock{"a": 3, "b": 1, "c": 4}, m)

	// 合并满足交换律与幂等
	x := VectorClock{"p": 2, "q": 5}
	y := VectorClock{"p": 7, "r": 1}
	assert.Equal(t, x.Merge(y), y.Merge(x))
	assert.Equal(t, x, x.Merge(x))
}

func TestVectorClock_Entries(t *testing.T) {
	vc := VectorClock{"c": 3, "a": 1, "b": 0, "d": 2}
	assert.Equal(t, []ClockEntry{{"a", 1}, {"c", 3}, {"d", 2}}, vc.Entries())
	assert.Equal(t, "{a:1, c:3, d:2}", vc.String())

	back := ClockFromEntries(vc.Entries())
	assert.Equal(t, OrderEqual, back.Compare(vc))
}

func TestDotSet(t *testing.T) {
	var s DotSet

	s.Add(Dot{"a", 1})
	s.Add(Dot{"a", 3})
	assert.True(t, s.Contains(Dot{"a", 1}))
	assert.False(t, s.Contains(Dot{"a", 2}))
	assert.True(t, s.Contains(Dot{"a", 3}))
	assert.Equal(t, uint64(1), s.Base["a"])
	assert.Equal(t, []uint64{3}, s.Extra["a"])

	// 补齐缺口后压缩进 Base
	s.Add(Dot{"a", 2})
	assert.Equal(t, uint64(3), s.Base["a"])
	assert.Empty(t, s.Extra["a"])

	// 重复添加无副作用
	s.Add(Dot{"a", 2})
	assert.Equal(t, uint64(3), s.Base["a"])

	clone := s.Clone()
	clone.Add(Dot{"b", 1})
	assert.False(t, s.Contains(Dot{"b", 1}))
}
