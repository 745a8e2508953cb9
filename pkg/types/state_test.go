package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_LWW(t *testing.T) {
	alice := Version{Value: []byte(`"A"`), Clock: VectorClock{"alice": 1}, Writer: "alice"}
	bob := Version{Value: []byte(`"B"`), Clock: VectorClock{"bob": 1}, Writer: "bob"}

	// 两种到达顺序得到相同的可见值
	var r1, r2 Register
	r1.Set(alice)
	r1.Set(bob)
	r2.Set(bob)
	r2.Set(alice)

	w1, ok := r1.Winner()
	require.True(t, ok)
	w2, _ := r2.Winner()
	assert.Equal(t, PeerID("bob"), w1.Writer)
	assert.Equal(t, w1, w2)
	assert.True(t, r1.Conflicted())

	// 支配两者的写入收敛为单一版本
	resolved := Version{Value: []byte(`"C"`), Clock: VectorClock{"alice": 2, "bob": 1}, Writer: "alice"}
	assert.True(t, r1.Set(resolved))
	assert.False(t, r1.Conflicted())

	// 被支配的旧写入被忽略
	assert.False(t, r1.Set(alice))
	w, _ := r1.Winner()
	assert.Equal(t, []byte(`"C"`), w.Value)
}

func TestORSet_AddWins(t *testing.T) {
	var s ORSet
	assert.True(t, s.Add("x", Dot{"p1", 1}))
	assert.True(t, s.Add("y", Dot{"p2", 1}))
	assert.False(t, s.Add("x", Dot{"p1", 1}))
	assert.Equal(t, []string{"x", "y"}, s.Elements())

	// 并发添加（p2 未观察到的 dot）在移除后保留
	assert.True(t, s.Add("x", Dot{"p2", 2}))
	assert.True(t, s.Remove("x", VectorClock{"p1": 2}))
	assert.True(t, s.Contains("x"))

	// 观察到全部 dot 的移除使元素消失
	assert.True(t, s.Remove("x", VectorClock{"p1": 2, "p2": 2}))
	assert.False(t, s.Contains("x"))

	// 迟到的、已被移除观察过的添加不会复活元素
	assert.False(t, s.Add("x", Dot{"p1", 1}))
	assert.False(t, s.Contains("x"))
}

func TestPNCounter(t *testing.T) {
	var c PNCounter
	c.Add("a", 5)
	c.Add("b", 3)
	c.Add("a", -2)
	assert.False(t, c.Add("a", 0))
	assert.Equal(t, int64(6), c.Value())
}

func TestState_View(t *testing.T) {
	var s State
	s.Field("title").Set(Version{Value: []byte(`"hello"`), Clock: VectorClock{"a": 1}, Writer: "a"})
	s.Set("tags").Add("x", Dot{"a", 2})
	s.Counter("points").Add("a", 10)
	s.Blob("body").Set(Version{Value: []byte{1, 2}, Clock: VectorClock{"a": 3}, Writer: "a"})

	view := s.View()
	assert.Equal(t, "hello", view["title"])
	assert.Equal(t, []string{"x"}, view["tags"])
	assert.Equal(t, int64(10), view["points"])
	assert.Equal(t, []byte{1, 2}, view["body"])

	clone := s.Clone()
	clone.Counter("points").Add("b", 1)
	assert.Equal(t, int64(10), s.Counter("points").Value())
}

func TestState_CloneIsDeep(t *testing.T) {
	var s State
	s.Field("title").Set(Version{Value: []byte(`"hello"`), Clock: VectorClock{"a": 1}, Writer: "a"})
	s.Set("tags").Add("x", Dot{"a", 2})
	s.Set("tags").Remove("y", VectorClock{"a": 1})
	s.Counter("points").Add("a", -4)
	s.Blob("body").Set(Version{Value: []byte{1, 2}, Clock: VectorClock{"a": 3}, Writer: "a"})
	s.AddPendingDelete(PendingDelete{Source: "b", Clock: VectorClock{"b": 1}})

	clone := s.Clone()
	assert.Equal(t, s, clone)

	// 修改副本的每一层都不影响原状态
	clone.Fields["title"].Versions[0].Value[1] = 'J'
	clone.Fields["title"].Versions[0].Clock["a"] = 9
	clone.Sets["tags"].Adds["x"][0].Counter = 7
	clone.Counters["points"].N["a"] = 100
	clone.Blobs["body"].Versions[0].Value[0] = 9
	clone.PendingDeletes[0].Clock["b"] = 5

	assert.Equal(t, "hello", s.View()["title"])
	assert.Equal(t, uint64(1), s.Fields["title"].Versions[0].Clock["a"])
	assert.Equal(t, uint64(2), s.Sets["tags"].Adds["x"][0].Counter)
	assert.Equal(t, int64(-4), s.Counter("points").Value())
	assert.Equal(t, []byte{1, 2}, s.View()["body"])
	assert.Equal(t, uint64(1), s.PendingDeletes[0].Clock["b"])

	var empty State
	assert.Equal(t, State{}, empty.Clone())
}

func TestState_PendingDeletes(t *testing.T) {
	var s State
	pd := PendingDelete{Source: "p1", Clock: VectorClock{"p1": 1}}
	assert.True(t, s.AddPendingDelete(pd))
	assert.False(t, s.AddPendingDelete(pd))

	assert.False(t, s.ClearPendingDeletes(VectorClock{"p2": 1}))
	assert.True(t, s.ClearPendingDeletes(VectorClock{"p1": 1, "p2": 1}))
	assert.Empty(t, s.PendingDeletes)
}

func TestEntityRecord_RoundTrip(t *testing.T) {
	rec := NewEntityRecord("asset-1")
	rec.Clock = VectorClock{"a": 2}
	rec.State.Field("name").Set(Version{Value: []byte(`"n"`), Clock: VectorClock{"a": 1}, Writer: "a"})
	rec.Applied.Add(Dot{"a", 1})
	rec.Applied.Add(Dot{"a", 2})
	rec.Phase = PhaseModifiedLocally
	rec.Cancels = []VectorClock{{"a": 1, "b": 1}}

	b, err := MarshalRecord(rec)
	require.NoError(t, err)

	back, err := UnmarshalRecord(b)
	require.NoError(t, err)
	assert.Equal(t, rec.Clock, back.Clock)
	assert.Equal(t, PhaseModifiedLocally, back.Phase)
	assert.Equal(t, rec.View(), back.View())
	assert.True(t, back.Applied.Contains(Dot{"a", 2}))
	require.Len(t, back.Cancels, 1)
	assert.Equal(t, OrderEqual, back.Cancels[0].Compare(VectorClock{"a": 1, "b": 1}))

	rec.Tombstoned = true
	assert.Nil(t, rec.View(), "墓碑记录没有可见状态")

	// 阶段以文本形式持久化
	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.Equal(t, "modified_locally", raw["phase"])
}
