package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/dep2p/go-dsync/config"
	"github.com/dep2p/go-dsync/internal/core/identity"
	"github.com/dep2p/go-dsync/internal/core/storage"
	"github.com/dep2p/go-dsync/pkg/interfaces"
	"github.com/dep2p/go-dsync/pkg/types"
)

const (
	p1 types.PeerID = "p1"
	p2 types.PeerID = "p2"
	p3 types.PeerID = "p3"
)

const asset = "asset-1"

// ============================================================================
//                              测试辅助
// ============================================================================

func newTestEngine(t *testing.T, local types.PeerID) *Engine {
	t.Helper()
	return NewEngine(storage.NewMemoryStore(), local, config.DefaultReconcileConfig(), nil)
}

func mkEvent(entity string, typ types.EventType, src types.PeerID, clock types.VectorClock, payload []byte) *types.Event {
	ev := &types.Event{
		EntityID:  entity,
		Type:      typ,
		Source:    src,
		Clock:     clock,
		Payload:   payload,
		Timestamp: time.Unix(1700000000, 0),
	}
	ev.Seal()
	return ev
}

func propEvent(src types.PeerID, clock types.VectorClock, field string, value any) *types.Event {
	return mkEvent(asset, types.EventPropertySet, src, clock, types.MustPayload(types.NewPropertyPayload(field, value)))
}

func tagEvent(typ types.EventType, src types.PeerID, clock types.VectorClock, tags ...string) *types.Event {
	return mkEvent(asset, typ, src, clock, types.MustPayload(types.NewSetPayload("tags", tags...)))
}

func contentEvent(src types.PeerID, clock types.VectorClock, data string) *types.Event {
	return mkEvent(asset, types.EventContentSet, src, clock, types.MustPayload(types.NewContentPayload("blob", []byte(data))))
}

func counterEvent(src types.PeerID, clock types.VectorClock, delta int64) *types.Event {
	return mkEvent(asset, types.EventCounterAdd, src, clock, types.MustPayload(types.NewCounterPayload("points", delta)))
}

func deleteEvent(src types.PeerID, clock types.VectorClock) *types.Event {
	return mkEvent(asset, types.EventDeleted, src, clock, nil)
}

func cancelEvent(src types.PeerID, clock types.VectorClock) *types.Event {
	return mkEvent(asset, types.EventDeleteCancelled, src, clock, nil)
}

func stamp(t *testing.T, e *Engine, typ types.EventType, payload []byte) (*types.Event, types.MergeOutcome) {
	t.Helper()
	ev, out, err := e.Stamp(context.Background(), asset, typ, func(clock types.VectorClock) (*types.Event, error) {
		return mkEvent(asset, typ, e.LocalPeer(), clock, payload), nil
	})
	require.NoError(t, err)
	return ev, out
}

func apply(t *testing.T, e *Engine, ev *types.Event) types.MergeOutcome {
	t.Helper()
	out, err := e.Apply(context.Background(), ev)
	require.NoError(t, err)
	return out
}

func record(t *testing.T, e *Engine) *types.EntityRecord {
	t.Helper()
	rec, err := e.Record(context.Background(), asset)
	require.NoError(t, err)
	return rec
}

// permutations 返回 0..n-1 的全排列
func permutations(n int) [][]int {
	var out [][]int
	var walk func(prefix []int, used []bool)
	walk = func(prefix []int, used []bool) {
		if len(prefix) == n {
			out = append(out, append([]int(nil), prefix...))
			return
		}
		for i := 0; i < n; i++ {
			if used[i] {
				continue
			}
			used[i] = true
			walk(append(prefix, i), used)
			used[i] = false
		}
	}
	walk(nil, make([]bool, n))
	return out
}

// ============================================================================
//                              策略表
// ============================================================================

func TestStrategyTable_Complete(t *testing.T) {
	for _, et := range types.AllEventTypes() {
		st := lookup(et)
		require.NotNil(t, st, "事件类型 %s 缺少合并策略", et)
		assert.NotNil(t, st.decode, et.String())
		assert.NotNil(t, st.merge, et.String())
	}
	assert.Nil(t, lookup(types.EventUnknown))
	assert.Nil(t, lookup(types.EventType(99)))
}

// ============================================================================
//                              基本性质
// ============================================================================

func TestApply_Idempotent(t *testing.T) {
	e := newTestEngine(t, p3)
	ev := propEvent(p1, types.VectorClock{p1: 1}, "name", "rocket")

	assert.Equal(t, types.OutcomeApplied, apply(t, e, ev).Kind)
	before := record(t, e)

	again := apply(t, e, ev)
	assert.Equal(t, types.OutcomeStale, again.Kind)
	assert.Equal(t, before.View(), record(t, e).View())
	assert.Equal(t, types.OrderEqual, before.Clock.Compare(record(t, e).Clock))
}

func TestApply_ConflictDetection(t *testing.T) {
	e := newTestEngine(t, p3)

	first := apply(t, e, propEvent("A", types.VectorClock{"A": 1}, "name", "a"))
	assert.Equal(t, types.OutcomeApplied, first.Kind)

	second := apply(t, e, propEvent("B", types.VectorClock{"B": 1}, "name", "b"))
	assert.Equal(t, types.OutcomeConflict, second.Kind)
	require.NotNil(t, second.Conflict)
	assert.Equal(t, types.StrategyLWW, second.Conflict.Strategy)
	assert.False(t, second.RequiresResolution())
	assert.Len(t, second.Conflict.Candidates, 2)
	assert.Equal(t, types.OrderEqual, second.Clock.Compare(types.VectorClock{"A": 1, "B": 1}))
}

func TestApply_DeterministicTieBreak(t *testing.T) {
	alice := propEvent("alice", types.VectorClock{"alice": 1}, "title", "from alice")
	bob := propEvent("bob", types.VectorClock{"bob": 1}, "title", "from bob")

	for _, order := range [][]*types.Event{{alice, bob}, {bob, alice}} {
		e := newTestEngine(t, p3)
		for _, ev := range order {
			apply(t, e, ev)
		}
		assert.Equal(t, "from bob", record(t, e).View()["title"])
	}
}

func TestApply_ConvergenceAndMonotonicity(t *testing.T) {
	events := []*types.Event{
		tagEvent(types.EventSetAdd, p1, types.VectorClock{p1: 1}, "x"),
		tagEvent(types.EventSetAdd, p2, types.VectorClock{p2: 1}, "y"),
		tagEvent(types.EventSetRemove, p1, types.VectorClock{p1: 2}, "x"),
		propEvent(p2, types.VectorClock{p1: 1, p2: 2}, "name", "b"),
		counterEvent(p3, types.VectorClock{p3: 1}, 5),
		propEvent(p1, types.VectorClock{p1: 3}, "name", "a"),
	}
	want := map[string]any{
		"tags":   []string{"y"},
		"name":   "b",
		"points": int64(5),
	}
	wantClock := types.VectorClock{p1: 3, p2: 2, p3: 1}

	for _, perm := range permutations(len(events)) {
		e := newTestEngine(t, "observer")
		prev := types.NewVectorClock()
		for _, i := range perm {
			out := apply(t, e, events[i])
			require.True(t, out.Clock.Descends(prev), "时钟分量不得减少: %v -> %v", prev, out.Clock)
			prev = out.Clock
		}
		rec := record(t, e)
		require.Equal(t, want, rec.View(), "排列 %v", perm)
		require.Equal(t, types.OrderEqual, rec.Clock.Compare(wantClock), "排列 %v", perm)
	}
}

// ============================================================================
//                              场景
// ============================================================================

// 重命名与无关元数据乱序到达，两者都作为独立的因果后继被应用
func TestScenario_OutOfOrderCausalDescendants(t *testing.T) {
	rename := propEvent(p1, types.VectorClock{p1: 1}, "name", "rocket")
	meta := propEvent(p1, types.VectorClock{p1: 2}, "license", "cc-by")

	e := newTestEngine(t, p2)
	assert.Equal(t, types.OutcomeApplied, apply(t, e, meta).Kind)
	assert.Equal(t, types.OutcomeApplied, apply(t, e, rename).Kind)

	rec := record(t, e)
	assert.Equal(t, types.OrderEqual, rec.Clock.Compare(types.VectorClock{p1: 2}))
	assert.Equal(t, "rocket", rec.View()["name"])
	assert.Equal(t, "cc-by", rec.View()["license"])

	// 同一字段上的迟到祖先不会覆盖后写入的值
	older := propEvent(p1, types.VectorClock{p1: 3}, "name", "rocket-v2")
	e2 := newTestEngine(t, p2)
	apply(t, e2, older)
	assert.Equal(t, types.OutcomeStale, apply(t, e2, rename).Kind)
	assert.Equal(t, "rocket-v2", record(t, e2).View()["name"])
}

func TestScenario_ConcurrentTags(t *testing.T) {
	x := tagEvent(types.EventSetAdd, p1, types.VectorClock{p1: 1}, "x")
	y := tagEvent(types.EventSetAdd, p2, types.VectorClock{p2: 1}, "y")

	e := newTestEngine(t, p3)
	assert.Equal(t, types.OutcomeApplied, apply(t, e, x).Kind)
	out := apply(t, e, y)
	assert.Equal(t, types.OutcomeConflict, out.Kind)
	require.NotNil(t, out.Conflict)
	assert.Equal(t, types.StrategyAddWins, out.Conflict.Strategy)
	assert.False(t, out.RequiresResolution())

	rec := record(t, e)
	assert.Equal(t, []string{"x", "y"}, rec.View()["tags"])
	assert.Equal(t, types.OrderEqual, rec.Clock.Compare(types.VectorClock{p1: 1, p2: 1}))
}

func TestScenario_BinaryConflictAndResolve(t *testing.T) {
	e1, e2, e3 := newTestEngine(t, p1), newTestEngine(t, p2), newTestEngine(t, p3)

	c1, _ := stamp(t, e1, types.EventContentSet, types.MustPayload(types.NewContentPayload("blob", []byte("A"))))
	c2, _ := stamp(t, e2, types.EventContentSet, types.MustPayload(types.NewContentPayload("blob", []byte("B"))))

	out := apply(t, e1, c2)
	assert.Equal(t, types.OutcomeConflict, out.Kind)
	require.True(t, out.RequiresResolution())
	assert.Equal(t, types.StrategyManual, out.Conflict.Strategy)
	require.Len(t, out.Conflict.Candidates, 2)
	assert.Equal(t, p1, out.Conflict.Candidates[0].Source)
	assert.Equal(t, p2, out.Conflict.Candidates[1].Source)

	assert.True(t, apply(t, e2, c1).RequiresResolution())
	apply(t, e3, c1)
	assert.True(t, apply(t, e3, c2).RequiresResolution())

	chosen := out.Conflict.Candidates[1]
	res, resOut := stamp(t, e1, chosen.Type, chosen.Payload)
	assert.Equal(t, types.OrderEqual, res.Clock.Compare(types.VectorClock{p1: 2, p2: 1}))
	assert.Equal(t, types.OutcomeApplied, resOut.Kind)

	for _, e := range []*Engine{e2, e3} {
		got := apply(t, e, res)
		assert.Equal(t, types.OutcomeApplied, got.Kind)
		assert.False(t, got.RequiresResolution())
	}
	for _, e := range []*Engine{e1, e2, e3} {
		rec := record(t, e)
		assert.Equal(t, []byte("B"), rec.View()["blob"])
		assert.False(t, rec.State.Blob("blob").Conflicted())
	}
}

func TestScenario_DeleteRacesModify(t *testing.T) {
	del := deleteEvent(p1, types.VectorClock{p1: 1})
	mod := propEvent(p2, types.VectorClock{p2: 1}, "name", "kept")

	setup := func(t *testing.T) (*Engine, *Engine) {
		x, y := newTestEngine(t, p3), newTestEngine(t, "p4")

		assert.Equal(t, types.OutcomeApplied, apply(t, x, del).Kind)
		assert.True(t, record(t, x).Tombstoned)
		outX := apply(t, x, mod)

		assert.Equal(t, types.OutcomeApplied, apply(t, y, mod).Kind)
		outY := apply(t, y, del)

		for _, out := range []types.MergeOutcome{outX, outY} {
			assert.Equal(t, types.OutcomeConflict, out.Kind)
			require.True(t, out.RequiresResolution())
			assert.Equal(t, types.StrategyTombstone, out.Conflict.Strategy)
			require.Len(t, out.Conflict.Candidates, 2)
			assert.Equal(t, types.EventDeleteCancelled, out.Conflict.Candidates[0].Type)
			assert.Equal(t, types.EventDeleted, out.Conflict.Candidates[1].Type)
		}

		rx, ry := record(t, x), record(t, y)
		for _, rec := range []*types.EntityRecord{rx, ry} {
			assert.False(t, rec.Tombstoned, "未经解决不得自动删除")
			assert.Len(t, rec.State.PendingDeletes, 1)
			assert.Equal(t, "kept", rec.View()["name"])
		}
		assert.Equal(t, types.OrderEqual, rx.Clock.Compare(ry.Clock))
		return x, y
	}

	t.Run("resolve as delete", func(t *testing.T) {
		x, y := setup(t)
		res, out := stamp(t, x, types.EventDeleted, nil)
		assert.Equal(t, types.OutcomeApplied, out.Kind)
		assert.Equal(t, types.OutcomeApplied, apply(t, y, res).Kind)

		for _, e := range []*Engine{x, y} {
			rec := record(t, e)
			assert.True(t, rec.Tombstoned)
			assert.Nil(t, rec.View())
		}
	})

	t.Run("resolve as cancel", func(t *testing.T) {
		x, y := setup(t)
		res, out := stamp(t, x, types.EventDeleteCancelled, nil)
		assert.Equal(t, types.OutcomeApplied, out.Kind)
		assert.Equal(t, types.OutcomeApplied, apply(t, y, res).Kind)

		for _, e := range []*Engine{x, y} {
			rec := record(t, e)
			assert.False(t, rec.Tombstoned)
			assert.Empty(t, rec.State.PendingDeletes)
			assert.Equal(t, "kept", rec.View()["name"])
		}
	})
}

// ============================================================================
//                              墓碑
// ============================================================================

func TestTombstone_RejectsStaleEvents(t *testing.T) {
	mod := propEvent(p2, types.VectorClock{p2: 1}, "name", "old")
	del := deleteEvent(p1, types.VectorClock{p1: 1, p2: 1})

	x := newTestEngine(t, p3)
	assert.Equal(t, types.OutcomeApplied, apply(t, x, del).Kind)
	assert.Equal(t, types.OutcomeStale, apply(t, x, mod).Kind)

	rec := record(t, x)
	assert.True(t, rec.Tombstoned)
	assert.Nil(t, rec.View())
	assert.Equal(t, types.PhaseTombstoned, rec.Phase)

	_, _, err := x.Stamp(context.Background(), asset, types.EventPropertySet, func(clock types.VectorClock) (*types.Event, error) {
		t.Fatal("墓碑实体不应构造事件")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrEntityDeleted)

	// 另一个节点先收到修改再收到删除
	y := newTestEngine(t, "p4")
	apply(t, y, mod)
	assert.Equal(t, types.OutcomeApplied, apply(t, y, del).Kind)
	assert.True(t, record(t, y).Tombstoned)

	// 取消删除后两边恢复出相同状态
	cancel := cancelEvent(p1, types.VectorClock{p1: 2, p2: 1})
	assert.Equal(t, types.OutcomeApplied, apply(t, x, cancel).Kind)
	assert.Equal(t, types.OutcomeApplied, apply(t, y, cancel).Kind)
	assert.Equal(t, map[string]any{"name": "old"}, record(t, x).View())
	assert.Equal(t, record(t, x).View(), record(t, y).View())

	// 先收到取消的节点把迟到的删除视为已取消
	z := newTestEngine(t, "p5")
	apply(t, z, cancel)
	assert.Equal(t, types.OutcomeStale, apply(t, z, del).Kind)
	apply(t, z, mod)
	assert.False(t, record(t, z).Tombstoned)
	assert.Equal(t, record(t, x).View(), record(t, z).View())
}

func TestTombstone_ConcurrentDeletesMerge(t *testing.T) {
	d1 := deleteEvent(p1, types.VectorClock{p1: 1})
	d2 := deleteEvent(p2, types.VectorClock{p2: 1})

	for _, order := range [][]*types.Event{{d1, d2}, {d2, d1}} {
		e := newTestEngine(t, p3)
		for _, ev := range order {
			assert.Equal(t, types.OutcomeApplied, apply(t, e, ev).Kind)
		}
		rec := record(t, e)
		assert.True(t, rec.Tombstoned)
		assert.Equal(t, types.OrderEqual, rec.TombstoneClock.Compare(types.VectorClock{p1: 1, p2: 1}))
	}
}

// ============================================================================
//                              错误
// ============================================================================

func TestApply_Errors(t *testing.T) {
	e := newTestEngine(t, p3)

	tests := []struct {
		name string
		ev   *types.Event
		want error
	}{
		{"unknown type", mkEvent(asset, types.EventType(42), p1, types.VectorClock{p1: 1}, nil), types.ErrUnknownEventType},
		{"not json", mkEvent(asset, types.EventPropertySet, p1, types.VectorClock{p1: 1}, []byte("{")), types.ErrCorruptPayload},
		{"missing field", mkEvent(asset, types.EventPropertySet, p1, types.VectorClock{p1: 1}, []byte(`{"value":1}`)), types.ErrCorruptPayload},
		{"missing value", mkEvent(asset, types.EventPropertySet, p1, types.VectorClock{p1: 1}, []byte(`{"field":"name"}`)), types.ErrCorruptPayload},
		{"clock lacks source", mkEvent(asset, types.EventCounterAdd, p1, types.VectorClock{p2: 1}, []byte(`{"field":"n","delta":1}`)), types.ErrCorruptPayload},
		{"empty entity", mkEvent("", types.EventDeleted, p1, types.VectorClock{p1: 1}, nil), types.ErrEmptyEntityID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.Apply(context.Background(), tt.ev)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, types.IsReconciliationError(err))
			assert.Equal(t, types.OutcomeStale, out.Kind)
		})
	}

	_, err := e.Record(context.Background(), asset)
	assert.ErrorIs(t, err, types.ErrNotFound, "错误事件不得影响实体")
}

func TestStamp_Mismatch(t *testing.T) {
	e := newTestEngine(t, p1)
	_, _, err := e.Stamp(context.Background(), asset, types.EventDeleted, func(clock types.VectorClock) (*types.Event, error) {
		return mkEvent(asset, types.EventDeleted, p2, clock, nil), nil
	})
	assert.ErrorIs(t, err, ErrEventMismatch)

	build := errors.New("sign failed")
	_, _, err = e.Stamp(context.Background(), asset, types.EventDeleted, func(types.VectorClock) (*types.Event, error) {
		return nil, build
	})
	assert.ErrorIs(t, err, build)
}

// ============================================================================
//                              阶段与回调
// ============================================================================

func TestPhases(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, p1)

	stamp(t, e, types.EventPropertySet, types.MustPayload(types.NewPropertyPayload("name", "n")))
	assert.Equal(t, types.PhaseModifiedLocally, record(t, e).Phase)

	require.NoError(t, e.MarkSynced(ctx, asset, 1))
	assert.Equal(t, types.PhaseSynced, record(t, e).Phase)

	apply(t, e, counterEvent(p2, types.VectorClock{p1: 1, p2: 1}, 1))
	assert.Equal(t, types.PhaseSynced, record(t, e).Phase)

	stamp(t, e, types.EventDeleted, nil)
	assert.Equal(t, types.PhaseDeletedLocally, record(t, e).Phase)

	// 较早的本地事件交付不改变阶段
	require.NoError(t, e.MarkSynced(ctx, asset, 1))
	assert.Equal(t, types.PhaseDeletedLocally, record(t, e).Phase)

	require.NoError(t, e.MarkSynced(ctx, asset, 2))
	assert.Equal(t, types.PhaseTombstoned, record(t, e).Phase)

	require.NoError(t, e.MarkSynced(ctx, "unknown", 1))
}

func TestOnCommit(t *testing.T) {
	e := newTestEngine(t, p3)

	var got []types.OutcomeKind
	var views []map[string]any
	e.OnCommit(func(ev *types.Event, out types.MergeOutcome, view map[string]any) {
		got = append(got, out.Kind)
		views = append(views, view)
	})

	newer := propEvent(p1, types.VectorClock{p1: 2}, "name", "new")
	older := propEvent(p1, types.VectorClock{p1: 1}, "name", "old")

	apply(t, e, newer)
	apply(t, e, newer)
	apply(t, e, older)
	apply(t, e, propEvent(p2, types.VectorClock{p2: 1}, "name", "zzz"))

	assert.Equal(t, []types.OutcomeKind{types.OutcomeApplied, types.OutcomeConflict}, got)
	assert.Equal(t, "new", views[0]["name"])
}

// ============================================================================
//                              并发
// ============================================================================

func TestStamp_SerializedPerEntity(t *testing.T) {
	e := newTestEngine(t, p1)
	payload := types.MustPayload(types.NewCounterPayload("points", 1))

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entity := asset
			if i%2 == 1 {
				entity = fmt.Sprintf("other-%d", i%5)
			}
			_, _, err := e.Stamp(context.Background(), entity, types.EventCounterAdd, func(clock types.VectorClock) (*types.Event, error) {
				return mkEvent(entity, types.EventCounterAdd, p1, clock, payload), nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rec := record(t, e)
	assert.Equal(t, int64(n/2), rec.View()["points"])
	assert.Equal(t, uint64(n/2), rec.Clock.Get(p1))
	assert.Zero(t, e.locks.Len())

	ids, err := e.Entities(context.Background())
	require.NoError(t, err)
	assert.Contains(t, ids, asset)
}

func TestApply_LockTimeout(t *testing.T) {
	cfg := config.ReconcileConfig{LockTimeout: config.Duration(20 * time.Millisecond)}
	e := NewEngine(storage.NewMemoryStore(), p3, cfg, nil)

	unlock, err := e.locks.Lock(context.Background(), asset)
	require.NoError(t, err)
	defer unlock()

	_, err = e.Apply(context.Background(), propEvent(p1, types.VectorClock{p1: 1}, "name", "x"))
	assert.ErrorIs(t, err, types.ErrTimeout)

	// 其他实体不受影响
	other := mkEvent("asset-2", types.EventDeleted, p1, types.VectorClock{p1: 1}, nil)
	out, err := e.Apply(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeApplied, out.Kind)
}

// ============================================================================
//                              Fx 模块
// ============================================================================

func TestModule(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	var engine *Engine
	app := fxtest.New(t,
		fx.Supply(config.NewMemoryConfig()),
		fx.Provide(func() interfaces.Identity { return id }),
		storage.Module(),
		Module(),
		fx.Populate(&engine),
	)
	app.RequireStart()
	defer app.RequireStop()

	require.NotNil(t, engine)
	assert.Equal(t, id.PeerID(), engine.LocalPeer())
}
