package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/dep2p/go-dsync/config"
	"github.com/dep2p/go-dsync/internal/core/identity"
	"github.com/dep2p/go-dsync/internal/core/reconcile"
	"github.com/dep2p/go-dsync/internal/core/storage"
	"github.com/dep2p/go-dsync/internal/core/wire"
	"github.com/dep2p/go-dsync/pkg/interfaces"
	"github.com/dep2p/go-dsync/pkg/types"
)

// ============================================================================
//                              测试辅助
// ============================================================================

type sentFrame struct {
	data     []byte
	priority types.Priority
}

// fakeNetwork 记录发出的帧，成功即视为已交付
type fakeNetwork struct {
	local   types.PeerID
	inbound chan types.InboundFrame

	mu    sync.Mutex
	sent  []sentFrame
	fail  error
	hooks []func(types.PeerID)
}

func newFakeNetwork(local types.PeerID) *fakeNetwork {
	return &fakeNetwork{local: local, inbound: make(chan types.InboundFrame, 16)}
}

func (n *fakeNetwork) Send(ctx context.Context, peer types.PeerID, data []byte, p types.Priority) error {
	return n.SendNotify(ctx, peer, data, p, nil)
}

func (n *fakeNetwork) Broadcast(ctx context.Context, data []byte, p types.Priority, scope types.Scope) error {
	return n.BroadcastNotify(ctx, data, p, scope, nil)
}

func (n *fakeNetwork) SendNotify(ctx context.Context, _ types.PeerID, data []byte, p types.Priority, sent func()) error {
	return n.BroadcastNotify(ctx, data, p, types.AllPeers(), sent)
}

func (n *fakeNetwork) BroadcastNotify(_ context.Context, data []byte, p types.Priority, _ types.Scope, sent func()) error {
	n.mu.Lock()
	if n.fail != nil {
		n.mu.Unlock()
		return n.fail
	}
	n.sent = append(n.sent, sentFrame{data: data, priority: p})
	n.mu.Unlock()
	if sent != nil {
		sent()
	}
	return nil
}

func (n *fakeNetwork) OnConnected(fn func(types.PeerID)) {
	n.mu.Lock()
	n.hooks = append(n.hooks, fn)
	n.mu.Unlock()
}

// connect 模拟连接建立
func (n *fakeNetwork) connect(peer types.PeerID) {
	n.mu.Lock()
	hooks := n.hooks
	n.mu.Unlock()
	for _, fn := range hooks {
		fn(peer)
	}
}

func (n *fakeNetwork) Peers() []types.PeerID { return nil }

func (n *fakeNetwork) Inbound() <-chan types.InboundFrame { return n.inbound }

func (n *fakeNetwork) LocalPeer() types.PeerID { return n.local }

func (n *fakeNetwork) sentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func (n *fakeNetwork) setFail(err error) {
	n.mu.Lock()
	n.fail = err
	n.mu.Unlock()
}

// waitSent 等待第 i 个广播帧
func (n *fakeNetwork) waitSent(t *testing.T, i int) sentFrame {
	t.Helper()
	var f sentFrame
	require.Eventually(t, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		if len(n.sent) <= i {
			return false
		}
		f = n.sent[i]
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return f
}

type testSystem struct {
	*System
	id     *identity.Identity
	engine *reconcile.Engine
	net    *fakeNetwork
}

func newTestSystem(t *testing.T, mutate func(*config.EventsConfig)) *testSystem {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)

	cfg := config.DefaultEventsConfig()
	cfg.Workers = 2
	if mutate != nil {
		mutate(&cfg)
	}

	store := storage.NewMemoryStore()
	eng := reconcile.NewEngine(store, id.PeerID(), config.DefaultReconcileConfig(), nil)
	net := newFakeNetwork(id.PeerID())
	sys, err := New(eng, net, id, cfg, WithEventLog(store))
	require.NoError(t, err)
	require.NoError(t, sys.Start(context.Background()))
	t.Cleanup(func() { _ = sys.Stop() })
	return &testSystem{System: sys, id: id, engine: eng, net: net}
}

// notifications 收集回调
type notifications struct {
	mu  sync.Mutex
	got []notification
}

func (n *notifications) callback(id string, out types.MergeOutcome, state map[string]any) {
	n.mu.Lock()
	n.got = append(n.got, notification{entityID: id, outcome: out, state: state})
	n.mu.Unlock()
}

func (n *notifications) len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.got)
}

func (n *notifications) at(i int) notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.got[i]
}

func prop(field string, value any) []byte {
	return types.MustPayload(types.NewPropertyPayload(field, value))
}

// ============================================================================
//                              发布与接收
// ============================================================================

func TestSystem_PublishSignsAndForwards(t *testing.T) {
	ctx := context.Background()
	a := newTestSystem(t, nil)

	ev, out, err := a.Publish(ctx, "doc", types.EventPropertySet, prop("title", "v1"))
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeApplied, out.Kind)
	assert.Equal(t, a.id.PeerID(), ev.Source)
	assert.Equal(t, uint64(1), ev.Clock.Get(a.id.PeerID()))
	assert.Len(t, ev.Signature, 64)

	f := a.net.waitSent(t, 0)
	assert.Equal(t, types.PriorityMedium, f.priority)

	decoded, err := a.codec.Unmarshal(f.data)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, decoded.ID)

	// 交付网络后实体标记为已同步
	require.Eventually(t, func() bool {
		rec, err := a.engine.Record(ctx, "doc")
		return err == nil && rec.Phase == types.PhaseSynced
	}, 2*time.Second, 5*time.Millisecond)

	stats := a.Stats()
	assert.Equal(t, int64(1), stats.Published)
	assert.Equal(t, 1, stats.DedupSize)
}

func TestSystem_ForwardFailureKeepsModified(t *testing.T) {
	ctx := context.Background()
	a := newTestSystem(t, nil)
	a.net.setFail(types.ErrBackpressure)

	_, _, err := a.Publish(ctx, "doc", types.EventPropertySet, prop("title", "v1"))
	require.NoError(t, err, "发布不等待网络")

	require.Eventually(t, func() bool {
		return a.Stats().ForwardFailed == 1
	}, 2*time.Second, 5*time.Millisecond)
	rec, err := a.engine.Record(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, types.PhaseModifiedLocally, rec.Phase)
}

func TestSystem_CatchUpAfterOfflinePublish(t *testing.T) {
	ctx := context.Background()
	a := newTestSystem(t, nil)
	a.net.setFail(types.ErrNotConnected)

	ev, _, err := a.Publish(ctx, "doc", types.EventPropertySet, prop("title", "offline"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return a.Stats().ForwardFailed == 1
	}, 2*time.Second, 5*time.Millisecond)
	a.net.setFail(nil)

	// b 连接后发送摘要，a 重发 b 尚未确认的事件
	b := newTestSystem(t, nil)
	b.net.connect(a.id.PeerID())
	digest := b.net.waitSent(t, 0)
	require.True(t, wire.IsDigest(digest.data))
	assert.Equal(t, types.PriorityMedium, digest.priority)

	_, err = a.OnReceive(ctx, b.id.PeerID(), digest.data)
	require.NoError(t, err)
	resent := a.net.waitSent(t, 0)
	require.Eventually(t, func() bool {
		rec, err := a.engine.Record(ctx, "doc")
		return err == nil && rec.Phase == types.PhaseSynced
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), a.Stats().Resent)
	assert.Equal(t, int64(1), a.Stats().DigestsReceived)
	assert.Equal(t, int64(1), b.Stats().DigestsSent)

	out, err := b.OnReceive(ctx, a.id.PeerID(), resent.data)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeApplied, out.Kind)

	recA, err := a.engine.Record(ctx, "doc")
	require.NoError(t, err)
	recB, err := b.engine.Record(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, recA.View(), recB.View())
	assert.Equal(t, types.OrderEqual, recA.Clock.Compare(recB.Clock))
	assert.Equal(t, ev.Clock, recB.Clock)

	// 已确认的前缀不再重发
	b.net.connect(a.id.PeerID())
	_, err = a.OnReceive(ctx, b.id.PeerID(), b.net.waitSent(t, 1).data)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return a.Stats().DigestsReceived == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool {
		return a.net.sentCount() > 1
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestSystem_CatchUpChunkedDigest(t *testing.T) {
	ctx := context.Background()
	a := newTestSystem(t, nil)
	b := newTestSystem(t, func(cfg *config.EventsConfig) { cfg.DigestBatch = 1 })

	// b 只收到前两个事件：x#1 与 y#1
	var frames [][]byte
	for i, id := range []string{"x", "y", "z", "x"} {
		_, _, err := a.Publish(ctx, id, types.EventCounterAdd, types.MustPayload(types.NewCounterPayload("hits", int64(i+1))))
		require.NoError(t, err)
		frames = append(frames, a.net.waitSent(t, i).data)
	}
	for _, f := range frames[:2] {
		_, err := b.OnReceive(ctx, a.id.PeerID(), f)
		require.NoError(t, err)
	}

	// 每帧最多一个实体：(, x] 与 (x, ]
	b.net.connect(a.id.PeerID())
	require.Eventually(t, func() bool {
		return b.Stats().DigestsSent == 2
	}, 2*time.Second, 5*time.Millisecond)
	first, err := wire.UnmarshalDigest(b.net.waitSent(t, 0).data)
	require.NoError(t, err)
	assert.Equal(t, "x", first.Through)
	assert.Equal(t, uint64(1), first.Since("x"))

	for i := 0; i < 2; i++ {
		_, err := a.OnReceive(ctx, b.id.PeerID(), b.net.waitSent(t, i).data)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return a.Stats().Resent == 2
	}, 2*time.Second, 5*time.Millisecond)

	for i := 4; i < 6; i++ {
		out, err := b.OnReceive(ctx, a.id.PeerID(), a.net.waitSent(t, i).data)
		require.NoError(t, err)
		assert.Equal(t, types.OutcomeApplied, out.Kind)
	}
	for _, id := range []string{"x", "y", "z"} {
		recA, err := a.engine.Record(ctx, id)
		require.NoError(t, err)
		recB, err := b.engine.Record(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, recA.View(), recB.View(), id)
		assert.Equal(t, types.OrderEqual, recA.Clock.Compare(recB.Clock), id)
	}
	recX, err := b.engine.Record(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, int64(5), recX.View()["hits"])
}

func TestSystem_OnReceive(t *testing.T) {
	ctx := context.Background()
	a := newTestSystem(t, nil)
	b := newTestSystem(t, nil)

	ev, _, err := b.Publish(ctx, "doc", types.EventPropertySet, prop("title", "from-b"))
	require.NoError(t, err)
	frame := b.net.waitSent(t, 0).data

	out, err := a.OnReceive(ctx, b.id.PeerID(), frame)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeApplied, out.Kind)

	rec, err := a.engine.Record(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "from-b", rec.View()["title"])
	assert.True(t, rec.Clock.Covers(b.id.PeerID(), 1))

	// 重复帧
	out, err = a.OnReceive(ctx, b.id.PeerID(), frame)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeStale, out.Kind)
	assert.Equal(t, int64(1), a.Stats().Duplicates)

	t.Run("malformed", func(t *testing.T) {
		_, err := a.OnReceive(ctx, b.id.PeerID(), []byte{0xff, 0x00, 0x01})
		assert.ErrorIs(t, err, types.ErrMalformedFrame)
	})

	t.Run("bad signature", func(t *testing.T) {
		forged := ev.Clone()
		forged.Clock = types.VectorClock{b.id.PeerID(): 2}
		forged.Payload = prop("title", "forged")
		forged.Seal()
		raw, err := b.codec.Marshal(forged)
		require.NoError(t, err)

		_, err = a.OnReceive(ctx, b.id.PeerID(), raw)
		assert.ErrorIs(t, err, types.ErrVerification)
		assert.True(t, types.IsVerificationError(err))

		rec, err := a.engine.Record(ctx, "doc")
		require.NoError(t, err)
		assert.Equal(t, "from-b", rec.View()["title"])
	})

	stats := a.Stats()
	assert.Equal(t, int64(1), stats.Malformed)
	assert.Equal(t, int64(1), stats.Rejected)
}

func TestSystem_OwnEventLoopbackDropped(t *testing.T) {
	ctx := context.Background()
	a := newTestSystem(t, nil)

	_, _, err := a.Publish(ctx, "doc", types.EventSetAdd, types.MustPayload(types.NewSetPayload("tags", "x")))
	require.NoError(t, err)
	frame := a.net.waitSent(t, 0).data

	out, err := a.OnReceive(ctx, a.id.PeerID(), frame)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeStale, out.Kind)
	assert.Equal(t, int64(1), a.Stats().Duplicates)
}

func TestSystem_InboundPump(t *testing.T) {
	ctx := context.Background()
	a := newTestSystem(t, nil)
	b := newTestSystem(t, nil)

	var seen notifications
	_, err := a.Subscribe(nil, seen.callback)
	require.NoError(t, err)

	for i, v := range []string{"v1", "v2", "v3"} {
		_, _, err := b.Publish(ctx, "doc", types.EventPropertySet, prop("title", v))
		require.NoError(t, err)
		a.net.inbound <- types.InboundFrame{From: b.id.PeerID(), Data: b.net.waitSent(t, i).data}
	}

	require.Eventually(t, func() bool { return seen.len() == 3 }, 2*time.Second, 5*time.Millisecond)
	// 同一实体按到达顺序处理
	for i, v := range []string{"v1", "v2", "v3"} {
		n := seen.at(i)
		assert.Equal(t, types.OutcomeApplied, n.outcome.Kind)
		assert.Equal(t, v, n.state["title"])
	}
	assert.Equal(t, int64(3), a.Stats().Received)
}

// ============================================================================
//                              冲突解决
// ============================================================================

func TestSystem_ResolveContentConflict(t *testing.T) {
	ctx := context.Background()
	a := newTestSystem(t, nil)
	b := newTestSystem(t, nil)

	_, _, err := a.Publish(ctx, "asset", types.EventContentSet, types.MustPayload(types.NewContentPayload("blob", []byte("A"))))
	require.NoError(t, err)
	_, _, err = b.Publish(ctx, "asset", types.EventContentSet, types.MustPayload(types.NewContentPayload("blob", []byte("B"))))
	require.NoError(t, err)

	out, err := a.OnReceive(ctx, b.id.PeerID(), b.net.waitSent(t, 0).data)
	require.NoError(t, err)
	require.True(t, out.RequiresResolution())
	_, err = b.OnReceive(ctx, a.id.PeerID(), a.net.waitSent(t, 0).data)
	require.NoError(t, err)

	var chosen types.Candidate
	for _, c := range out.Conflict.Candidates {
		if c.Source == b.id.PeerID() {
			chosen = c
		}
	}
	require.Equal(t, b.id.PeerID(), chosen.Source)

	res, err := a.Resolve(ctx, "asset", chosen)
	require.NoError(t, err)
	for _, c := range out.Conflict.Candidates {
		assert.True(t, res.Clock.Dominates(c.Clock), "解决事件的时钟支配所有冲突时钟")
	}

	f := a.net.waitSent(t, 1)
	assert.Equal(t, types.PriorityHigh, f.priority)

	got, err := b.OnReceive(ctx, a.id.PeerID(), f.data)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeApplied, got.Kind)

	for _, s := range []*testSystem{a, b} {
		rec, err := s.engine.Record(ctx, "asset")
		require.NoError(t, err)
		assert.Equal(t, []byte("B"), rec.View()["blob"])
	}

	_, err = a.Resolve(ctx, "asset", types.Candidate{})
	assert.ErrorIs(t, err, ErrInvalidCandidate)
}

// ============================================================================
//                              订阅
// ============================================================================

func TestSubscription_FilterAndCancel(t *testing.T) {
	ctx := context.Background()
	a := newTestSystem(t, nil)

	var seen notifications
	sub, err := a.Subscribe(EntityIDs("x"), seen.callback)
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID())
	assert.Equal(t, 1, a.Stats().Subscriptions)

	_, _, err = a.Publish(ctx, "y", types.EventPropertySet, prop("k", 1))
	require.NoError(t, err)
	_, _, err = a.Publish(ctx, "x", types.EventPropertySet, prop("k", 2))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return seen.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	n := seen.at(0)
	assert.Equal(t, "x", n.entityID)
	assert.Equal(t, float64(2), n.state["k"])

	sub.Cancel()
	sub.Cancel()
	assert.Equal(t, 0, a.Stats().Subscriptions)

	_, _, err = a.Publish(ctx, "x", types.EventPropertySet, prop("k", 3))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, seen.len())

	_, err = a.Subscribe(nil, nil)
	assert.ErrorIs(t, err, ErrNilCallback)
}

func TestSubscription_SlowSubscriberDrops(t *testing.T) {
	ctx := context.Background()
	a := newTestSystem(t, func(c *config.EventsConfig) { c.SubscriberBuffer = 1 })

	release := make(chan struct{})
	sub, err := a.Subscribe(EntityPrefix("doc"), func(string, types.MergeOutcome, map[string]any) {
		<-release
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, _, err := a.Publish(ctx, "doc", types.EventCounterAdd, types.MustPayload(types.NewCounterPayload("points", 1)))
		require.NoError(t, err)
	}
	close(release)

	assert.Positive(t, sub.Dropped())
	assert.Equal(t, sub.Dropped(), a.Stats().SubscriberDrops)

	// 计数器默认中优先级
	assert.Equal(t, types.PriorityMedium, a.net.waitSent(t, 0).priority)
}

// ============================================================================
//                              优先级与生命周期
// ============================================================================

func TestPriorities(t *testing.T) {
	tbl := newPriorityTable(nil)
	assert.Equal(t, types.PriorityHigh, tbl.of(types.EventDeleted))
	assert.Equal(t, types.PriorityHigh, tbl.of(types.EventDeleteCancelled))
	for _, et := range []types.EventType{types.EventCreated, types.EventPropertySet, types.EventSetAdd, types.EventSetRemove, types.EventCounterAdd, types.EventContentSet} {
		assert.Equal(t, types.PriorityMedium, tbl.of(et), et.String())
	}

	tbl = newPriorityTable(map[string]string{"counter_add": "low", "bogus": "high", "created": "urgent"})
	assert.Equal(t, types.PriorityLow, tbl.of(types.EventCounterAdd))
	assert.Equal(t, types.PriorityMedium, tbl.of(types.EventCreated))
}

func TestShardFor(t *testing.T) {
	for _, id := range []string{"a", "doc-1", "asset-42", ""} {
		s := shardFor(id, 8)
		assert.GreaterOrEqual(t, s, 0)
		assert.Less(t, s, 8)
		assert.Equal(t, s, shardFor(id, 8))
	}
}

func TestSystem_Stop(t *testing.T) {
	ctx := context.Background()
	a := newTestSystem(t, nil)

	var seen notifications
	_, err := a.Subscribe(nil, seen.callback)
	require.NoError(t, err)

	require.NoError(t, a.Stop())
	require.NoError(t, a.Stop())
	assert.Equal(t, 0, a.Stats().Subscriptions)

	_, _, err = a.Publish(ctx, "doc", types.EventPropertySet, prop("k", 1))
	assert.True(t, errors.Is(err, types.ErrClosed))
	_, err = a.Subscribe(nil, seen.callback)
	assert.ErrorIs(t, err, types.ErrClosed)
	assert.ErrorIs(t, a.Start(ctx), types.ErrClosed)
}

func TestModule(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)
	cfg := config.NewMemoryConfig()
	cfg.Events.Priorities = map[string]string{"counter_add": "high"}

	var sys *System
	app := fxtest.New(t,
		fx.Supply(cfg),
		fx.Provide(func() interfaces.Identity { return id }),
		fx.Provide(func() interfaces.Network { return newFakeNetwork(id.PeerID()) }),
		fx.Provide(func(id interfaces.Identity) *reconcile.Engine {
			return reconcile.NewEngine(storage.NewMemoryStore(), id.PeerID(), cfg.Reconcile, nil)
		}),
		Module(),
		fx.Populate(&sys),
	)
	app.RequireStart()
	require.NotNil(t, sys)
	assert.Equal(t, id.PeerID(), sys.LocalPeer())
	assert.Equal(t, types.PriorityHigh, sys.Priority(types.EventCounterAdd))
	app.RequireStop()
}
