package dsync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-dsync/config"
	"github.com/dep2p/go-dsync/internal/core/identity"
	"github.com/dep2p/go-dsync/internal/core/transport/memory"
	"github.com/dep2p/go-dsync/pkg/types"
)

func newMemoryNode(t *testing.T, hub *MemoryHub, addr string, opts ...Option) *Node {
	t.Helper()
	return newMemoryNodeWith(t, hub, addr, config.NewMemoryConfig(), opts...)
}

func newMemoryNodeWith(t *testing.T, hub *MemoryHub, addr string, cfg *config.Config, opts ...Option) *Node {
	t.Helper()
	all := append([]Option{
		WithConfig(cfg),
		WithMemoryTransport(hub, addr),
	}, opts...)

	node, err := New(context.Background(), all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Close() })
	return node
}

func startPair(t *testing.T) (*Node, *Node) {
	t.Helper()
	ctx := context.Background()
	hub := NewMemoryHub()

	a := newMemoryNode(t, hub, "node-a")
	require.NoError(t, a.Start(ctx))

	b := newMemoryNode(t, hub, "node-b", WithPeers("node-a"))
	require.NoError(t, b.Start(ctx))

	require.Eventually(t, func() bool {
		return len(a.Peers()) == 1 && len(b.Peers()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	return a, b
}

func TestNode_Lifecycle(t *testing.T) {
	ctx := context.Background()
	node := newMemoryNode(t, NewMemoryHub(), "solo")

	assert.Equal(t, StateIdle, node.State())
	_, _, err := node.SetProperty(ctx, "doc", "title", "x")
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, node.Stop(ctx), ErrNotStarted)

	require.NoError(t, node.Start(ctx))
	assert.True(t, node.IsRunning())
	assert.False(t, node.ID().IsEmpty())
	assert.Equal(t, "solo", node.ListenAddr())
	assert.ErrorIs(t, node.Start(ctx), ErrAlreadyStarted)

	require.NoError(t, node.Stop(ctx))
	assert.Equal(t, StateStopped, node.State())
	assert.ErrorIs(t, node.Start(ctx), ErrNodeClosed)
	assert.ErrorIs(t, node.Stop(ctx), ErrNodeClosed)
	assert.NoError(t, node.Close())

	_, err = node.Subscribe(nil, func(string, MergeOutcome, map[string]any) {})
	assert.ErrorIs(t, err, ErrNodeClosed)
}

func TestNode_CloseWithoutStart(t *testing.T) {
	node := newMemoryNode(t, NewMemoryHub(), "idle")
	require.NoError(t, node.Close())
	assert.Equal(t, StateStopped, node.State())
	assert.ErrorIs(t, node.Start(context.Background()), ErrNodeClosed)
}

func TestNode_InvalidOptions(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, WithConfig(nil))
	assert.Error(t, err)

	_, err = New(ctx, WithMemoryTransport(nil, "x"))
	assert.Error(t, err)

	_, err = New(ctx, WithPriority(types.EventUnknown, "high"))
	assert.Error(t, err)

	_, err = New(ctx, WithDataDir(""))
	assert.Error(t, err)

	cfg := config.NewMemoryConfig()
	cfg.Network.QueueSize = 0
	_, err = New(ctx, WithConfig(cfg))
	assert.Error(t, err, "配置校验失败")
}

func TestNode_PublishConverges(t *testing.T) {
	ctx := context.Background()
	a, b := startPair(t)

	var (
		mu   sync.Mutex
		seen []MergeOutcome
	)
	sub, err := b.Subscribe(EntityIDs("doc-1"), func(_ string, out MergeOutcome, _ map[string]any) {
		mu.Lock()
		seen = append(seen, out)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Cancel()

	_, out, err := a.Create(ctx, "doc-1", map[string]any{"title": "draft"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out.Kind)

	_, _, err = a.SetProperty(ctx, "doc-1", "title", "final")
	require.NoError(t, err)
	_, _, err = a.AddToSet(ctx, "doc-1", "tags", "red", "blue")
	require.NoError(t, err)
	_, _, err = b.AddCounter(ctx, "doc-1", "views", 3)
	require.NoError(t, err)

	_, _, err = a.AddToSet(ctx, "doc-1", "tags")
	assert.Error(t, err, "空元素列表")

	require.Eventually(t, func() bool {
		va, err := a.View(ctx, "doc-1")
		if err != nil {
			return false
		}
		vb, err := b.View(ctx, "doc-1")
		if err != nil {
			return false
		}
		return va["title"] == "final" && assert.ObjectsAreEqual(va, vb) && va["views"] == int64(3)
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.GreaterOrEqual(t, len(seen), 3)
	mu.Unlock()

	ids, err := b.Entities(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1"}, ids)

	stats := a.Stats()
	assert.GreaterOrEqual(t, stats.Events.Published, int64(3))
	assert.Equal(t, types.StateConnected, a.ConnectionState(b.ID()).State)
}

func TestNode_OfflinePublishConverges(t *testing.T) {
	ctx := context.Background()
	hub := NewMemoryHub()

	a := newMemoryNode(t, hub, "node-a")
	require.NoError(t, a.Start(ctx))

	// 没有任何节点时写入
	_, _, err := a.Create(ctx, "doc", map[string]any{"title": "draft"})
	require.NoError(t, err)
	_, _, err = a.SetProperty(ctx, "doc", "title", "final")
	require.NoError(t, err)
	_, _, err = a.AddCounter(ctx, "doc", "views", 2)
	require.NoError(t, err)
	_, _, err = a.AddToSet(ctx, "doc", "tags", "offline")
	require.NoError(t, err)

	rec, err := a.Record(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, types.PhaseModifiedLocally, rec.Phase, "未送达任何节点")

	b := newMemoryNode(t, hub, "node-b", WithPeers("node-a"))
	require.NoError(t, b.Start(ctx))

	require.Eventually(t, func() bool {
		ra, err := a.Record(ctx, "doc")
		if err != nil {
			return false
		}
		rb, err := b.Record(ctx, "doc")
		if err != nil {
			return false
		}
		return ra.Clock.Compare(rb.Clock) == types.OrderEqual && ra.Phase == types.PhaseSynced
	}, 5*time.Second, 10*time.Millisecond)

	va, err := a.View(ctx, "doc")
	require.NoError(t, err)
	vb, err := b.View(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, va, vb)
	assert.Equal(t, "final", vb["title"])
	assert.Equal(t, int64(2), vb["views"])
	assert.Positive(t, a.Stats().Events.Resent)
}

func TestNode_WritesDuringSeverConverge(t *testing.T) {
	ctx := context.Background()
	hub := NewMemoryHub()

	// 暂存上限为 1，断线期间的写入主要靠重连后的追赶补齐
	cfg := config.NewMemoryConfig()
	cfg.Network.PendingPerPeer = 1

	a := newMemoryNodeWith(t, hub, "node-a", cfg)
	require.NoError(t, a.Start(ctx))
	b := newMemoryNodeWith(t, hub, "node-b", cfg, WithPeers("node-a"))
	require.NoError(t, b.Start(ctx))
	require.Eventually(t, func() bool {
		return len(a.Peers()) == 1 && len(b.Peers()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, _, err := a.Create(ctx, "board", map[string]any{"title": "plan"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, err := b.View(ctx, "board")
		return err == nil && v["title"] == "plan"
	}, 5*time.Second, 10*time.Millisecond)

	hub.Block("node-a")
	hub.Block("node-b")
	a.transport.(*memory.Transport).Sever(b.ID(), fmt.Errorf("%w: partition", types.ErrTransport))
	require.Eventually(t, func() bool {
		return len(a.Peers()) == 0 && len(b.Peers()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		_, _, err = a.AddCounter(ctx, "board", "votes", 2)
		require.NoError(t, err)
		_, _, err = b.AddCounter(ctx, "board", "votes", -1)
		require.NoError(t, err)
	}
	_, _, err = a.AddToSet(ctx, "board", "tags", "from-a")
	require.NoError(t, err)
	_, _, err = b.AddToSet(ctx, "board", "tags", "from-b")
	require.NoError(t, err)
	_, _, err = a.SetProperty(ctx, "board", "title", "plan-v2")
	require.NoError(t, err)
	_, _, err = b.SetProperty(ctx, "board", "owner", "bob")
	require.NoError(t, err)

	hub.Unblock("node-a")
	hub.Unblock("node-b")
	require.Eventually(t, func() bool {
		_, err := b.Dial(ctx, "node-a")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		ra, err := a.Record(ctx, "board")
		if err != nil {
			return false
		}
		rb, err := b.Record(ctx, "board")
		if err != nil {
			return false
		}
		return ra.Clock.Compare(rb.Clock) == types.OrderEqual &&
			ra.Phase == types.PhaseSynced && rb.Phase == types.PhaseSynced
	}, 10*time.Second, 10*time.Millisecond)

	va, err := a.View(ctx, "board")
	require.NoError(t, err)
	vb, err := b.View(ctx, "board")
	require.NoError(t, err)
	assert.Equal(t, va, vb)
	assert.Equal(t, int64(3), va["votes"])
	assert.ElementsMatch(t, []string{"from-a", "from-b"}, va["tags"])
	assert.Equal(t, "plan-v2", va["title"])
	assert.Equal(t, "bob", va["owner"])
}

func TestNode_DeleteAndCancel(t *testing.T) {
	ctx := context.Background()
	a, b := startPair(t)

	_, _, err := a.Create(ctx, "asset", map[string]any{"name": "logo"})
	require.NoError(t, err)
	_, _, err = a.Delete(ctx, "asset", "cleanup")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := b.Record(ctx, "asset")
		return err == nil && rec.Tombstoned
	}, 5*time.Second, 10*time.Millisecond)

	view, err := b.View(ctx, "asset")
	require.NoError(t, err)
	assert.Nil(t, view)

	_, _, err = a.SetProperty(ctx, "asset", "name", "x")
	assert.Error(t, err, "已删除实体不接受修改")

	_, _, err = b.CancelDelete(ctx, "asset", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		view, err := a.View(ctx, "asset")
		return err == nil && view["name"] == "logo"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNode_Disconnect(t *testing.T) {
	ctx := context.Background()
	a, b := startPair(t)

	require.NoError(t, a.Disconnect(ctx, b.ID()))
	require.Eventually(t, func() bool {
		return len(a.Peers()) == 0 && len(b.Peers()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	peer, err := a.Dial(ctx, "node-b")
	require.NoError(t, err)
	assert.Equal(t, b.ID(), peer)
}

func TestNode_WithIdentityAndRegistry(t *testing.T) {
	ctx := context.Background()
	id, err := identity.Generate()
	require.NoError(t, err)
	reg := prometheus.NewRegistry()

	node := newMemoryNode(t, NewMemoryHub(), "metered",
		WithIdentity(id.PrivateKey()),
		WithRegistry(reg),
		WithPriority(EventCounterAdd, "high"),
	)
	require.NoError(t, node.Start(ctx))
	assert.Equal(t, id.PeerID(), node.ID())

	_, _, err = node.SetProperty(ctx, "doc", "title", "x")
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "dsync_events_published_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, types.PriorityHigh, node.events.Priority(EventCounterAdd))
}

func TestVersionInfo(t *testing.T) {
	assert.Contains(t, VersionInfo(), Version)
}
