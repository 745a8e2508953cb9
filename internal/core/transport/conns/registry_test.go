package conns

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-dsync/pkg/types"
)

type fakeConn struct{ id int }

func nextEvent(t *testing.T, ch <-chan types.ConnectionEvent) types.ConnectionEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "事件流已关闭")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("等待连接事件超时")
		return types.ConnectionEvent{}
	}
}

func TestRegistry_AddRemove(t *testing.T) {
	r := NewRegistry[*fakeConn]()
	c1, c2 := &fakeConn{1}, &fakeConn{2}

	got, added := r.Add("alice", "addr-a", c1)
	assert.True(t, added)
	assert.Same(t, c1, got)

	// 重复连接保留旧连接
	got, added = r.Add("alice", "addr-a2", c2)
	assert.False(t, added)
	assert.Same(t, c1, got)

	ev := nextEvent(t, r.Events())
	assert.Equal(t, types.PeerConnected, ev.Kind)
	assert.Equal(t, types.PeerID("alice"), ev.Peer)
	assert.Equal(t, "addr-a", ev.Addr)

	// 只移除登记的那条连接
	assert.False(t, r.Remove("alice", c2, nil))
	cause := errors.New("boom")
	assert.True(t, r.Remove("alice", c1, cause))

	ev = nextEvent(t, r.Events())
	assert.Equal(t, types.PeerDisconnected, ev.Kind)
	assert.ErrorIs(t, ev.Err, cause)

	_, ok := r.Get("alice")
	assert.False(t, ok)
}

func TestRegistry_OrderWithoutConsumer(t *testing.T) {
	r := NewRegistry[*fakeConn]()
	for i := 0; i < 200; i++ {
		c := &fakeConn{i}
		r.Add("bob", "", c)
		r.Remove("bob", c, nil)
	}

	for i := 0; i < 200; i++ {
		assert.Equal(t, types.PeerConnected, nextEvent(t, r.Events()).Kind)
		assert.Equal(t, types.PeerDisconnected, nextEvent(t, r.Events()).Kind)
	}
}

func TestRegistry_Close(t *testing.T) {
	r := NewRegistry[*fakeConn]()
	r.Add("bob", "", &fakeConn{1})
	r.Add("alice", "", &fakeConn{2})
	assert.Equal(t, []types.PeerID{"alice", "bob"}, r.Peers())

	all := r.Close()
	assert.Len(t, all, 2)
	assert.True(t, r.Closed())
	assert.Nil(t, r.Close())

	_, added := r.Add("carol", "", &fakeConn{3})
	assert.False(t, added)

	kinds := map[types.ConnectionEventKind]int{}
	for ev := range r.Events() {
		kinds[ev.Kind]++
	}
	assert.Equal(t, 2, kinds[types.PeerConnected])
	assert.Equal(t, 2, kinds[types.PeerDisconnected])
}
