package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/dep2p/go-dsync/internal/core/transport/conns"
	"github.com/dep2p/go-dsync/pkg/interfaces"
	"github.com/dep2p/go-dsync/pkg/lib/log"
	"github.com/dep2p/go-dsync/pkg/types"
)

var logger = log.Logger("core/transport/memory")

// ============================================================================
//                              Hub
// ============================================================================

// Hub 进程内地址表
type Hub struct {
	mu        sync.RWMutex
	listeners map[string]*Transport
	blocked   map[string]bool
}

// NewHub 创建 Hub
func NewHub() *Hub {
	return &Hub{
		listeners: make(map[string]*Transport),
		blocked:   make(map[string]bool),
	}
}

// Block 拒绝之后到该地址的拨号
func (h *Hub) Block(addr string) {
	h.mu.Lock()
	h.blocked[addr] = true
	h.mu.Unlock()
}

// Unblock 恢复地址
func (h *Hub) Unblock(addr string) {
	h.mu.Lock()
	delete(h.blocked, addr)
	h.mu.Unlock()
}

func (h *Hub) lookup(addr string) (*Transport, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.blocked[addr] {
		return nil, fmt.Errorf("%w: %s blocked", conns.ErrNoListener, addr)
	}
	t, ok := h.listeners[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", conns.ErrNoListener, addr)
	}
	return t, nil
}

func (h *Hub) register(addr string, t *Transport) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if other, ok := h.listeners[addr]; ok && other != t {
		return fmt.Errorf("%w: address %s in use", types.ErrTransport, addr)
	}
	h.listeners[addr] = t
	return nil
}

func (h *Hub) unregister(addr string, t *Transport) {
	h.mu.Lock()
	if h.listeners[addr] == t {
		delete(h.listeners, addr)
	}
	h.mu.Unlock()
}

// ============================================================================
//                              Transport
// ============================================================================

// link 一条单向连接：到对端传输的引用
type link struct {
	remote *Transport
}

// Transport 进程内传输
type Transport struct {
	hub     *Hub
	local   types.PeerID
	inbound chan types.InboundFrame
	conns   *conns.Registry[*link]
	done    chan struct{}

	mu     sync.Mutex
	addr   string
	closed bool
}

var _ interfaces.Transport = (*Transport)(nil)

// New 创建进程内传输
func New(hub *Hub, local types.PeerID, inboundBuffer int) *Transport {
	if inboundBuffer <= 0 {
		inboundBuffer = 1
	}
	return &Transport{
		hub:     hub,
		local:   local,
		inbound: make(chan types.InboundFrame, inboundBuffer),
		conns:   conns.NewRegistry[*link](),
		done:    make(chan struct{}),
	}
}

// LocalPeer 返回本地节点 ID
func (t *Transport) LocalPeer() types.PeerID {
	return t.local
}

// ListenAddr 返回监听地址
func (t *Transport) ListenAddr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addr
}

// Listen 在 Hub 上登记地址
func (t *Transport) Listen(_ context.Context, addr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return types.ErrClosed
	}
	if t.addr != "" {
		return conns.ErrAlreadyListening
	}
	if err := t.hub.register(addr, t); err != nil {
		return err
	}
	t.addr = addr
	logger.Debug("内存传输开始监听", "addr", addr, "peer", t.local.ShortString())
	return nil
}

// Dial 连接到地址上的传输，两端都产出连接事件
func (t *Transport) Dial(ctx context.Context, addr string) (types.PeerID, error) {
	if err := ctx.Err(); err != nil {
		return types.EmptyPeerID, fmt.Errorf("%w: dial %s: %w", types.ErrTransport, addr, err)
	}
	if t.isClosed() {
		return types.EmptyPeerID, types.ErrClosed
	}

	remote, err := t.hub.lookup(addr)
	if err != nil {
		return types.EmptyPeerID, err
	}
	if remote == t || remote.local == t.local {
		return types.EmptyPeerID, conns.ErrSelfDial
	}
	if remote.isClosed() {
		return types.EmptyPeerID, fmt.Errorf("%w: %s", conns.ErrNoListener, addr)
	}

	if _, ok := t.conns.Get(remote.local); ok {
		return remote.local, nil
	}
	t.conns.Add(remote.local, addr, &link{remote: remote})
	remote.conns.Add(t.local, t.ListenAddr(), &link{remote: t})
	return remote.local, nil
}

// Send 把帧投递到对端入站通道，通道满时阻塞直到 ctx 结束
func (t *Transport) Send(ctx context.Context, peer types.PeerID, data []byte) error {
	l, ok := t.conns.Get(peer)
	if !ok {
		return conns.NotConnected(peer)
	}

	frame := types.InboundFrame{From: t.local, Data: append([]byte(nil), data...)}
	select {
	case l.remote.inbound <- frame:
		return nil
	case <-l.remote.done:
		return conns.NotConnected(peer)
	case <-ctx.Done():
		return fmt.Errorf("%w: send to %s: %w", types.ErrTransport, peer.ShortString(), ctx.Err())
	}
}

// Broadcast 向所有已连接节点发送，返回最后一个错误
func (t *Transport) Broadcast(ctx context.Context, data []byte) error {
	var last error
	for _, p := range t.conns.Peers() {
		if err := t.Send(ctx, p, data); err != nil {
			last = err
		}
	}
	return last
}

// ClosePeer 关闭与节点的连接：本端正常断开，对端收到 ErrRemoteClosed
func (t *Transport) ClosePeer(_ context.Context, peer types.PeerID) error {
	l, ok := t.conns.Get(peer)
	if !ok {
		return nil
	}
	t.conns.Remove(peer, l, nil)
	if back, ok := l.remote.conns.Get(t.local); ok {
		l.remote.conns.Remove(t.local, back, conns.ErrRemoteClosed)
	}
	return nil
}

// Sever 模拟传输错误：两端都以 cause 断开
func (t *Transport) Sever(peer types.PeerID, cause error) {
	l, ok := t.conns.Get(peer)
	if !ok {
		return
	}
	t.conns.Remove(peer, l, cause)
	if back, ok := l.remote.conns.Get(t.local); ok {
		l.remote.conns.Remove(t.local, back, cause)
	}
}

// Peers 返回已连接节点
func (t *Transport) Peers() []types.PeerID {
	return t.conns.Peers()
}

// Inbound 入站帧流
func (t *Transport) Inbound() <-chan types.InboundFrame {
	return t.inbound
}

// ConnectionEvents 连接事件流
func (t *Transport) ConnectionEvents() <-chan types.ConnectionEvent {
	return t.conns.Events()
}

// Close 注销地址并断开所有连接，对端收到 ErrRemoteClosed
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	addr := t.addr
	close(t.done)
	t.mu.Unlock()

	if addr != "" {
		t.hub.unregister(addr, t)
	}
	for _, l := range t.conns.Close() {
		if back, ok := l.remote.conns.Get(t.local); ok {
			l.remote.conns.Remove(t.local, back, conns.ErrRemoteClosed)
		}
	}
	logger.Debug("内存传输已关闭", "peer", t.local.ShortString())
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
