// Package conns 提供传输实现共用的连接表
//
// Registry 记录每个对端的一条连接，并按发生顺序产出连接事件。
// 事件队列无上限，消费方暂停时不会阻塞传输层的读写路径。
package conns

import (
	"sort"
	"sync"

	"github.com/dep2p/go-dsync/pkg/types"
)

// eventBuffer 事件流缓冲
const eventBuffer = 64

type entry[C comparable] struct {
	conn C
	addr string
}

// Registry 每节点一条连接的连接表
type Registry[C comparable] struct {
	mu     sync.RWMutex
	conns  map[types.PeerID]entry[C]
	closed bool

	evMu    sync.Mutex
	pending []types.ConnectionEvent
	signal  chan struct{}
	events  chan types.ConnectionEvent
	done    chan struct{}
	once    sync.Once
}

// NewRegistry 创建连接表并启动事件泵
func NewRegistry[C comparable]() *Registry[C] {
	r := &Registry[C]{
		conns:  make(map[types.PeerID]entry[C]),
		signal: make(chan struct{}, 1),
		events: make(chan types.ConnectionEvent, eventBuffer),
		done:   make(chan struct{}),
	}
	go r.pump()
	return r
}

// Add 登记连接
//
// 已有连接时保留旧连接并返回 (旧连接, false)，调用方负责关闭新连接。
func (r *Registry[C]) Add(peer types.PeerID, addr string, c C) (C, bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return c, false
	}
	if old, ok := r.conns[peer]; ok {
		r.mu.Unlock()
		return old.conn, false
	}
	r.conns[peer] = entry[C]{conn: c, addr: addr}
	r.mu.Unlock()

	r.emit(types.ConnectionEvent{Kind: types.PeerConnected, Peer: peer, Addr: addr})
	return c, true
}

// Remove 移除连接（仅当登记的仍是 c），cause 为 nil 表示正常关闭
func (r *Registry[C]) Remove(peer types.PeerID, c C, cause error) bool {
	r.mu.Lock()
	e, ok := r.conns[peer]
	if !ok || e.conn != c {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, peer)
	r.mu.Unlock()

	r.emit(types.ConnectionEvent{Kind: types.PeerDisconnected, Peer: peer, Addr: e.addr, Err: cause})
	return true
}

// Get 查找连接
func (r *Registry[C]) Get(peer types.PeerID) (C, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[peer]
	return e.conn, ok
}

// Peers 返回已连接节点（有序）
func (r *Registry[C]) Peers() []types.PeerID {
	r.mu.RLock()
	out := make([]types.PeerID, 0, len(r.conns))
	for p := range r.conns {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Snapshot 返回所有连接
func (r *Registry[C]) Snapshot() map[types.PeerID]C {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[types.PeerID]C, len(r.conns))
	for p, e := range r.conns {
		out[p] = e.conn
	}
	return out
}

// Events 连接事件流，Close 后关闭
func (r *Registry[C]) Events() <-chan types.ConnectionEvent {
	return r.events
}

// Closed 是否已关闭
func (r *Registry[C]) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Close 关闭连接表，返回关闭前登记的所有连接
//
// 已登记连接各产出一个断开事件，之后事件流关闭。
func (r *Registry[C]) Close() map[types.PeerID]C {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	all := make(map[types.PeerID]C, len(r.conns))
	var gone []types.ConnectionEvent
	for p, e := range r.conns {
		all[p] = e.conn
		gone = append(gone, types.ConnectionEvent{Kind: types.PeerDisconnected, Peer: p, Addr: e.addr})
	}
	r.conns = make(map[types.PeerID]entry[C])
	r.mu.Unlock()

	for _, ev := range gone {
		r.emit(ev)
	}
	r.once.Do(func() { close(r.done) })
	return all
}

// ============================================================================
//                              事件泵
// ============================================================================

func (r *Registry[C]) emit(ev types.ConnectionEvent) {
	r.evMu.Lock()
	r.pending = append(r.pending, ev)
	r.evMu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *Registry[C]) next() (types.ConnectionEvent, bool) {
	r.evMu.Lock()
	defer r.evMu.Unlock()
	if len(r.pending) == 0 {
		return types.ConnectionEvent{}, false
	}
	ev := r.pending[0]
	r.pending[0] = types.ConnectionEvent{}
	r.pending = r.pending[1:]
	return ev, true
}

// pump 按顺序投递事件；关闭后把剩余事件非阻塞地放入缓冲
func (r *Registry[C]) pump() {
	defer close(r.events)
	for {
		ev, ok := r.next()
		if !ok {
			select {
			case <-r.signal:
				continue
			case <-r.done:
				r.flush(nil)
				return
			}
		}
		select {
		case r.events <- ev:
		case <-r.done:
			r.flush(&ev)
			return
		}
	}
}

func (r *Registry[C]) flush(first *types.ConnectionEvent) {
	if first != nil {
		select {
		case r.events <- *first:
		default:
			return
		}
	}
	for {
		ev, ok := r.next()
		if !ok {
			return
		}
		select {
		case r.events <- ev:
		default:
			return
		}
	}
}
