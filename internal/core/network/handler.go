package network

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/dep2p/go-dsync/config"
	"github.com/dep2p/go-dsync/internal/core/metrics"
	"github.com/dep2p/go-dsync/internal/core/transport/conns"
	"github.com/dep2p/go-dsync/pkg/interfaces"
	"github.com/dep2p/go-dsync/pkg/lib/log"
	"github.com/dep2p/go-dsync/pkg/types"
)

var logger = log.Logger("core/network")

// 确保实现接口
var _ interfaces.Network = (*Handler)(nil)

// controlBuffer 控制请求通道容量
const controlBuffer = 64

// ErrInvalidPriority 未知优先级
var ErrInvalidPriority = errors.New("network: invalid priority")

// Stats 网络统计
type Stats struct {
	metrics.Stats

	// Queued 各优先级队列中等待的消息数
	Queued [types.NumPriorities]int

	// Known 已知节点数
	Known int

	// Connected 已连接节点数
	Connected int

	// Pending 断线暂存的消息总数
	Pending int

	// Dropped 丢弃的出站消息数
	Dropped int64

	// RateLimited 被限流丢弃的入站帧数
	RateLimited int64

	// Limiters 缓存中的入站限流器数
	Limiters int
}

// Handler NetworkHandler
//
// 一个事件循环拥有所有连接状态：出站消息、连接事件、拨号结果与重试都在循环中处理，
// 传输层的发送与关闭也在循环中执行。拨号在循环派生的协程中进行，结果回送循环。
// 调用方通过有界通道入队；查询读取循环发布的快照。
type Handler struct {
	cfg     config.NetworkConfig
	tr      interfaces.Transport
	clk     clock.Clock
	metrics *metrics.Metrics
	bw      *metrics.BandwidthCounter
	limiter *limiter
	backoff *backoff

	queues  [types.NumPriorities]chan *outMsg
	ctrl    chan func()
	dials   chan dialOutcome
	retries chan string
	inbound chan types.InboundFrame

	// 只由事件循环访问
	peers map[types.PeerID]*peerState
	addrs map[string]*dialState

	snapMu   sync.RWMutex
	peerSnap map[types.PeerID]types.PeerConnState
	dialSnap map[string]types.PeerConnState

	dropped     atomic.Int64
	rateLimited atomic.Int64

	hooksMu   sync.RWMutex
	connHooks []func(types.PeerID)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	runMu   sync.Mutex
	started bool
	stopped bool
}

// NewHandler 创建 NetworkHandler
//
// clk 为 nil 时使用系统时钟；m 可以为 nil。
func NewHandler(tr interfaces.Transport, cfg config.NetworkConfig, clk clock.Clock, m *metrics.Metrics) *Handler {
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		cfg:      cfg,
		tr:       tr,
		clk:      clk,
		metrics:  m,
		bw:       metrics.NewBandwidthCounter(clk, m),
		limiter:  newLimiter(cfg),
		backoff:  newBackoff(cfg),
		ctrl:     make(chan func(), controlBuffer),
		dials:    make(chan dialOutcome),
		retries:  make(chan string),
		inbound:  make(chan types.InboundFrame, cfg.InboundBuffer),
		peers:    make(map[types.PeerID]*peerState),
		addrs:    make(map[string]*dialState),
		peerSnap: make(map[types.PeerID]types.PeerConnState),
		dialSnap: make(map[string]types.PeerConnState),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := range h.queues {
		h.queues[i] = make(chan *outMsg, cfg.QueueSize)
	}
	return h
}

// ============================================================================
//                              生命周期
// ============================================================================

// Start 启动事件循环与入站泵
func (h *Handler) Start(_ context.Context) error {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	if h.stopped {
		return types.ErrClosed
	}
	if h.started {
		return nil
	}
	h.started = true

	h.wg.Add(2)
	go h.loop(h.tr.ConnectionEvents())
	go h.pumpInbound()
	logger.Info("NetworkHandler 已启动", "peer", h.tr.LocalPeer().ShortString())
	return nil
}

// Stop 停止事件循环并正常关闭已连接的节点，等待中的拨号返回 ErrClosed
//
// 传输层由其所有者关闭。各连接的关闭错误合并返回。
func (h *Handler) Stop() error {
	h.runMu.Lock()
	if h.stopped {
		h.runMu.Unlock()
		return nil
	}
	h.stopped = true
	h.runMu.Unlock()

	h.cancel()
	h.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(h.cfg.SendTimeout))
	defer cancel()

	var errs error
	for _, ps := range h.peers {
		ps.stopResend()
		if ps.state == types.StateConnected {
			errs = multierr.Append(errs, h.tr.ClosePeer(ctx, ps.peer))
		}
	}
	for _, ds := range h.addrs {
		ds.stopTimer()
		for _, w := range ds.waiters {
			w <- dialOutcome{addr: ds.addr, err: types.ErrClosed}
		}
		ds.waiters = nil
	}
	if errs != nil {
		logger.Warn("关闭节点连接失败", "errors", len(multierr.Errors(errs)))
	}
	logger.Info("NetworkHandler 已停止")
	return errs
}

// LocalPeer 返回本地节点 ID
func (h *Handler) LocalPeer() types.PeerID {
	return h.tr.LocalPeer()
}

// Inbound 经过限流的入站帧流
func (h *Handler) Inbound() <-chan types.InboundFrame {
	return h.inbound
}

// ============================================================================
//                              公共操作
// ============================================================================

// Dial 拨号并等待首次结果
//
// 失败后在后台按退避重试，直到成功或达到次数上限（ErrPeerUnreachable）。
// 对不可达地址显式调用 Dial 会重置重试计数。
func (h *Handler) Dial(ctx context.Context, addr string) (types.PeerID, error) {
	if addr == "" {
		return types.EmptyPeerID, fmt.Errorf("%w: empty address", types.ErrTransport)
	}

	res := make(chan dialOutcome, 1)
	if err := h.control(ctx, func() { h.startDial(addr, res, true) }); err != nil {
		return types.EmptyPeerID, err
	}

	select {
	case r := <-res:
		return r.peer, r.err
	case <-ctx.Done():
		return types.EmptyPeerID, fmt.Errorf("%w: dial %s: %w", types.ErrTimeout, addr, ctx.Err())
	case <-h.ctx.Done():
		return types.EmptyPeerID, types.ErrClosed
	}
}

// Connect 后台拨号，不等待结果
func (h *Handler) Connect(addr string) error {
	if addr == "" {
		return fmt.Errorf("%w: empty address", types.ErrTransport)
	}
	return h.control(h.ctx, func() { h.startDial(addr, nil, true) })
}

// Send 按优先级向节点发送
//
// 节点未连接时 High/Medium 暂存，Low 直接丢弃（ErrPriorityDropped）。
// 从未建立过连接的节点只尝试发送一次，失败即丢弃，不暂存。
// 队列满时 High/Medium 最多等待 EnqueueTimeout（ErrBackpressure）或 ctx 结束（ErrTimeout），
// Low 立即丢弃。
func (h *Handler) Send(ctx context.Context, peer types.PeerID, data []byte, priority types.Priority) error {
	return h.SendNotify(ctx, peer, data, priority, nil)
}

// SendNotify 同 Send，帧成功写入传输层后在事件循环中调用 sent
func (h *Handler) SendNotify(ctx context.Context, peer types.PeerID, data []byte, priority types.Priority, sent func()) error {
	if peer.IsEmpty() {
		return conns.NotConnected(peer)
	}
	if err := checkPriority(priority); err != nil {
		return err
	}

	st := h.ConnectionState(peer)
	if st.Unreachable {
		return fmt.Errorf("%w: %s", types.ErrPeerUnreachable, peer.ShortString())
	}
	if !st.IsConnected() && priority.Droppable() {
		h.drop(priority, "disconnected")
		return fmt.Errorf("%w: %s not connected", types.ErrPriorityDropped, peer.ShortString())
	}

	return h.enqueue(ctx, &outMsg{
		peer:     peer,
		data:     append([]byte(nil), data...),
		priority: priority,
		sent:     sent,
	})
}

// Broadcast 按优先级广播到 scope 内的节点
//
// 全体广播的目标是已连接或仍在自动重连的节点；没有目标时帧不会送达任何节点。
func (h *Handler) Broadcast(ctx context.Context, data []byte, priority types.Priority, scope types.Scope) error {
	return h.BroadcastNotify(ctx, data, priority, scope, nil)
}

// BroadcastNotify 同 Broadcast，帧首次成功写入任一节点后在事件循环中调用 sent
func (h *Handler) BroadcastNotify(ctx context.Context, data []byte, priority types.Priority, scope types.Scope, sent func()) error {
	if err := checkPriority(priority); err != nil {
		return err
	}
	return h.enqueue(ctx, &outMsg{
		scope:    scope,
		data:     append([]byte(nil), data...),
		priority: priority,
		sent:     sent,
	})
}

// OnConnected 注册连接建立回调
//
// 回调在事件循环中执行，不得阻塞。
func (h *Handler) OnConnected(fn func(peer types.PeerID)) {
	h.hooksMu.Lock()
	h.connHooks = append(h.connHooks, fn)
	h.hooksMu.Unlock()
}

func (h *Handler) notifyConnected(peer types.PeerID) {
	h.hooksMu.RLock()
	hooks := h.connHooks
	h.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(peer)
	}
}

// Close 显式关闭与节点的连接：Connected → Disconnecting → Disconnected，不再重试
//
// 暂存的消息被丢弃。
func (h *Handler) Close(ctx context.Context, peer types.PeerID) error {
	done := make(chan error, 1)
	if err := h.control(ctx, func() { done <- h.closePeer(peer) }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: close %s: %w", types.ErrTimeout, peer.ShortString(), ctx.Err())
	case <-h.ctx.Done():
		return types.ErrClosed
	}
}

// ============================================================================
//                              查询
// ============================================================================

// ConnectionState 返回节点连接状态，未知节点为 Disconnected
func (h *Handler) ConnectionState(peer types.PeerID) types.PeerConnState {
	h.snapMu.RLock()
	defer h.snapMu.RUnlock()
	if st, ok := h.peerSnap[peer]; ok {
		return st
	}
	return types.PeerConnState{State: types.StateDisconnected, Peer: peer}
}

// DialState 返回拨号地址的状态
func (h *Handler) DialState(addr string) types.PeerConnState {
	h.snapMu.RLock()
	defer h.snapMu.RUnlock()
	if st, ok := h.dialSnap[addr]; ok {
		return st
	}
	return types.PeerConnState{State: types.StateDisconnected, Addr: addr}
}

// Peers 返回已连接节点（有序）
func (h *Handler) Peers() []types.PeerID {
	h.snapMu.RLock()
	out := make([]types.PeerID, 0, len(h.peerSnap))
	for p, st := range h.peerSnap {
		if st.IsConnected() {
			out = append(out, p)
		}
	}
	h.snapMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Stats 返回网络统计
func (h *Handler) Stats() Stats {
	s := Stats{
		Stats:       h.bw.Totals(),
		Dropped:     h.dropped.Load(),
		RateLimited: h.rateLimited.Load(),
		Limiters:    h.limiter.len(),
	}
	for i := range h.queues {
		s.Queued[i] = len(h.queues[i])
	}

	h.snapMu.RLock()
	defer h.snapMu.RUnlock()
	for _, st := range h.peerSnap {
		s.Known++
		s.Pending += st.Pending
		if st.IsConnected() {
			s.Connected++
		}
	}
	return s
}

// PeerBandwidth 返回节点的收发统计
func (h *Handler) PeerBandwidth(peer types.PeerID) metrics.Stats {
	return h.bw.ForPeer(peer)
}

// ============================================================================
//                              入队
// ============================================================================

func checkPriority(p types.Priority) error {
	if p < types.PriorityHigh || p > types.PriorityLow {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, p)
	}
	return nil
}

func (h *Handler) enqueue(ctx context.Context, m *outMsg) error {
	if h.ctx.Err() != nil {
		return types.ErrClosed
	}
	q := h.queues[m.priority]

	select {
	case q <- m:
		h.metrics.SetQueueDepth(m.priority, len(q))
		return nil
	default:
	}

	if m.priority.Droppable() {
		h.drop(m.priority, "queue_full")
		return fmt.Errorf("%w: %s queue full", types.ErrPriorityDropped, m.priority)
	}

	timer := h.clk.Timer(time.Duration(h.cfg.EnqueueTimeout))
	defer timer.Stop()

	select {
	case q <- m:
		h.metrics.SetQueueDepth(m.priority, len(q))
		return nil
	case <-timer.C:
		h.drop(m.priority, "backpressure")
		return fmt.Errorf("%w: %s", types.ErrBackpressure, m.priority)
	case <-ctx.Done():
		return fmt.Errorf("%w: enqueue: %w", types.ErrTimeout, ctx.Err())
	case <-h.ctx.Done():
		return types.ErrClosed
	}
}

// control 把函数交给事件循环执行
func (h *Handler) control(ctx context.Context, fn func()) error {
	select {
	case h.ctrl <- fn:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", types.ErrTimeout, ctx.Err())
	case <-h.ctx.Done():
		return types.ErrClosed
	}
}

func (h *Handler) drop(p types.Priority, reason string) {
	h.dropped.Add(1)
	h.metrics.ObserveSendDrop(p, reason)
}

// ============================================================================
//                              入站
// ============================================================================

func (h *Handler) pumpInbound() {
	defer h.wg.Done()
	in := h.tr.Inbound()
	for {
		select {
		case <-h.ctx.Done():
			return
		case f, ok := <-in:
			if !ok {
				return
			}
			if !h.limiter.allow(f.From, h.clk.Now()) {
				h.rateLimited.Add(1)
				h.metrics.ObserveRateLimited()
				logger.Debug("入站帧被限流", "peer", f.From.ShortString())
				continue
			}
			h.bw.LogRecv(f.From, len(f.Data))

			select {
			case h.inbound <- f:
			case <-h.ctx.Done():
				return
			}
		}
	}
}
