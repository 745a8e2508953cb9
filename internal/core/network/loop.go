package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dep2p/go-dsync/internal/core/transport/conns"
	"github.com/dep2p/go-dsync/pkg/types"
)

// ============================================================================
//                              事件循环
// ============================================================================

// loop 事件循环：连接事件与控制请求优先，其次按 High → Medium → Low 排空出站队列
func (h *Handler) loop(events <-chan types.ConnectionEvent) {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			h.onConnEvent(ev)
			continue
		case r := <-h.dials:
			h.onDialResult(r)
			continue
		case addr := <-h.retries:
			h.onRetry(addr)
			continue
		case fn := <-h.ctrl:
			fn()
			continue
		default:
		}

		if m, ok := h.next(); ok {
			h.dispatch(m)
			continue
		}

		select {
		case <-h.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			h.onConnEvent(ev)
		case r := <-h.dials:
			h.onDialResult(r)
		case addr := <-h.retries:
			h.onRetry(addr)
		case fn := <-h.ctrl:
			fn()
		case m := <-h.queues[types.PriorityHigh]:
			h.dispatch(m)
		case m := <-h.queues[types.PriorityMedium]:
			h.dispatch(m)
		case m := <-h.queues[types.PriorityLow]:
			h.dispatch(m)
		}
	}
}

// next 非阻塞地按优先级取出一条消息
func (h *Handler) next() (*outMsg, bool) {
	for i := range h.queues {
		select {
		case m := <-h.queues[i]:
			return m, true
		default:
		}
	}
	return nil, false
}

// ============================================================================
//                              出站
// ============================================================================

func (h *Handler) dispatch(m *outMsg) {
	h.metrics.SetQueueDepth(m.priority, len(h.queues[m.priority]))
	for _, p := range h.targets(m) {
		ps, known := h.peers[p]
		if !known {
			h.sendUnknown(p, m)
			continue
		}
		if ps.state == types.StateConnected {
			h.sendNow(ps, m)
		} else {
			h.park(ps, m)
		}
		h.publishPeer(ps)
	}
}

// sendUnknown 发往从未建立过连接的节点：只尝试一次，不建立状态也不暂存
//
// 入站连接的帧可能先于连接事件到达，此时传输层已经可以发送。
func (h *Handler) sendUnknown(peer types.PeerID, m *outMsg) {
	ctx, cancel := context.WithTimeout(h.ctx, time.Duration(h.cfg.SendTimeout))
	err := h.tr.Send(ctx, peer, m.data)
	cancel()

	if err != nil {
		h.drop(m.priority, "unknown_peer")
		logger.Debug("未知节点，丢弃消息", "peer", peer.ShortString(), "priority", m.priority, "error", err)
		return
	}
	h.bw.LogSent(peer, len(m.data))
	m.delivered()
}

// targets 消息的目标节点：单播、指定范围或全部已知节点
func (h *Handler) targets(m *outMsg) []types.PeerID {
	switch {
	case !m.peer.IsEmpty():
		return []types.PeerID{m.peer}
	case !m.scope.IsAll():
		return m.scope.Peers
	}

	out := make([]types.PeerID, 0, len(h.peers))
	for p, ps := range h.peers {
		if ps.state == types.StateConnected || h.retrying(ps) {
			out = append(out, p)
		}
	}
	return out
}

// retrying 断开的节点是否仍会自动重连
func (h *Handler) retrying(ps *peerState) bool {
	if ps.closing || ps.addr == "" {
		return false
	}
	ds := h.addrs[ps.addr]
	return ds != nil && !ds.closed && !ds.unreachable
}

func (h *Handler) sendNow(ps *peerState, m *outMsg) {
	ctx, cancel := context.WithTimeout(h.ctx, time.Duration(h.cfg.SendTimeout))
	err := h.tr.Send(ctx, ps.peer, m.data)
	cancel()

	switch {
	case err == nil:
		h.bw.LogSent(ps.peer, len(m.data))
		m.delivered()
	case errors.Is(err, types.ErrNotConnected):
		// 断开事件稍后到达，先按断开处理
		ps.state = types.StateDisconnected
		h.park(ps, m)
	case errors.Is(err, conns.ErrFrameTooLarge), m.priority.Droppable():
		h.drop(m.priority, "send_error")
		logger.Debug("发送失败", "peer", ps.peer.ShortString(), "priority", m.priority, "error", err)
	default:
		// 写错误或超时：暂存，连接恢复或重发定时器到期后再发
		logger.Debug("发送失败，暂存重发", "peer", ps.peer.ShortString(), "priority", m.priority, "error", err)
		h.park(ps, m)
		h.scheduleResend(ps)
	}
}

// scheduleResend 连接仍然可用时按退避基础延迟重发暂存消息
func (h *Handler) scheduleResend(ps *peerState) {
	if ps.resend != nil {
		return
	}
	ps.resend = h.clk.AfterFunc(h.backoff.delay(0), func() {
		_ = h.control(h.ctx, func() {
			ps.resend = nil
			if ps.state == types.StateConnected {
				h.flush(ps)
				h.publishPeer(ps)
			}
		})
	})
}

// park 断开期间暂存 High/Medium 消息，Low 直接丢弃
func (h *Handler) park(ps *peerState, m *outMsg) {
	if m.priority.Droppable() {
		h.drop(m.priority, "disconnected")
		return
	}
	if ps.pendingLen() >= h.cfg.PendingPerPeer {
		h.drop(m.priority, "pending_full")
		logger.Debug("暂存队列已满，丢弃消息", "peer", ps.peer.ShortString(), "priority", m.priority)
		return
	}
	ps.pending[m.priority] = append(ps.pending[m.priority], m)
}

// flush 连接建立后按优先级发送暂存消息
func (h *Handler) flush(ps *peerState) {
	msgs := ps.takePending()
	if len(msgs) == 0 {
		return
	}
	logger.Debug("发送暂存消息", "peer", ps.peer.ShortString(), "count", len(msgs))
	for _, m := range msgs {
		if ps.state == types.StateConnected {
			h.sendNow(ps, m)
		} else {
			h.park(ps, m)
		}
	}
}

// ============================================================================
//                              连接状态
// ============================================================================

func (h *Handler) onConnEvent(ev types.ConnectionEvent) {
	ps := h.peerState(ev.Peer)

	switch ev.Kind {
	case types.PeerConnected:
		was := ps.state == types.StateConnected
		ps.state = types.StateConnected
		ps.closing = false
		if ps.addr == "" {
			ps.addr = ev.Addr
		}
		if ds := h.addrs[ps.addr]; ds != nil && ps.addr != "" {
			ds.stopTimer()
			ds.state = types.StateConnected
			ds.peer = ps.peer
			ds.attempts = 0
			ds.lastErr = nil
			ds.unreachable = false
			ds.closed = false
			h.publishDial(ds)
		}
		logger.Info("节点已连接", "peer", ps.peer.ShortString(), "addr", ev.Addr)
		h.flush(ps)
		if !was {
			h.notifyConnected(ps.peer)
		}

	case types.PeerDisconnected:
		explicit := ps.closing
		ps.closing = false
		ps.state = types.StateDisconnected
		ps.stopResend()

		var ds *dialState
		if ps.addr != "" {
			ds = h.addrs[ps.addr]
		}
		if ds != nil {
			ds.state = types.StateDisconnected
		}

		switch {
		case explicit, ev.Err == nil, errors.Is(ev.Err, conns.ErrRemoteClosed):
			logger.Info("节点已断开", "peer", ps.peer.ShortString(), "reason", ev.Err)
		case ps.addr == "":
			logger.Info("节点断开且地址未知，不重试", "peer", ps.peer.ShortString(), "error", ev.Err)
		default:
			if ds == nil {
				ds = h.dialState(ps.addr)
			}
			ds.peer = ps.peer
			ds.lastErr = ev.Err
			logger.Warn("连接错误，安排重连", "peer", ps.peer.ShortString(), "error", ev.Err)
			h.scheduleRetry(ds)
		}
		if ds != nil {
			h.publishDial(ds)
		}
	}

	h.publishPeer(ps)
	h.updatePeerCount()
}

func (h *Handler) closePeer(peer types.PeerID) error {
	ps, ok := h.peers[peer]
	if !ok {
		return nil
	}

	ps.closing = true
	ps.state = types.StateDisconnecting
	ps.stopResend()
	for _, m := range ps.takePending() {
		h.drop(m.priority, "closed")
	}
	if ds := h.addrs[ps.addr]; ds != nil && ps.addr != "" {
		ds.closed = true
		ds.stopTimer()
		ds.state = types.StateDisconnected
		h.publishDial(ds)
	}
	h.publishPeer(ps)

	ctx, cancel := context.WithTimeout(h.ctx, time.Duration(h.cfg.SendTimeout))
	err := h.tr.ClosePeer(ctx, peer)
	cancel()

	ps.state = types.StateDisconnected
	h.publishPeer(ps)
	h.updatePeerCount()
	logger.Info("已关闭连接", "peer", peer.ShortString())
	return err
}

// ============================================================================
//                              拨号与重试
// ============================================================================

func (h *Handler) startDial(addr string, waiter chan dialOutcome, explicit bool) {
	ds := h.dialState(addr)
	if explicit {
		ds.closed = false
		if ds.unreachable {
			ds.unreachable = false
			ds.attempts = 0
		}
	}

	if waiter != nil {
		if ds.state == types.StateConnected {
			if ps := h.peers[ds.peer]; ps != nil && ps.state == types.StateConnected {
				waiter <- dialOutcome{addr: addr, peer: ds.peer}
				return
			}
		}
		ds.waiters = append(ds.waiters, waiter)
	}
	if ds.state == types.StateConnecting {
		return
	}

	ds.stopTimer()
	ds.state = types.StateConnecting
	h.publishDial(ds)
	h.metrics.ObserveDial("attempt")

	timeout := time.Duration(h.cfg.DialTimeout)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(h.ctx, timeout)
		peer, err := h.tr.Dial(ctx, addr)
		cancel()

		select {
		case h.dials <- dialOutcome{addr: addr, peer: peer, err: err}:
		case <-h.ctx.Done():
		}
	}()
}

func (h *Handler) onDialResult(r dialOutcome) {
	ds, ok := h.addrs[r.addr]
	if !ok {
		return
	}
	waiters := ds.waiters
	ds.waiters = nil

	err := r.err
	if err == nil {
		h.metrics.ObserveDial("success")
		ds.state = types.StateConnected
		ds.peer = r.peer
		ds.attempts = 0
		ds.lastErr = nil
		ds.unreachable = false
		h.publishDial(ds)

		ps := h.peerState(r.peer)
		ps.addr = r.addr
		if ps.state != types.StateConnected {
			ps.state = types.StateConnected
			ps.closing = false
			h.flush(ps)
			h.notifyConnected(ps.peer)
		}
		h.publishPeer(ps)
		h.updatePeerCount()
	} else {
		h.metrics.ObserveDial("failure")
		ds.state = types.StateDisconnected
		ds.attempts++
		ds.lastErr = err
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", types.ErrTimeout, err)
		}

		switch {
		case ds.attempts >= h.cfg.MaxDialAttempts:
			ds.unreachable = true
			ds.stopTimer()
			err = fmt.Errorf("%w: %s after %d attempts: %w", types.ErrPeerUnreachable, r.addr, ds.attempts, err)
			if ps := h.peers[ds.peer]; ps != nil && !ds.peer.IsEmpty() {
				for _, m := range ps.takePending() {
					h.drop(m.priority, "unreachable")
				}
				h.publishPeer(ps)
			}
			logger.Warn("节点不可达，停止重试", "addr", r.addr, "attempts", ds.attempts, "error", r.err)
		case ds.closed:
		default:
			logger.Debug("拨号失败", "addr", r.addr, "attempt", ds.attempts, "error", r.err)
			h.scheduleRetry(ds)
		}
		h.publishDial(ds)
	}

	for _, w := range waiters {
		w <- dialOutcome{addr: r.addr, peer: r.peer, err: err}
	}
}

// scheduleRetry 按当前失败次数安排下一次拨号
func (h *Handler) scheduleRetry(ds *dialState) {
	if ds.unreachable || ds.closed {
		return
	}
	ds.stopTimer()

	delay := h.backoff.delay(ds.attempts)
	ds.nextRetry = h.clk.Now().Add(delay)
	addr := ds.addr
	ds.timer = h.clk.AfterFunc(delay, func() {
		select {
		case h.retries <- addr:
		case <-h.ctx.Done():
		}
	})
}

func (h *Handler) onRetry(addr string) {
	ds, ok := h.addrs[addr]
	if !ok || ds.nextRetry.IsZero() || ds.closed || ds.unreachable || ds.state != types.StateDisconnected {
		return
	}
	ds.timer = nil
	ds.nextRetry = time.Time{}
	h.startDial(addr, nil, false)
}

// ============================================================================
//                              状态表与快照
// ============================================================================

func (h *Handler) peerState(peer types.PeerID) *peerState {
	ps, ok := h.peers[peer]
	if !ok {
		ps = &peerState{peer: peer, state: types.StateDisconnected}
		h.peers[peer] = ps
	}
	return ps
}

func (h *Handler) dialState(addr string) *dialState {
	ds, ok := h.addrs[addr]
	if !ok {
		ds = &dialState{addr: addr, state: types.StateDisconnected}
		h.addrs[addr] = ds
	}
	return ds
}

func (h *Handler) publishPeer(ps *peerState) {
	st := types.PeerConnState{
		State:   ps.state,
		Peer:    ps.peer,
		Addr:    ps.addr,
		Pending: ps.pendingLen(),
	}
	if ds := h.addrs[ps.addr]; ds != nil && ps.addr != "" {
		st.Attempts = ds.attempts
		st.NextRetry = ds.nextRetry
		st.LastError = ds.lastErr
		st.Unreachable = ds.unreachable
	}

	h.snapMu.Lock()
	h.peerSnap[ps.peer] = st
	h.snapMu.Unlock()
}

func (h *Handler) publishDial(ds *dialState) {
	st := types.PeerConnState{
		State:       ds.state,
		Peer:        ds.peer,
		Addr:        ds.addr,
		Attempts:    ds.attempts,
		NextRetry:   ds.nextRetry,
		LastError:   ds.lastErr,
		Unreachable: ds.unreachable,
	}
	if ps := h.peers[ds.peer]; ps != nil && !ds.peer.IsEmpty() {
		st.Pending = ps.pendingLen()
	}

	h.snapMu.Lock()
	h.dialSnap[ds.addr] = st
	h.snapMu.Unlock()

	if ps := h.peers[ds.peer]; ps != nil && !ds.peer.IsEmpty() && ps.addr == ds.addr {
		h.publishPeer(ps)
	}
}

func (h *Handler) updatePeerCount() {
	n := 0
	for _, ps := range h.peers {
		if ps.state == types.StateConnected {
			n++
		}
	}
	h.metrics.SetPeers(n)
}
