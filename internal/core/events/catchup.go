package events

import (
	"context"
	"errors"
	"time"

	"github.com/dep2p/go-dsync/internal/core/reconcile"
	"github.com/dep2p/go-dsync/internal/core/wire"
	"github.com/dep2p/go-dsync/pkg/types"
)

// ============================================================================
//                              追赶同步
// ============================================================================
//
// 每个节点在事件日志中保存自己签发的事件帧。连接建立时（以及之后每个 SyncInterval）
// 节点向对端发送摘要：本地每个实体中对端事件的连续已应用前缀。对端按摘要重发前缀之后的
// 本地事件。离线写入、断线期间丢弃的帧以及合并失败的入站事件都由此补齐。

// digestRequest 待响应的对端摘要
type digestRequest struct {
	from   types.PeerID
	digest types.Digest
}

// requestSync 连接建立回调，在网络事件循环中执行
func (s *System) requestSync(peer types.PeerID) {
	s.syncMu.Lock()
	s.syncPeers[peer] = struct{}{}
	s.syncMu.Unlock()
	wake(s.syncWake)
}

func (s *System) takeSyncPeers() []types.PeerID {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	out := make([]types.PeerID, 0, len(s.syncPeers))
	for p := range s.syncPeers {
		out = append(out, p)
	}
	clear(s.syncPeers)
	return out
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// syncLoop 连接建立时立即发送摘要，之后按 SyncInterval 向所有已连接节点发送
func (s *System) syncLoop(ctx context.Context) {
	var tick <-chan time.Time
	if iv := time.Duration(s.cfg.SyncInterval); iv > 0 {
		t := s.clk.Ticker(iv)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.syncWake:
			for _, p := range s.takeSyncPeers() {
				s.sendDigests(ctx, p)
			}
		case <-tick:
			for _, p := range s.network.Peers() {
				s.sendDigests(ctx, p)
			}
		}
	}
}

// sendDigests 按实体 ID 顺序分块发送对 peer 事件的确认摘要
//
// 存储不支持列举时发送空摘要，对端重发全部本地事件。
func (s *System) sendDigests(ctx context.Context, peer types.PeerID) {
	ids, err := s.engine.Entities(ctx)
	if err != nil && !errors.Is(err, reconcile.ErrListUnsupported) {
		logger.Warn("列举实体失败，跳过追赶摘要", "peer", peer.ShortString(), "error", err)
		return
	}

	d := types.Digest{Bases: make(map[string]uint64)}
	send := func(through string) bool {
		d.Through = through
		if err := s.network.Send(ctx, peer, wire.MarshalDigest(d), types.PriorityMedium); err != nil {
			if ctx.Err() == nil {
				logger.Debug("发送追赶摘要失败", "peer", peer.ShortString(), "error", err)
			}
			return false
		}
		s.digestsSent.Add(1)
		d = types.Digest{After: through, Bases: make(map[string]uint64)}
		return true
	}

	for i, id := range ids {
		rec, err := s.engine.Record(ctx, id)
		if err != nil {
			continue
		}
		if base := rec.Applied.Base[peer]; base > 0 {
			d.Bases[id] = base
		}
		if len(d.Bases) >= s.cfg.DigestBatch && i < len(ids)-1 {
			if !send(id) {
				return
			}
		}
	}
	if send("") {
		logger.Debug("已发送追赶摘要", "peer", peer.ShortString(), "entities", len(ids))
	}
}

// onDigest 解码对端摘要并交给 catchUpLoop，队列满时丢弃（下一次同步会再来）
func (s *System) onDigest(from types.PeerID, raw []byte) error {
	d, err := wire.UnmarshalDigest(raw)
	if err != nil {
		s.malformed.Add(1)
		s.metrics.ObserveDropped("malformed")
		logger.Warn("丢弃无法解码的摘要", "from", from.ShortString(), "error", err)
		return err
	}
	s.digestsReceived.Add(1)

	select {
	case s.digests <- digestRequest{from: from, digest: d}:
	default:
		s.metrics.ObserveDropped("digest_overflow")
		logger.Debug("摘要队列已满，丢弃", "from", from.ShortString())
	}
	return nil
}

// catchUpLoop 按对端摘要重发其缺失的本地事件
func (s *System) catchUpLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-s.digests:
			s.catchUp(ctx, r.from, r.digest)
		}
	}
}

func (s *System) catchUp(ctx context.Context, peer types.PeerID, d types.Digest) {
	if s.log == nil {
		return
	}

	n := 0
	err := s.log.ScanEvents(ctx, d, func(entityID string, seq uint64, frame []byte) error {
		if err := s.network.SendNotify(ctx, peer, frame, types.PriorityMedium, s.sentFunc(entityID, seq)); err != nil {
			return err
		}
		n++
		return nil
	})
	s.resent.Add(int64(n))

	switch {
	case err != nil && ctx.Err() == nil:
		logger.Warn("重发缺失事件中断", "peer", peer.ShortString(), "sent", n, "error", err)
	case n > 0:
		logger.Debug("已重发缺失事件", "peer", peer.ShortString(), "count", n)
	}
}

// ============================================================================
//                              交付确认
// ============================================================================

// sentFunc 返回帧交付回调，记录实体已交付的最大本地序号
//
// 回调在网络事件循环中执行，只更新内存并唤醒 syncedLoop。
func (s *System) sentFunc(entityID string, seq uint64) func() {
	return func() {
		s.deliveredMu.Lock()
		if seq > s.delivered[entityID] {
			s.delivered[entityID] = seq
		}
		s.deliveredMu.Unlock()
		wake(s.deliveredWake)
	}
}

// syncedLoop 把最新本地事件已交付的实体标记为 Synced
func (s *System) syncedLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.deliveredWake:
		}

		s.deliveredMu.Lock()
		batch := s.delivered
		s.delivered = make(map[string]uint64)
		s.deliveredMu.Unlock()

		for entityID, seq := range batch {
			if err := s.engine.MarkSynced(ctx, entityID, seq); err != nil && ctx.Err() == nil {
				logger.Warn("标记实体已同步失败", "entity", entityID, "error", err)
			}
		}
	}
}
