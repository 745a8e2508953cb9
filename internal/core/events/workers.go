package events

import (
	"context"

	"github.com/spaolacci/murmur3"

	"github.com/dep2p/go-dsync/internal/core/wire"
	"github.com/dep2p/go-dsync/pkg/types"
)

// shardFor 按实体 ID 选择工作协程
//
// 同一实体总是落在同一分片，保证按到达顺序处理。
func shardFor(entityID string, n int) int {
	return int(murmur3.Sum32([]byte(entityID)) % uint32(n))
}

// pump 从网络消费入站帧，解码后按实体分片
func (s *System) pump(ctx context.Context) {
	in := s.network.Inbound()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-in:
			if !ok {
				logger.Debug("入站通道已关闭")
				return
			}
			s.route(ctx, f)
		}
	}
}

// route 解码帧并投递到实体所在分片
//
// 分片队列满时阻塞，背压沿入站通道传回网络层。
func (s *System) route(ctx context.Context, f types.InboundFrame) {
	if wire.IsDigest(f.Data) {
		_ = s.onDigest(f.From, f.Data)
		return
	}
	s.received.Add(1)
	ev, err := s.decode(f.From, f.Data)
	if err != nil {
		return
	}

	j := job{from: f.From, ev: ev}
	select {
	case s.shards[shardFor(ev.EntityID, len(s.shards))] <- j:
	case <-ctx.Done():
	}
}

// work 分片工作协程
func (s *System) work(ctx context.Context, queue <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-queue:
			// 合并失败的事件不记录 dot，对端下一次追赶同步会重发
			out, err := s.process(ctx, j.from, j.ev)
			if err != nil {
				continue
			}
			if out.RequiresResolution() {
				logger.Debug("入站事件产生冲突", "entity", out.EntityID, "from", j.from.ShortString())
			}
		}
	}
}

// job 已解码、待处理的入站事件
type job struct {
	from types.PeerID
	ev   *types.Event
}
