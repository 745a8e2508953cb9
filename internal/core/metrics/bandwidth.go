package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-dsync/pkg/types"
)

// Stats 带宽统计快照
type Stats struct {
	TotalIn  int64   // 总入站字节
	TotalOut int64   // 总出站字节
	RateIn   float64 // 入站速率（字节/秒）
	RateOut  float64 // 出站速率（字节/秒）
}

type peerBandwidth struct {
	in, out         atomic.Int64
	inRate, outRate *RateMeter
}

// BandwidthCounter 带宽计数器
//
// 跟踪本地节点与每个对端之间收发的帧字节，并同步到 Prometheus（若设置）。
type BandwidthCounter struct {
	clk     clock.Clock
	metrics *Metrics

	totalIn, totalOut         atomic.Int64
	totalInRate, totalOutRate *RateMeter

	mu    sync.RWMutex
	peers map[types.PeerID]*peerBandwidth
}

// NewBandwidthCounter 创建带宽计数器
//
// clk 为 nil 时使用系统时钟；m 可以为 nil。
func NewBandwidthCounter(clk clock.Clock, m *Metrics) *BandwidthCounter {
	if clk == nil {
		clk = clock.New()
	}
	return &BandwidthCounter{
		clk:          clk,
		metrics:      m,
		totalInRate:  NewRateMeter(clk),
		totalOutRate: NewRateMeter(clk),
		peers:        make(map[types.PeerID]*peerBandwidth),
	}
}

func (bwc *BandwidthCounter) peer(p types.PeerID) *peerBandwidth {
	bwc.mu.RLock()
	pb := bwc.peers[p]
	bwc.mu.RUnlock()
	if pb != nil {
		return pb
	}

	bwc.mu.Lock()
	defer bwc.mu.Unlock()
	if pb = bwc.peers[p]; pb == nil {
		pb = &peerBandwidth{inRate: NewRateMeter(bwc.clk), outRate: NewRateMeter(bwc.clk)}
		bwc.peers[p] = pb
	}
	return pb
}

// LogSent 记录发往 p 的帧大小
func (bwc *BandwidthCounter) LogSent(p types.PeerID, size int) {
	n := int64(size)
	bwc.totalOut.Add(n)
	bwc.totalOutRate.Add(n)
	pb := bwc.peer(p)
	pb.out.Add(n)
	pb.outRate.Add(n)
	bwc.metrics.ObserveBytes("out", size)
}

// LogRecv 记录来自 p 的帧大小
func (bwc *BandwidthCounter) LogRecv(p types.PeerID, size int) {
	n := int64(size)
	bwc.totalIn.Add(n)
	bwc.totalInRate.Add(n)
	pb := bwc.peer(p)
	pb.in.Add(n)
	pb.inRate.Add(n)
	bwc.metrics.ObserveBytes("in", size)
}

// Totals 返回总带宽统计
func (bwc *BandwidthCounter) Totals() Stats {
	return Stats{
		TotalIn:  bwc.totalIn.Load(),
		TotalOut: bwc.totalOut.Load(),
		RateIn:   bwc.totalInRate.Rate(),
		RateOut:  bwc.totalOutRate.Rate(),
	}
}

// ForPeer 返回单个节点的带宽统计
func (bwc *BandwidthCounter) ForPeer(p types.PeerID) Stats {
	bwc.mu.RLock()
	pb := bwc.peers[p]
	bwc.mu.RUnlock()
	if pb == nil {
		return Stats{}
	}
	return Stats{
		TotalIn:  pb.in.Load(),
		TotalOut: pb.out.Load(),
		RateIn:   pb.inRate.Rate(),
		RateOut:  pb.outRate.Rate(),
	}
}

// Forget 清除节点统计（节点被移除时调用）
func (bwc *BandwidthCounter) Forget(p types.PeerID) {
	bwc.mu.Lock()
	delete(bwc.peers, p)
	bwc.mu.Unlock()
}
