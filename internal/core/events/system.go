package events

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dep2p/go-dsync/config"
	"github.com/dep2p/go-dsync/internal/core/identity"
	"github.com/dep2p/go-dsync/internal/core/metrics"
	"github.com/dep2p/go-dsync/internal/core/reconcile"
	"github.com/dep2p/go-dsync/internal/core/wire"
	"github.com/dep2p/go-dsync/pkg/interfaces"
	"github.com/dep2p/go-dsync/pkg/lib/log"
	"github.com/dep2p/go-dsync/pkg/types"
)

var logger = log.Logger("core/events")

// Stats 事件系统统计
type Stats struct {
	Published       int64
	Received        int64
	Duplicates      int64
	Malformed       int64
	Rejected        int64
	Failed          int64
	Forwarded       int64
	ForwardFailed   int64
	SubscriberDrops int64
	Subscriptions   int
	DedupSize       int

	// DigestsSent 发出的追赶摘要帧数
	DigestsSent int64

	// DigestsReceived 收到的追赶摘要帧数
	DigestsReceived int64

	// Resent 按对端摘要重发的本地事件数
	Resent int64
}

// outbound 等待交给网络的本地事件帧
type outbound struct {
	entityID string
	eventID  types.EventID
	seq      uint64
	frame    []byte
	priority types.Priority
}

// System 事件系统
type System struct {
	cfg      config.EventsConfig
	engine   *reconcile.Engine
	network  interfaces.Network
	id       interfaces.Identity
	log      interfaces.EventLog
	codec    *wire.Codec
	dedup    *dedupCache
	prio     priorityTable
	clk      clock.Clock
	metrics  *metrics.Metrics
	maxFrame int

	subsMu sync.RWMutex
	subs   map[uuid.UUID]*Subscription
	subWG  sync.WaitGroup

	outbox chan outbound
	shards []chan job

	// 追赶同步
	syncMu    sync.Mutex
	syncPeers map[types.PeerID]struct{}
	syncWake  chan struct{}
	digests   chan digestRequest

	// 已交付的本地序号，由 syncedLoop 标记实体阶段
	deliveredMu   sync.Mutex
	delivered     map[string]uint64
	deliveredWake chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	runMu   sync.Mutex
	started bool
	stopped bool

	published       atomic.Int64
	received        atomic.Int64
	duplicates      atomic.Int64
	malformed       atomic.Int64
	rejected        atomic.Int64
	failed          atomic.Int64
	forwarded       atomic.Int64
	forwardFailed   atomic.Int64
	subscriberDrops atomic.Int64
	digestsSent     atomic.Int64
	digestsReceived atomic.Int64
	resent          atomic.Int64
}

// New 创建事件系统
//
// 构造时向引擎注册提交回调（订阅分发由此驱动），并向网络注册连接建立回调（触发追赶同步）。
// 未配置事件日志时本节点不响应对端的追赶摘要。
func New(engine *reconcile.Engine, network interfaces.Network, id interfaces.Identity, cfg config.EventsConfig, opts ...Option) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &System{
		cfg:      cfg,
		engine:   engine,
		network:  network,
		id:       id,
		prio:     newPriorityTable(cfg.Priorities),
		clk:      clock.New(),
		maxFrame: config.DefaultTransportConfig().MaxFrameSize,
		subs:     make(map[uuid.UUID]*Subscription),
		outbox:   make(chan outbound, cfg.WorkerQueue),

		syncPeers:     make(map[types.PeerID]struct{}),
		syncWake:      make(chan struct{}, 1),
		digests:       make(chan digestRequest, cfg.WorkerQueue),
		delivered:     make(map[string]uint64),
		deliveredWake: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	codec, err := wire.NewCodec(cfg.CompressThreshold, s.maxFrame)
	if err != nil {
		return nil, err
	}
	dedup, err := newDedupCache(cfg.DedupCacheSize)
	if err != nil {
		_ = codec.Close()
		return nil, err
	}
	s.codec = codec
	s.dedup = dedup

	s.shards = make([]chan job, cfg.Workers)
	for i := range s.shards {
		s.shards[i] = make(chan job, cfg.WorkerQueue)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	engine.OnCommit(s.onCommit)
	network.OnConnected(s.requestSync)
	return s, nil
}

// ============================================================================
//                              生命周期
// ============================================================================

// Start 启动入站泵、分片工作协程与出站转发协程
func (s *System) Start(_ context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.stopped {
		return types.ErrClosed
	}
	if s.started {
		return nil
	}
	s.started = true

	g, gctx := errgroup.WithContext(s.ctx)
	s.group = g
	for i := range s.shards {
		shard := s.shards[i]
		g.Go(func() error {
			s.work(gctx, shard)
			return nil
		})
	}
	g.Go(func() error {
		s.pump(gctx)
		return nil
	})
	g.Go(func() error {
		s.forwardLoop(gctx)
		return nil
	})
	g.Go(func() error {
		s.syncLoop(gctx)
		return nil
	})
	g.Go(func() error {
		s.catchUpLoop(gctx)
		return nil
	})
	g.Go(func() error {
		s.syncedLoop(gctx)
		return nil
	})

	logger.Info("事件系统已启动", "peer", s.id.PeerID().ShortString(), "workers", len(s.shards), "eventLog", s.log != nil)
	return nil
}

// Stop 停止事件系统并取消所有订阅
func (s *System) Stop() error {
	s.runMu.Lock()
	if s.stopped {
		s.runMu.Unlock()
		return nil
	}
	s.stopped = true
	g := s.group
	s.runMu.Unlock()

	s.cancel()
	if g != nil {
		_ = g.Wait()
	}

	s.subsMu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subsMu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
	s.subWG.Wait()

	logger.Info("事件系统已停止")
	return s.codec.Close()
}

func (s *System) closed() bool {
	return s.ctx.Err() != nil
}

// ============================================================================
//                              发布
// ============================================================================

// Publish 发布本地变更
//
// 在实体锁内分配时钟、签名并本地应用；编码后的帧写入事件日志并交给出站转发协程，
// 不等待网络。帧成功写入任一节点后实体标记为 Synced；没有节点接收时帧留在日志中，
// 由连接建立时的追赶同步补发。
func (s *System) Publish(ctx context.Context, entityID string, t types.EventType, payload []byte) (*types.Event, types.MergeOutcome, error) {
	return s.publish(ctx, entityID, t, payload, s.prio.of(t))
}

// Resolve 以选定的冲突候选发布新事件
//
// 新事件的时钟是实体当前时钟在本地分量上加一，支配所有冲突时钟。
func (s *System) Resolve(ctx context.Context, entityID string, chosen types.Candidate) (*types.Event, error) {
	if !chosen.Type.Valid() {
		return nil, fmt.Errorf("%w: %w: %s", ErrInvalidCandidate, types.ErrUnknownEventType, chosen.Type)
	}
	ev, _, err := s.publish(ctx, entityID, chosen.Type, chosen.Payload, types.PriorityHigh)
	if err != nil {
		return nil, err
	}
	logger.Info("冲突已解决", "entity", entityID, "type", chosen.Type, "clock", ev.Clock.String())
	return ev, nil
}

func (s *System) publish(ctx context.Context, entityID string, t types.EventType, payload []byte, prio types.Priority) (*types.Event, types.MergeOutcome, error) {
	stale := types.MergeOutcome{Kind: types.OutcomeStale, EntityID: entityID}
	if s.closed() {
		return nil, stale, types.ErrClosed
	}

	ev, out, err := s.engine.Stamp(ctx, entityID, t, s.build(entityID, t, payload))
	if err != nil {
		return nil, out, err
	}
	s.dedup.mark(ev.ID)
	s.published.Add(1)
	s.metrics.ObservePublished(t)

	frame, err := s.codec.Marshal(ev)
	if err != nil {
		// 本地已应用，实体保持 ModifiedLocally
		logger.Error("事件编码失败", "event", ev.String(), "error", err)
		return ev, out, fmt.Errorf("encode event: %w", err)
	}

	seq := ev.Clock.Get(ev.Source)
	if s.log != nil {
		if err := s.log.AppendEvent(ctx, entityID, seq, frame); err != nil {
			logger.Warn("写入事件日志失败", "event", ev.String(), "error", err)
		}
	}

	o := outbound{entityID: entityID, eventID: ev.ID, seq: seq, frame: frame, priority: prio}
	select {
	case s.outbox <- o:
	case <-ctx.Done():
		return ev, out, fmt.Errorf("%w: outbox: %w", types.ErrTimeout, ctx.Err())
	case <-s.ctx.Done():
		return ev, out, types.ErrClosed
	}
	return ev, out, nil
}

// build 返回构造并签名本地事件的函数
func (s *System) build(entityID string, t types.EventType, payload []byte) reconcile.BuildFunc {
	return func(vc types.VectorClock) (*types.Event, error) {
		ev := &types.Event{
			EntityID:  entityID,
			Type:      t,
			Source:    s.id.PeerID(),
			Payload:   bytes.Clone(payload),
			Clock:     vc,
			Timestamp: s.clk.Now().UTC(),
		}
		ev.Seal()

		data, err := wire.SigningBytes(ev)
		if err != nil {
			return nil, err
		}
		sig, err := s.id.Sign(data)
		if err != nil {
			return nil, fmt.Errorf("sign event: %w", err)
		}
		ev.Signature = sig
		return ev, nil
	}
}

// forwardLoop 按发布顺序把帧交给网络
func (s *System) forwardLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-s.outbox:
			s.forward(ctx, o)
		}
	}
}

func (s *System) forward(ctx context.Context, o outbound) {
	err := s.network.BroadcastNotify(ctx, o.frame, o.priority, types.AllPeers(), s.sentFunc(o.entityID, o.seq))
	if err != nil {
		s.forwardFailed.Add(1)
		s.metrics.ObserveDropped("broadcast")
		logger.Warn("事件广播失败", "entity", o.entityID, "event", o.eventID.String(), "priority", o.priority, "error", err)
		return
	}
	s.forwarded.Add(1)
}

// ============================================================================
//                              接收
// ============================================================================

// OnReceive 同步处理一个入站帧
//
// 解码失败返回 ErrMalformedFrame，签名无效返回 ErrVerification，两者都直接丢弃。
// 已见过的事件 ID 返回 Stale。
func (s *System) OnReceive(ctx context.Context, from types.PeerID, raw []byte) (types.MergeOutcome, error) {
	if wire.IsDigest(raw) {
		return types.MergeOutcome{Kind: types.OutcomeStale}, s.onDigest(from, raw)
	}
	s.received.Add(1)
	ev, err := s.decode(from, raw)
	if err != nil {
		return types.MergeOutcome{Kind: types.OutcomeStale}, err
	}
	return s.process(ctx, from, ev)
}

func (s *System) decode(from types.PeerID, raw []byte) (*types.Event, error) {
	ev, err := s.codec.Unmarshal(raw)
	if err != nil {
		s.malformed.Add(1)
		s.metrics.ObserveDropped("malformed")
		logger.Warn("丢弃无法解码的帧", "from", from.ShortString(), "size", len(raw), "error", err)
		return nil, err
	}
	return ev, nil
}

// process 验签、去重并交给引擎
func (s *System) process(ctx context.Context, from types.PeerID, ev *types.Event) (types.MergeOutcome, error) {
	stale := types.MergeOutcome{Kind: types.OutcomeStale, EntityID: ev.EntityID}

	data, err := wire.SigningBytes(ev)
	if err == nil {
		err = identity.Verify(ev.Source, data, ev.Signature)
	}
	if err != nil {
		s.rejected.Add(1)
		s.metrics.ObserveDropped("verification")
		logger.Warn("丢弃签名无效的事件", "from", from.ShortString(), "event", ev.String(), "error", err)
		if !errors.Is(err, types.ErrVerification) {
			err = fmt.Errorf("%w: %w", types.ErrVerification, err)
		}
		return stale, err
	}

	if s.dedup.seen(ev.ID) {
		s.duplicates.Add(1)
		s.metrics.ObserveDropped("duplicate")
		return stale, nil
	}

	out, err := s.engine.Apply(ctx, ev)
	switch {
	case err == nil:
		s.dedup.mark(ev.ID)
	case types.IsReconciliationError(err):
		// 永久性错误，后续副本直接去重
		s.dedup.mark(ev.ID)
		s.failed.Add(1)
		return out, err
	default:
		s.failed.Add(1)
		logger.Warn("事件合并失败", "event", ev.String(), "error", err)
		return out, err
	}
	return out, nil
}

// ============================================================================
//                              订阅
// ============================================================================

// Subscribe 订阅匹配实体的合并结果
//
// filter 为 nil 时匹配所有实体。回调在该订阅专属的协程上按实体提交顺序执行，
// 缓冲区满时通知被丢弃并计数。
func (s *System) Subscribe(filter Filter, cb Callback) (*Subscription, error) {
	if cb == nil {
		return nil, ErrNilCallback
	}
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.stopped {
		return nil, types.ErrClosed
	}

	sub := newSubscription(s, filter, cb, s.cfg.SubscriberBuffer)
	s.subsMu.Lock()
	s.subs[sub.id] = sub
	s.subsMu.Unlock()

	s.subWG.Add(1)
	go func() {
		defer s.subWG.Done()
		sub.dispatch()
	}()

	logger.Debug("新增订阅", "subscription", sub.ID())
	return sub, nil
}

func (s *System) removeSub(id uuid.UUID) {
	s.subsMu.Lock()
	delete(s.subs, id)
	s.subsMu.Unlock()
}

// onCommit 引擎提交回调，在实体锁内运行
func (s *System) onCommit(ev *types.Event, out types.MergeOutcome, view map[string]any) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	if len(s.subs) == 0 {
		return
	}

	n := notification{entityID: ev.EntityID, outcome: out, state: view}
	for _, sub := range s.subs {
		if !sub.offer(n) {
			s.subscriberDrops.Add(1)
			s.metrics.ObserveSubscriberDrop()
		}
	}
}

// ============================================================================
//                              查询
// ============================================================================

// LocalPeer 返回本地节点 ID
func (s *System) LocalPeer() types.PeerID {
	return s.id.PeerID()
}

// Priority 返回事件类型的发送优先级
func (s *System) Priority(t types.EventType) types.Priority {
	return s.prio.of(t)
}

// Stats 返回统计快照
func (s *System) Stats() Stats {
	s.subsMu.RLock()
	nsubs := len(s.subs)
	s.subsMu.RUnlock()

	return Stats{
		Published:       s.published.Load(),
		Received:        s.received.Load(),
		Duplicates:      s.duplicates.Load(),
		Malformed:       s.malformed.Load(),
		Rejected:        s.rejected.Load(),
		Failed:          s.failed.Load(),
		Forwarded:       s.forwarded.Load(),
		ForwardFailed:   s.forwardFailed.Load(),
		SubscriberDrops: s.subscriberDrops.Load(),
		Subscriptions:   nsubs,
		DedupSize:       s.dedup.len(),
		DigestsSent:     s.digestsSent.Load(),
		DigestsReceived: s.digestsReceived.Load(),
		Resent:          s.resent.Load(),
	}
}
