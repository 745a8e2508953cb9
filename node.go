package dsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/multierr"

	"github.com/dep2p/go-dsync/internal/core/events"
	"github.com/dep2p/go-dsync/internal/core/metrics"
	"github.com/dep2p/go-dsync/internal/core/network"
	"github.com/dep2p/go-dsync/internal/core/reconcile"
	"github.com/dep2p/go-dsync/pkg/interfaces"
	"github.com/dep2p/go-dsync/pkg/lib/log"
	"github.com/dep2p/go-dsync/pkg/types"
)

var logger = log.Logger("dsync")

// 启动超时配置
const (
	// startTimeout Fx App 启动超时
	startTimeout = 30 * time.Second

	// stopTimeout Close 使用的停止超时
	stopTimeout = 10 * time.Second
)

// Node dsync 节点
//
// Node 是用户与 dsync 交互的主入口，聚合了所有内部组件。
//
// 使用示例：
//
//	node, err := dsync.New(ctx,
//	    dsync.WithListenAddr("0.0.0.0:4242"),
//	    dsync.WithDataDir("./data"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	if err := node.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	ev, out, err := node.Publish(ctx, "doc-1", dsync.EventPropertySet, payload)
type Node struct {
	// ────────────────────────────────────────────────────────────────────────
	// 配置和状态
	// ────────────────────────────────────────────────────────────────────────

	// config 节点配置
	config *nodeConfig

	// app Fx 应用
	app *fx.App

	// ────────────────────────────────────────────────────────────────────────
	// 核心组件（由 Fx 注入）
	// ────────────────────────────────────────────────────────────────────────

	identity  interfaces.Identity
	transport interfaces.Transport
	store     interfaces.EntityStore
	network   *network.Handler
	engine    *reconcile.Engine
	events    *events.System
	metrics   *metrics.Metrics

	// ────────────────────────────────────────────────────────────────────────
	// 生命周期状态
	// ────────────────────────────────────────────────────────────────────────

	mu      sync.RWMutex
	state   NodeState
	started bool
	closed  bool
}

// ════════════════════════════════════════════════════════════════════════════
//                              构造函数
// ════════════════════════════════════════════════════════════════════════════

// New 创建新节点
//
// 创建节点但不启动，需要调用 Start() 启动。
func New(_ context.Context, opts ...Option) (*Node, error) {
	cfg := newNodeConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	node := &Node{config: cfg}

	var err error
	node.app, err = buildFxApp(cfg, node)
	if err != nil {
		return nil, fmt.Errorf("build fx app: %w", err)
	}
	return node, nil
}

// Start 快捷启动函数
//
// 创建节点并立即启动，等价于 New() + Start()。
func Start(ctx context.Context, opts ...Option) (*Node, error) {
	node, err := New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	if err := node.Start(ctx); err != nil {
		return nil, fmt.Errorf("start node: %w", err)
	}
	return node, nil
}

// ════════════════════════════════════════════════════════════════════════════
//                              生命周期
// ════════════════════════════════════════════════════════════════════════════

// Start 启动节点
//
// 依次启动传输监听、NetworkHandler（并拨号配置中的节点）与 EventSystem。
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrNodeClosed
	}
	if n.started {
		return ErrAlreadyStarted
	}

	n.state = StateStarting
	logger.Info("正在启动节点")

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	if err := n.app.Start(startCtx); err != nil {
		n.state = StateStopped
		n.closed = true
		logger.Error("节点启动失败", "error", err)
		return fmt.Errorf("start failed: %w", err)
	}

	n.started = true
	n.state = StateRunning
	logger.Info("节点已启动", "peer", n.identity.PeerID().ShortString(), "addr", n.ListenAddr())
	return nil
}

// Stop 停止节点
//
// Fx 应用无法重新启动，停止后节点进入关闭状态。
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrNodeClosed
	}
	if !n.started {
		return ErrNotStarted
	}
	return n.stopLocked(ctx)
}

// Close 关闭节点并释放所有资源，可重复调用
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	if !n.started {
		n.closed = true
		n.state = StateStopped
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return n.stopLocked(ctx)
}

func (n *Node) stopLocked(ctx context.Context) error {
	n.state = StateStopping
	logger.Info("正在停止节点")

	err := n.app.Stop(ctx)
	n.state = StateStopped
	n.started = false
	n.closed = true
	if err != nil {
		// Fx 合并了各组件 OnStop 的错误，逐个记录
		for _, e := range multierr.Errors(err) {
			logger.Error("停止节点失败", "error", e)
		}
		return fmt.Errorf("stop fx app: %w", err)
	}
	logger.Info("节点已停止")
	return nil
}

// State 返回节点状态
func (n *Node) State() NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// IsRunning 节点是否在运行
func (n *Node) IsRunning() bool {
	return n.State() == StateRunning
}

func (n *Node) running() error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	switch {
	case n.closed:
		return ErrNodeClosed
	case !n.started:
		return ErrNotStarted
	}
	return nil
}

// ════════════════════════════════════════════════════════════════════════════
//                              基本信息
// ════════════════════════════════════════════════════════════════════════════

// ID 返回节点 ID
func (n *Node) ID() PeerID {
	if n.identity == nil {
		return types.EmptyPeerID
	}
	return n.identity.PeerID()
}

// ListenAddr 返回实际监听地址，未监听时为空
func (n *Node) ListenAddr() string {
	if l, ok := n.transport.(interface{ ListenAddr() string }); ok {
		return l.ListenAddr()
	}
	return ""
}

// ════════════════════════════════════════════════════════════════════════════
//                              事件
// ════════════════════════════════════════════════════════════════════════════

// Publish 发布本地变更
//
// 本地应用后立即返回，广播在后台进行。
func (n *Node) Publish(ctx context.Context, entityID string, t EventType, payload []byte) (*Event, MergeOutcome, error) {
	if err := n.running(); err != nil {
		return nil, staleOutcome(entityID), err
	}
	return n.events.Publish(ctx, entityID, t, payload)
}

// Resolve 以选定的冲突候选解决冲突
func (n *Node) Resolve(ctx context.Context, entityID string, chosen Candidate) (*Event, error) {
	if err := n.running(); err != nil {
		return nil, err
	}
	return n.events.Resolve(ctx, entityID, chosen)
}

// Subscribe 订阅合并结果，filter 为 nil 时匹配所有实体
func (n *Node) Subscribe(filter Filter, cb Callback) (*Subscription, error) {
	if err := n.running(); err != nil {
		return nil, err
	}
	return n.events.Subscribe(filter, cb)
}

// Record 读取实体记录
func (n *Node) Record(ctx context.Context, entityID string) (*EntityRecord, error) {
	if n.engine == nil {
		return nil, ErrNotStarted
	}
	return n.engine.Record(ctx, entityID)
}

// View 读取实体的物化状态，已删除的实体返回 nil
func (n *Node) View(ctx context.Context, entityID string) (map[string]any, error) {
	rec, err := n.Record(ctx, entityID)
	if err != nil {
		return nil, err
	}
	return rec.View(), nil
}

// Entities 列出已知实体
func (n *Node) Entities(ctx context.Context) ([]string, error) {
	if n.engine == nil {
		return nil, ErrNotStarted
	}
	return n.engine.Entities(ctx)
}

// ════════════════════════════════════════════════════════════════════════════
//                              连接
// ════════════════════════════════════════════════════════════════════════════

// Dial 连接到地址，返回对端节点 ID
func (n *Node) Dial(ctx context.Context, addr string) (PeerID, error) {
	if err := n.running(); err != nil {
		return types.EmptyPeerID, err
	}
	return n.network.Dial(ctx, addr)
}

// Connect 后台连接到地址，失败时按退避重试
func (n *Node) Connect(addr string) error {
	if err := n.running(); err != nil {
		return err
	}
	return n.network.Connect(addr)
}

// Disconnect 主动断开节点，不会自动重连
func (n *Node) Disconnect(ctx context.Context, peer PeerID) error {
	if err := n.running(); err != nil {
		return err
	}
	return n.network.Close(ctx, peer)
}

// Peers 返回已连接节点
func (n *Node) Peers() []PeerID {
	if n.network == nil {
		return nil
	}
	return n.network.Peers()
}

// ConnectionState 返回节点的连接状态
func (n *Node) ConnectionState(peer PeerID) PeerConnState {
	if n.network == nil {
		return PeerConnState{Peer: peer}
	}
	return n.network.ConnectionState(peer)
}

// Stats 返回网络与事件统计
func (n *Node) Stats() Stats {
	var s Stats
	if n.network != nil {
		s.Network = n.network.Stats()
	}
	if n.events != nil {
		s.Events = n.events.Stats()
	}
	return s
}
