package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dep2p/go-dsync/config"
	"github.com/dep2p/go-dsync/internal/core/metrics"
	"github.com/dep2p/go-dsync/pkg/interfaces"
	"github.com/dep2p/go-dsync/pkg/lib/log"
	"github.com/dep2p/go-dsync/pkg/types"
)

var logger = log.Logger("core/reconcile")

// CommitHook 合并提交回调
//
// 在实体锁内按提交顺序调用，只接收 Applied 与 Conflict 结果。
// 回调不得阻塞，也不得重入引擎。
type CommitHook func(ev *types.Event, outcome types.MergeOutcome, view map[string]any)

// BuildFunc 本地事件构造函数，接收为该事件分配的时钟
type BuildFunc func(clock types.VectorClock) (*types.Event, error)

// Engine 协调引擎
//
// 每个实体的读-改-写在实体锁内完成，引擎是 EntityStore 的唯一写入者。
// 不同实体之间没有共享锁。
type Engine struct {
	store       interfaces.EntityStore
	local       types.PeerID
	locks       *keyedMutex
	lockTimeout time.Duration
	metrics     *metrics.Metrics

	hooksMu sync.RWMutex
	hooks   []CommitHook
}

// NewEngine 创建协调引擎
//
// local 是本地节点 ID，用于 Stamp 分配时钟分量；m 可以为 nil。
func NewEngine(store interfaces.EntityStore, local types.PeerID, cfg config.ReconcileConfig, m *metrics.Metrics) *Engine {
	timeout := time.Duration(cfg.LockTimeout)
	if timeout <= 0 {
		timeout = time.Duration(config.DefaultReconcileConfig().LockTimeout)
	}
	return &Engine{
		store:       store,
		local:       local,
		locks:       newKeyedMutex(),
		lockTimeout: timeout,
		metrics:     m,
	}
}

// LocalPeer 返回本地节点 ID
func (e *Engine) LocalPeer() types.PeerID {
	return e.local
}

// OnCommit 注册合并提交回调
func (e *Engine) OnCommit(h CommitHook) {
	e.hooksMu.Lock()
	e.hooks = append(e.hooks, h)
	e.hooksMu.Unlock()
}

// ============================================================================
//                              Apply
// ============================================================================

// Apply 合并一个事件
//
// 总是返回类型化的结果。负载损坏或未知类型返回包装了 types.ErrReconciliation
// 的错误，实体不受影响；这类错误不应重试。
func (e *Engine) Apply(ctx context.Context, ev *types.Event) (types.MergeOutcome, error) {
	stale := types.MergeOutcome{Kind: types.OutcomeStale}
	if ev != nil {
		stale.EntityID = ev.EntityID
	}

	st, payload, err := e.prepare(ev)
	if err != nil {
		logger.Warn("丢弃无法协调的事件", "error", err)
		return stale, err
	}

	unlock, err := e.lock(ctx, ev.EntityID)
	if err != nil {
		return stale, err
	}
	defer unlock()

	rec, err := e.load(ctx, ev.EntityID)
	if err != nil {
		return stale, err
	}

	if rec.Applied.Contains(ev.Dot()) {
		stale.Clock = rec.Clock.Clone()
		e.metrics.ObserveOutcome(types.OutcomeStale, ev.Type)
		return stale, nil
	}

	out := e.merge(rec, ev, st, payload, false)
	if err := e.store.Put(ctx, ev.EntityID, rec); err != nil {
		e.metrics.ObserveReconcileError("store")
		return stale, fmt.Errorf("persist entity %s: %w", ev.EntityID, err)
	}
	e.commit(ev, out, rec)
	return out, nil
}

// prepare 查找策略并解码负载
func (e *Engine) prepare(ev *types.Event) (*strategy, any, error) {
	if ev == nil || ev.EntityID == "" {
		e.metrics.ObserveReconcileError("invalid_event")
		return nil, nil, fmt.Errorf("%w: %w", types.ErrReconciliation, types.ErrEmptyEntityID)
	}

	st := lookup(ev.Type)
	if st == nil {
		e.metrics.ObserveReconcileError("unknown_type")
		return nil, nil, fmt.Errorf("%w: %w: %s", types.ErrReconciliation, types.ErrUnknownEventType, ev.Type)
	}

	if ev.Source.IsEmpty() || ev.Clock.Get(ev.Source) == 0 {
		e.metrics.ObserveReconcileError("corrupt_payload")
		return nil, nil, fmt.Errorf("%w: %w: clock lacks source component", types.ErrReconciliation, types.ErrCorruptPayload)
	}

	payload, err := st.decode(ev.Payload)
	if err != nil {
		e.metrics.ObserveReconcileError("corrupt_payload")
		return nil, nil, fmt.Errorf("%w: %w: %s: %v", types.ErrReconciliation, types.ErrCorruptPayload, ev.Type, err)
	}
	return st, payload, nil
}

// merge 在锁内把事件合并进记录
func (e *Engine) merge(rec *types.EntityRecord, ev *types.Event, st *strategy, payload any, local bool) types.MergeOutcome {
	m := &mutation{
		rec:     rec,
		ev:      ev,
		payload: payload,
		order:   ev.Clock.Compare(rec.Clock),
	}

	// 无论字段能否自动合并，实体时钟总是取分量最大值
	rec.Clock = rec.Clock.Merge(ev.Clock)
	rec.Applied.Add(ev.Dot())

	var (
		kind types.OutcomeKind
		info *types.ConflictInfo
	)
	if rec.Tombstoned && !st.deletion {
		kind, info = mergeIntoTombstone(m, st)
	} else {
		kind, info = st.merge(m)
	}
	rec.Phase = nextPhase(rec, local)

	out := types.MergeOutcome{
		Kind:     kind,
		EntityID: rec.EntityID,
		Clock:    rec.Clock.Clone(),
		Conflict: info,
	}

	switch {
	case out.RequiresResolution():
		logger.Info("冲突需要解决", "entity", rec.EntityID, "event", ev.String(), "strategy", info.Strategy, "field", info.Field)
	default:
		logger.Debug("事件已合并", "entity", rec.EntityID, "event", ev.String(), "outcome", kind)
	}
	return out
}

// commit 通知指标与回调
func (e *Engine) commit(ev *types.Event, out types.MergeOutcome, rec *types.EntityRecord) {
	e.metrics.ObserveOutcome(out.Kind, ev.Type)
	if !out.Merged() {
		return
	}

	e.hooksMu.RLock()
	hooks := e.hooks
	e.hooksMu.RUnlock()
	if len(hooks) == 0 {
		return
	}

	view := rec.View()
	for _, h := range hooks {
		h(ev, out, view)
	}
}

// ============================================================================
//                              本地写入
// ============================================================================

// Stamp 在实体锁内为本地变更分配时钟并应用
//
// 分配的时钟是实体当前时钟在本地分量上加一，因此支配本节点已知的全部历史。
// build 构造并签名事件。已删除实体只接受删除与取消删除（ErrEntityDeleted）。
func (e *Engine) Stamp(ctx context.Context, entityID string, t types.EventType, build BuildFunc) (*types.Event, types.MergeOutcome, error) {
	stale := types.MergeOutcome{Kind: types.OutcomeStale, EntityID: entityID}
	if entityID == "" {
		return nil, stale, types.ErrEmptyEntityID
	}
	st := lookup(t)
	if st == nil {
		return nil, stale, fmt.Errorf("%w: %s", types.ErrUnknownEventType, t)
	}

	unlock, err := e.lock(ctx, entityID)
	if err != nil {
		return nil, stale, err
	}
	defer unlock()

	rec, err := e.load(ctx, entityID)
	if err != nil {
		return nil, stale, err
	}
	if rec.Tombstoned && !st.deletion {
		return nil, stale, fmt.Errorf("%w: %s", ErrEntityDeleted, entityID)
	}

	clock := rec.Clock.Increment(e.local)
	ev, err := build(clock)
	if err != nil {
		return nil, stale, err
	}
	if ev.EntityID != entityID || ev.Type != t || ev.Source != e.local || ev.Clock.Compare(clock) != types.OrderEqual {
		return nil, stale, ErrEventMismatch
	}

	payload, err := st.decode(ev.Payload)
	if err != nil {
		return nil, stale, fmt.Errorf("%w: %s: %v", types.ErrCorruptPayload, t, err)
	}

	out := e.merge(rec, ev, st, payload, true)
	if err := e.store.Put(ctx, entityID, rec); err != nil {
		return nil, stale, fmt.Errorf("persist entity %s: %w", entityID, err)
	}
	e.commit(ev, out, rec)
	return ev, out, nil
}

// MarkSynced 本地修改已交付网络
//
// seq 是已交付事件时钟中的本地分量。只有实体最新的本地事件交付后才转换：
// ModifiedLocally → Synced，DeletedLocally → Tombstoned。
func (e *Engine) MarkSynced(ctx context.Context, entityID string, seq uint64) error {
	unlock, err := e.lock(ctx, entityID)
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := e.store.Get(ctx, entityID)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if seq < rec.Clock.Get(e.local) {
		return nil
	}

	next := rec.Phase
	switch rec.Phase {
	case types.PhaseModifiedLocally:
		next = types.PhaseSynced
	case types.PhaseDeletedLocally:
		next = types.PhaseSynced
		if rec.Tombstoned {
			next = types.PhaseTombstoned
		}
	}
	if next == rec.Phase {
		return nil
	}
	rec.Phase = next
	return e.store.Put(ctx, entityID, rec)
}

// nextPhase 计算合并后的实体阶段
func nextPhase(rec *types.EntityRecord, local bool) types.EntityPhase {
	switch {
	case local && rec.Tombstoned:
		return types.PhaseDeletedLocally
	case local:
		return types.PhaseModifiedLocally
	case rec.Tombstoned:
		if rec.Phase == types.PhaseDeletedLocally {
			return types.PhaseDeletedLocally
		}
		return types.PhaseTombstoned
	case rec.Phase == types.PhaseModifiedLocally, rec.Phase == types.PhaseDeletedLocally:
		// 尚未交付的本地修改（或被退回的本地删除）仍待传播
		return types.PhaseModifiedLocally
	default:
		return types.PhaseSynced
	}
}

// ============================================================================
//                              查询
// ============================================================================

// Record 读取实体记录副本
func (e *Engine) Record(ctx context.Context, entityID string) (*types.EntityRecord, error) {
	if entityID == "" {
		return nil, types.ErrEmptyEntityID
	}
	return e.store.Get(ctx, entityID)
}

// Entities 列出已知实体（存储需实现 interfaces.EntityLister）
func (e *Engine) Entities(ctx context.Context) ([]string, error) {
	l, ok := e.store.(interfaces.EntityLister)
	if !ok {
		return nil, ErrListUnsupported
	}
	return l.List(ctx)
}

// ============================================================================
//                              内部
// ============================================================================

func (e *Engine) lock(ctx context.Context, entityID string) (func(), error) {
	lctx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	defer cancel()

	unlock, err := e.locks.Lock(lctx, entityID)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: entity lock %s", types.ErrTimeout, entityID)
	}
	return unlock, nil
}

func (e *Engine) load(ctx context.Context, entityID string) (*types.EntityRecord, error) {
	rec, err := e.store.Get(ctx, entityID)
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, types.ErrNotFound):
		return types.NewEntityRecord(entityID), nil
	default:
		e.metrics.ObserveReconcileError("store")
		return nil, fmt.Errorf("load entity %s: %w", entityID, err)
	}
}
