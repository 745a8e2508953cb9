package events

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dep2p/go-dsync/pkg/types"
)

// ============================================================================
//                              过滤器与回调
// ============================================================================

// Filter 订阅过滤器，返回 true 表示关心该实体
type Filter func(entityID string) bool

// AllEntities 匹配所有实体
func AllEntities() Filter {
	return func(string) bool { return true }
}

// EntityIDs 匹配给定实体
func EntityIDs(ids ...string) Filter {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(id string) bool {
		_, ok := set[id]
		return ok
	}
}

// EntityPrefix 匹配 ID 以 prefix 开头的实体
func EntityPrefix(prefix string) Filter {
	return func(id string) bool { return strings.HasPrefix(id, prefix) }
}

// Callback 合并回调
//
// state 是合并后的物化状态，多个订阅共享同一份，回调只读。
type Callback func(entityID string, outcome types.MergeOutcome, state map[string]any)

// notification 一次待分发的合并结果
type notification struct {
	entityID string
	outcome  types.MergeOutcome
	state    map[string]any
}

// ============================================================================
//                              Subscription
// ============================================================================

// Subscription 订阅句柄
type Subscription struct {
	id     uuid.UUID
	filter Filter
	cb     Callback
	sys    *System

	ch      chan notification
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// newSubscription 创建订阅，分发协程由 System 启动
func newSubscription(sys *System, filter Filter, cb Callback, buffer int) *Subscription {
	if filter == nil {
		filter = AllEntities()
	}
	s := &Subscription{
		id:     uuid.New(),
		filter: filter,
		cb:     cb,
		sys:    sys,
		ch:     make(chan notification, buffer),
		done:   make(chan struct{}),
	}
	return s
}

// ID 返回订阅 ID
func (s *Subscription) ID() string {
	return s.id.String()
}

// Dropped 返回因缓冲区满而丢弃的通知数
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Cancel 取消订阅
//
// 可重复调用。返回后不会再有新的回调开始执行。
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.sys.removeSub(s.id)
		close(s.done)
	})
}

// offer 非阻塞投递，缓冲区满时丢弃并计数
//
// 在实体锁内调用，绝不阻塞。
func (s *Subscription) offer(n notification) bool {
	if !s.filter(n.entityID) {
		return true
	}
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.ch <- n:
		return true
	default:
		if s.dropped.Add(1) == 1 {
			logger.Warn("订阅者过慢，开始丢弃通知", "subscription", s.ID())
		}
		return false
	}
}

// dispatch 分发协程，按投递顺序调用回调
func (s *Subscription) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case n := <-s.ch:
			select {
			case <-s.done:
				return
			default:
			}
			s.invoke(n)
		}
	}
}

func (s *Subscription) invoke(n notification) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("订阅回调 panic", "subscription", s.ID(), "entity", n.entityID, "panic", r)
		}
	}()
	s.cb(n.entityID, n.outcome, n.state)
}
