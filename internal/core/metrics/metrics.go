// Package metrics 提供 dsync 的 Prometheus 指标
//
// 所有记录方法对 nil 接收者安全：组件在未启用指标时持有 nil *Metrics，
// 调用方无需判断。
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dep2p/go-dsync/pkg/types"
)

// Metrics 指标集合
type Metrics struct {
	// 协调引擎
	outcomes        *prometheus.CounterVec
	reconcileErrors *prometheus.CounterVec

	// 事件系统
	published       *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	subscriberDrops prometheus.Counter

	// 网络
	queueDepth   *prometheus.GaugeVec
	sendDrops    *prometheus.CounterVec
	dialAttempts *prometheus.CounterVec
	peers        prometheus.Gauge
	rateLimited  prometheus.Counter
	bytes        *prometheus.CounterVec
}

// New 创建并注册指标
//
// 已注册的同名指标会被复用，同一 Registerer 可以创建多个 Metrics。
func New(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconcile", Name: "outcomes_total",
			Help: "Merge outcomes by kind and event type.",
		}, []string{"kind", "type"}),
		reconcileErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconcile", Name: "errors_total",
			Help: "Events rejected by the reconciliation engine.",
		}, []string{"reason"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "published_total",
			Help: "Locally published events by type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "dropped_total",
			Help: "Inbound frames dropped before reconciliation.",
		}, []string{"reason"}),
		subscriberDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "subscriber_drops_total",
			Help: "Notifications dropped because a subscriber buffer was full.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "network", Name: "queue_depth",
			Help: "Outbound queue depth by priority.",
		}, []string{"priority"}),
		sendDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "network", Name: "send_drops_total",
			Help: "Outbound messages dropped by priority and reason.",
		}, []string{"priority", "reason"}),
		dialAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "network", Name: "dial_attempts_total",
			Help: "Dial attempts by result.",
		}, []string{"result"}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "network", Name: "connected_peers",
			Help: "Currently connected peers.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "network", Name: "inbound_rate_limited_total",
			Help: "Inbound frames dropped by the per-peer rate limiter.",
		}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "network", Name: "bytes_total",
			Help: "Frame bytes by direction.",
		}, []string{"direction"}),
	}

	if reg == nil {
		return m, nil
	}

	var err error
	reg1 := func(c prometheus.Collector) prometheus.Collector {
		if err != nil {
			return c
		}
		var got prometheus.Collector
		got, err = register(reg, c)
		return got
	}
	m.outcomes = reg1(m.outcomes).(*prometheus.CounterVec)
	m.reconcileErrors = reg1(m.reconcileErrors).(*prometheus.CounterVec)
	m.published = reg1(m.published).(*prometheus.CounterVec)
	m.dropped = reg1(m.dropped).(*prometheus.CounterVec)
	m.subscriberDrops = reg1(m.subscriberDrops).(prometheus.Counter)
	m.queueDepth = reg1(m.queueDepth).(*prometheus.GaugeVec)
	m.sendDrops = reg1(m.sendDrops).(*prometheus.CounterVec)
	m.dialAttempts = reg1(m.dialAttempts).(*prometheus.CounterVec)
	m.peers = reg1(m.peers).(prometheus.Gauge)
	m.rateLimited = reg1(m.rateLimited).(prometheus.Counter)
	m.bytes = reg1(m.bytes).(*prometheus.CounterVec)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// register 注册收集器，已存在时返回已注册的实例
func register(reg prometheus.Registerer, c prometheus.Collector) (prometheus.Collector, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector, nil
		}
		return c, fmt.Errorf("register metrics: %w", err)
	}
	return c, nil
}

// ============================================================================
//                              协调引擎
// ============================================================================

// ObserveOutcome 记录一次合并结果
func (m *Metrics) ObserveOutcome(kind types.OutcomeKind, et types.EventType) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(kind.String(), et.String()).Inc()
}

// ObserveReconcileError 记录协调错误（unknown_type / corrupt_payload / store）
func (m *Metrics) ObserveReconcileError(reason string) {
	if m == nil {
		return
	}
	m.reconcileErrors.WithLabelValues(reason).Inc()
}

// ============================================================================
//                              事件系统
// ============================================================================

// ObservePublished 记录本地发布
func (m *Metrics) ObservePublished(et types.EventType) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(et.String()).Inc()
}

// ObserveDropped 记录入站丢弃（malformed / verification / duplicate / backlog）
func (m *Metrics) ObserveDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// ObserveSubscriberDrop 记录订阅通知丢弃
func (m *Metrics) ObserveSubscriberDrop() {
	if m == nil {
		return
	}
	m.subscriberDrops.Inc()
}

// ============================================================================
//                              网络
// ============================================================================

// SetQueueDepth 设置出站队列深度
func (m *Metrics) SetQueueDepth(p types.Priority, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(p.String()).Set(float64(depth))
}

// ObserveSendDrop 记录出站丢弃
func (m *Metrics) ObserveSendDrop(p types.Priority, reason string) {
	if m == nil {
		return
	}
	m.sendDrops.WithLabelValues(p.String(), reason).Inc()
}

// ObserveDial 记录一次拨号（success / failure / unreachable）
func (m *Metrics) ObserveDial(result string) {
	if m == nil {
		return
	}
	m.dialAttempts.WithLabelValues(result).Inc()
}

// SetPeers 设置已连接节点数
func (m *Metrics) SetPeers(n int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(n))
}

// ObserveRateLimited 记录入站限流丢弃
func (m *Metrics) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// ObserveBytes 记录收发字节（in / out）
func (m *Metrics) ObserveBytes(direction string, n int) {
	if m == nil {
		return
	}
	m.bytes.WithLabelValues(direction).Add(float64(n))
}
