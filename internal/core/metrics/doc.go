// Package metrics 提供 dsync 的监控指标
//
// 包含两部分：
//   - Metrics: Prometheus 计数器与仪表（合并结果、丢弃、队列深度、拨号、限流）
//   - BandwidthCounter: 每节点收发字节与 60 秒滑动速率，供 NetworkHandler 统计
//
// Metrics 的所有方法对 nil 接收者安全，未启用指标时组件直接持有 nil。
//
// # 使用示例
//
//	reg := prometheus.NewRegistry()
//	m, err := metrics.New("dsync", reg)
//	if err != nil {
//	    return err
//	}
//	m.ObserveOutcome(types.OutcomeApplied, types.EventPropertySet)
//
//	bw := metrics.NewBandwidthCounter(nil, m)
//	bw.LogSent(peer, len(frame))
package metrics
