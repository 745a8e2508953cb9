// Package network 实现 NetworkHandler
//
// NetworkHandler 位于传输层之上，负责：
//   - 三个优先级的有界出站队列，事件循环总是先排空 High，再 Medium，最后 Low
//   - 连接状态机：Disconnected → Connecting → Connected，显式关闭经过 Disconnecting
//   - 拨号失败按指数退避重试（base 1s，cap 60s，±20% 抖动），超过次数上限标记不可达
//   - 断开期间 High/Medium 消息暂存到每节点有界队列，连接后按优先级发出；Low 直接丢弃
//   - 已连接节点写失败的 High/Medium 消息同样暂存，经退避基础延迟后重发
//   - 从未连接过的节点只尝试发送一次，不建立状态也不暂存
//   - OnConnected 回调在每次进入 Connected 时执行，SendNotify/BroadcastNotify 在帧写入后回调
//   - 每节点入站限流（x/time/rate，限流器缓存于过期 LRU）与带宽统计
//
// NetworkHandler 不感知 EventSystem，EventSystem 从 Inbound() 消费入站帧。
// Stop 正常关闭所有已连接节点，关闭错误用 multierr 合并返回。
//
// # 时间
//
// 退避定时器与入队超时使用 github.com/benbjohnson/clock，测试中用 clock.Mock 推进。
//
// # 错误
//
//   - ErrPriorityDropped: Low 消息在节点断开或队列满时被丢弃
//   - ErrBackpressure: High/Medium 队列满且等待超过 EnqueueTimeout
//   - ErrTimeout: ctx 在入队或拨号等待期间结束
//   - ErrPeerUnreachable: 重试耗尽，需要显式 Dial
package network
