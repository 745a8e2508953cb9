// Package dsync 是点对点事件传播与协调核心
//
// 每个节点持有一组实体（文件、资产等）的副本。本地修改被封装为带向量时钟的
// 签名事件并广播给对端；收到的事件经验签、去重后交给协调引擎，
// 按事件类型选择合并策略（LWW、add-wins 集合、PN 计数器、人工解决），
// 无法自动合并的情况以冲突结果交给应用决定。
//
// # 组件
//
//   - NetworkHandler (internal/core/network): 连接状态机、指数退避重连、三级优先级队列
//   - EventSystem (internal/core/events): 发布、接收、去重、订阅、冲突解决
//   - ReconciliationEngine (internal/core/reconcile): 向量时钟比较与合并策略
//   - Transport (internal/core/transport): QUIC 或进程内传输
//   - EntityStore (internal/core/storage): BadgerDB 或内存存储
//
// 各组件由 Fx 组装，Node 是对外门面。
//
// # 快速开始
//
//	node, err := dsync.Start(ctx,
//	    dsync.WithListenAddr("0.0.0.0:4242"),
//	    dsync.WithPeers("10.0.0.2:4242"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	sub, _ := node.Subscribe(nil, func(id string, out dsync.MergeOutcome, state map[string]any) {
//	    if out.RequiresResolution() {
//	        node.Resolve(ctx, id, out.Conflict.Candidates[0])
//	    }
//	})
//	defer sub.Cancel()
//
//	node.SetProperty(ctx, "doc-1", "title", "hello")
package dsync
