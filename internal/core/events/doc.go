// Package events 实现 dsync 的事件系统（EventSystem）
//
// EventSystem 位于 NetworkHandler 与 ReconciliationEngine 之间：
//   - Publish: 在实体锁内分配时钟、签名并本地应用，随后异步交给网络广播
//   - OnReceive: 解码、验签、去重后交给协调引擎
//   - Subscribe: 每个订阅一个分发协程，按实体提交顺序回调
//   - Resolve: 以高优先级发布冲突候选，新时钟支配所有冲突时钟
//
// 入站帧按实体 ID 的 murmur3 哈希分片到固定数量的工作协程，
// 同一实体按到达顺序处理，不同实体并行。
//
// # 追赶同步
//
// 本地事件帧写入事件日志（存储实现 interfaces.EventLog 时）。连接建立时以及每个
// SyncInterval，节点向对端发送摘要，列出每个实体中对端事件的连续已应用前缀；
// 对端重发前缀之后的本地事件。实体只在最新本地事件的帧实际写入某个节点后才进入 Synced。
//
// # 使用示例
//
//	sys, err := events.New(engine, handler, id, cfg.Events)
//	if err != nil {
//	    return err
//	}
//	if err := sys.Start(ctx); err != nil {
//	    return err
//	}
//	defer sys.Stop()
//
//	sub, _ := sys.Subscribe(events.AllEntities(), func(id string, out types.MergeOutcome, state map[string]any) {
//	    fmt.Println(id, out.Kind, state)
//	})
//	defer sub.Cancel()
//
//	payload, _ := types.NewPropertyPayload("title", "v2")
//	sys.Publish(ctx, "doc-1", types.EventPropertySet, payload)
package events
