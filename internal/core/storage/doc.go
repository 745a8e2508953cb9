// Package storage 提供实体记录的持久化存储
//
// 实现 interfaces.EntityStore，供 ReconciliationEngine 在实体锁内读写：
//
//   - BadgerStore: 基于 BadgerDB，记录以 JSON 编码保存
//   - MemoryStore: 内存实现，用于测试与演示
//
// # 键空间设计
//
//	前缀     | 内容
//	---------|------------------
//	e/       | 实体记录（e/<entity_id>）
//
// # 使用示例
//
// 使用 Fx 依赖注入：
//
//	app := fx.New(
//	    storage.Module(),
//	    // ... 其他模块
//	)
//
// 手动创建：
//
//	store, err := storage.OpenBadger(storage.BadgerOptions{Path: "/data/dsync.db"})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
package storage
