package interfaces

import (
	"context"

	"github.com/dep2p/go-dsync/pkg/types"
)

// EntityStore 实体记录存储接口
//
// 只由 ReconciliationEngine 在实体锁内访问，是系统中唯一的共享可变资源。
// 仓库内提供 BadgerDB 与内存两种实现（internal/core/storage）。
//
// 线程安全：实现必须保证所有方法的线程安全性。
type EntityStore interface {
	// Get 读取实体记录
	//
	// 返回:
	//   - *types.EntityRecord: 记录副本（调用者可以安全修改）
	//   - error: types.ErrNotFound 如果实体不存在
	Get(ctx context.Context, entityID string) (*types.EntityRecord, error)

	// Put 写入实体记录，覆盖旧值
	Put(ctx context.Context, entityID string, record *types.EntityRecord) error
}

// EntityLister 可选扩展：列出实体
type EntityLister interface {
	// List 列出所有实体 ID（有序）
	List(ctx context.Context) ([]string, error)
}

// EventLog 可选扩展：本地事件日志
//
// EventSystem 保存本节点签发的事件帧，连接建立与周期同步时按对端摘要重发缺失部分。
// seq 是事件时钟中本地节点的分量，在同一实体内从 1 连续递增。
type EventLog interface {
	// AppendEvent 追加事件帧，重复写入同一 (entityID, seq) 覆盖旧值
	AppendEvent(ctx context.Context, entityID string, seq uint64, frame []byte) error

	// ScanEvents 按 (实体, 序号) 顺序遍历摘要范围内、序号大于摘要前缀的事件帧
	//
	// fn 返回错误时停止遍历并返回该错误。
	ScanEvents(ctx context.Context, d types.Digest, fn func(entityID string, seq uint64, frame []byte) error) error
}
