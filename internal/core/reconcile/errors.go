package reconcile

import "errors"

var (
	// ErrEntityDeleted 实体已被删除，只接受删除与取消删除
	ErrEntityDeleted = errors.New("reconcile: entity deleted")

	// ErrEventMismatch 本地构造的事件与分配的实体、类型或时钟不一致
	ErrEventMismatch = errors.New("reconcile: stamped event does not match")

	// ErrListUnsupported 存储不支持列出实体
	ErrListUnsupported = errors.New("reconcile: store cannot list entities")
)
