package storage

import (
	"errors"

	"github.com/dep2p/go-dsync/pkg/types"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = types.ErrNotFound

	// ErrClosed 存储已关闭
	ErrClosed = errors.New("storage: closed")

	// ErrReadOnly 只读模式
	ErrReadOnly = errors.New("storage: read-only")

	// ErrInvalidConfig 无效配置
	ErrInvalidConfig = errors.New("storage: invalid config")

	// ErrCorrupted 记录无法解码
	ErrCorrupted = errors.New("storage: corrupted record")

	// ErrInvalidKey 实体 ID 无法用作日志键
	ErrInvalidKey = errors.New("storage: invalid key")
)

// IsNotFound 检查是否为记录不存在
func IsNotFound(err error) bool {
	return errors.Is(err, types.ErrNotFound)
}

// Stats 存储读写统计
type Stats struct {
	Reads  int64
	Writes int64
	Misses int64
}
