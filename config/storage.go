package config

import (
	"fmt"
	"path/filepath"
)

// 存储后端
const (
	// StorageBadger BadgerDB 持久化存储
	StorageBadger = "badger"
	// StorageMemory 内存存储
	StorageMemory = "memory"
)

// StorageConfig 存储配置
//
// 实体记录统一使用 BadgerDB 持久化，通过 Key 前缀隔离。
//
// 数据目录结构：
//
//	${DataDir}/
//	└── dsync.db/           # BadgerDB 主数据库
//	    ├── 000001.vlog     # Value Log
//	    ├── 000001.sst      # SSTable
//	    └── MANIFEST        # 数据库元信息
type StorageConfig struct {
	// Backend 存储后端: "badger" 或 "memory"
	Backend string `json:"backend" yaml:"backend"`

	// DataDir 数据目录路径
	// 默认值: "./data"
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// SyncWrites 每次写入是否同步落盘
	SyncWrites bool `json:"sync_writes" yaml:"sync_writes"`
}

// DefaultStorageConfig 返回默认的存储配置
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Backend:    StorageBadger,
		DataDir:    "./data",
		SyncWrites: false,
	}
}

// Validate 验证存储配置的有效性
func (c *StorageConfig) Validate() error {
	switch c.Backend {
	case StorageBadger:
		if c.DataDir == "" {
			return fmt.Errorf("storage: data_dir cannot be empty")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("storage: unknown backend %q", c.Backend)
	}
	return nil
}

// DBPath 返回 BadgerDB 数据库路径
func (c *StorageConfig) DBPath() string {
	return filepath.Join(c.DataDir, "dsync.db")
}
