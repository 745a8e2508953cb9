package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/fx"

	"github.com/dep2p/go-dsync/config"
	"github.com/dep2p/go-dsync/pkg/interfaces"
	"github.com/dep2p/go-dsync/pkg/lib/log"
)

var logger = log.Logger("core/storage")

// Params Storage 模块依赖参数
type Params struct {
	fx.In

	Config *config.Config `optional:"true"`

	// Preset 直接注入的存储（WithStore 场景）
	Preset interfaces.EntityStore `name:"preset_store" optional:"true"`
}

// Result Storage 模块提供的结果
type Result struct {
	fx.Out

	Store interfaces.EntityStore
}

// Module 返回 Storage Fx 模块
//
// 提供:
//   - interfaces.EntityStore: 实体存储实例
//
// 生命周期:
//   - OnStop: 关闭存储（注入的存储由调用方负责关闭）
func Module() fx.Option {
	return fx.Module("storage",
		fx.Provide(ProvideStore),
	)
}

// ProvideStore 按配置提供实体存储
func ProvideStore(lc fx.Lifecycle, p Params) (Result, error) {
	if p.Preset != nil {
		return Result{Store: p.Preset}, nil
	}

	cfg := config.DefaultStorageConfig()
	if p.Config != nil {
		cfg = p.Config.Storage
	}

	store, err := NewStore(cfg)
	if err != nil {
		return Result{}, err
	}

	if c, ok := store.(io.Closer); ok {
		lc.Append(fx.Hook{
			OnStop: func(_ context.Context) error {
				logger.Info("正在关闭实体存储")
				if err := c.Close(); err != nil {
					logger.Warn("实体存储关闭失败", "error", err)
					return err
				}
				return nil
			},
		})
	}
	return Result{Store: store}, nil
}

// NewStore 根据配置创建实体存储
func NewStore(cfg config.StorageConfig) (interfaces.EntityStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case config.StorageMemory:
		logger.Debug("使用内存实体存储")
		return NewMemoryStore(), nil
	case config.StorageBadger:
		logger.Debug("创建实体存储", "path", cfg.DBPath())
		return OpenBadger(BadgerOptions{
			Path:       cfg.DBPath(),
			SyncWrites: cfg.SyncWrites,
			GCInterval: 10 * time.Minute,
		})
	default:
		return nil, fmt.Errorf("%w: backend %q", ErrInvalidConfig, cfg.Backend)
	}
}
