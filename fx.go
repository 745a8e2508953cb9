package dsync

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/dep2p/go-dsync/internal/core/events"
	"github.com/dep2p/go-dsync/internal/core/identity"
	"github.com/dep2p/go-dsync/internal/core/metrics"
	"github.com/dep2p/go-dsync/internal/core/network"
	"github.com/dep2p/go-dsync/internal/core/reconcile"
	"github.com/dep2p/go-dsync/internal/core/storage"
	"github.com/dep2p/go-dsync/internal/core/transport"
	"github.com/dep2p/go-dsync/internal/core/transport/memory"
	"github.com/dep2p/go-dsync/pkg/interfaces"
	"github.com/dep2p/go-dsync/pkg/lib/log"
)

var fxLogger = log.Logger("dsync/fx")

// buildFxApp 构建 Fx 应用
//
// 加载顺序（按依赖）：
//  1. Identity → Storage → Metrics
//  2. Transport → Network
//  3. Reconcile → Events
//
// 通过选项注入的组件以命名值提供，各模块优先使用它们。
func buildFxApp(cfg *nodeConfig, node *Node) (*fx.App, error) {
	// ════════════════════════════════════════════════════════════════════════
	// 1. 配置验证（前置）
	// ════════════════════════════════════════════════════════════════════════
	if err := cfg.config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	modules := []fx.Option{
		fx.Supply(cfg.config),
	}

	// ════════════════════════════════════════════════════════════════════════
	// 2. 注入的组件
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules, presets(cfg)...)

	// ════════════════════════════════════════════════════════════════════════
	// 3. 核心模块
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules,
		identity.Module(),
		storage.Module(),
		metrics.Module(),
		transport.Module(),
		network.Module(),
		reconcile.Module(),
		events.Module(),
	)

	// ════════════════════════════════════════════════════════════════════════
	// 4. 用户扩展（Fx Options）
	// ════════════════════════════════════════════════════════════════════════
	if len(cfg.userFxOptions) > 0 {
		modules = append(modules, cfg.userFxOptions...)
	}

	// ════════════════════════════════════════════════════════════════════════
	// 5. Node 组件注入
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules, fx.Invoke(injectNodeComponents(node)))

	// ════════════════════════════════════════════════════════════════════════
	// 6. Fx 配置
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules,
		// 禁用 Fx 日志输出（避免干扰用户日志）
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: zap.NewNop()}
		}),
	)

	app := fx.New(modules...)
	if err := app.Err(); err != nil {
		return nil, err
	}
	fxLogger.Debug("Fx 应用已构建", "modules", len(modules))
	return app, nil
}

// presets 把选项注入的组件转换为 Fx 提供者
func presets(cfg *nodeConfig) []fx.Option {
	var opts []fx.Option

	if id := cfg.identity; id != nil {
		opts = append(opts, fx.Provide(fx.Annotated{
			Name:   "preset_identity",
			Target: func() *identity.Identity { return id },
		}))
	}
	if st := cfg.store; st != nil {
		opts = append(opts, fx.Provide(fx.Annotated{
			Name:   "preset_store",
			Target: func() interfaces.EntityStore { return st },
		}))
	}
	if tr := cfg.transport; tr != nil {
		opts = append(opts, fx.Provide(fx.Annotated{
			Name:   "preset_transport",
			Target: func() interfaces.Transport { return tr },
		}))
	}
	if hub := cfg.hub; hub != nil {
		opts = append(opts, fx.Provide(func() *memory.Hub { return hub }))
	}
	if reg := cfg.registry; reg != nil {
		opts = append(opts, fx.Provide(func() prometheus.Registerer { return reg }))
		if g, ok := reg.(prometheus.Gatherer); ok {
			opts = append(opts, fx.Provide(func() prometheus.Gatherer { return g }))
		}
	}
	if clk := cfg.clock; clk != nil {
		opts = append(opts, fx.Provide(func() clock.Clock { return clk }))
	}
	return opts
}

// ════════════════════════════════════════════════════════════════════════════
// 组件注入辅助函数
// ════════════════════════════════════════════════════════════════════════════

// nodeInjectParams Node 组件注入参数
type nodeInjectParams struct {
	fx.In

	Identity  interfaces.Identity
	Transport interfaces.Transport
	Store     interfaces.EntityStore
	Network   *network.Handler
	Engine    *reconcile.Engine
	Events    *events.System

	Metrics *metrics.Metrics `optional:"true"`
}

// injectNodeComponents 创建 Node 组件注入函数
func injectNodeComponents(node *Node) interface{} {
	return func(p nodeInjectParams) {
		node.identity = p.Identity
		node.transport = p.Transport
		node.store = p.Store
		node.network = p.Network
		node.engine = p.Engine
		node.events = p.Events
		node.metrics = p.Metrics
	}
}
