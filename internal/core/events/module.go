package events

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"

	"github.com/dep2p/go-dsync/config"
	"github.com/dep2p/go-dsync/internal/core/metrics"
	"github.com/dep2p/go-dsync/internal/core/reconcile"
	"github.com/dep2p/go-dsync/pkg/interfaces"
)

// Params Events 模块依赖参数
type Params struct {
	fx.In

	Config   *config.Config `optional:"true"`
	Engine   *reconcile.Engine
	Network  interfaces.Network
	Identity interfaces.Identity
	Metrics  *metrics.Metrics       `optional:"true"`
	Clock    clock.Clock            `optional:"true"`
	Store    interfaces.EntityStore `optional:"true"`
}

// Result Events 模块提供的结果
type Result struct {
	fx.Out

	System *System
}

// Module 返回 Events Fx 模块
//
// 提供:
//   - *System: 事件系统
//
// 生命周期:
//   - OnStart: 启动入站泵与工作协程
//   - OnStop: 停止并取消所有订阅
func Module() fx.Option {
	return fx.Module("events",
		fx.Provide(ProvideSystem),
	)
}

// ProvideSystem 创建事件系统并注册生命周期
func ProvideSystem(lc fx.Lifecycle, p Params) (Result, error) {
	cfg := config.DefaultEventsConfig()
	maxFrame := config.DefaultTransportConfig().MaxFrameSize
	if p.Config != nil {
		cfg = p.Config.Events
		maxFrame = p.Config.Transport.MaxFrameSize
	}

	opts := []Option{
		WithClock(p.Clock),
		WithMetrics(p.Metrics),
		WithMaxFrameSize(maxFrame),
	}
	if l, ok := p.Store.(interfaces.EventLog); ok {
		opts = append(opts, WithEventLog(l))
	}

	sys, err := New(p.Engine, p.Network, p.Identity, cfg, opts...)
	if err != nil {
		return Result{}, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return sys.Start(ctx)
		},
		OnStop: func(_ context.Context) error {
			return sys.Stop()
		},
	})
	return Result{System: sys}, nil
}
