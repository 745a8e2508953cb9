package network

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"

	"github.com/dep2p/go-dsync/config"
	"github.com/dep2p/go-dsync/internal/core/metrics"
	"github.com/dep2p/go-dsync/pkg/interfaces"
)

// Params Network 模块依赖参数
type Params struct {
	fx.In

	Config    *config.Config `optional:"true"`
	Transport interfaces.Transport
	Metrics   *metrics.Metrics `optional:"true"`
	Clock     clock.Clock      `optional:"true"`
}

// Result Network 模块提供的结果
type Result struct {
	fx.Out

	Handler *Handler
	Network interfaces.Network
}

// Module 返回 Network Fx 模块
//
// 提供:
//   - *Handler: NetworkHandler
//   - interfaces.Network: 供 EventSystem 使用的收发接口
//
// 生命周期:
//   - OnStart: 启动事件循环，后台拨号配置中的 Peers
//   - OnStop: 停止事件循环
func Module() fx.Option {
	return fx.Module("network",
		fx.Provide(ProvideHandler),
	)
}

// ProvideHandler 创建 NetworkHandler 并注册生命周期
func ProvideHandler(lc fx.Lifecycle, p Params) Result {
	cfg := config.DefaultNetworkConfig()
	var peers []string
	if p.Config != nil {
		cfg = p.Config.Network
		peers = p.Config.Peers
	}

	h := NewHandler(p.Transport, cfg, p.Clock, p.Metrics)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := h.Start(ctx); err != nil {
				return err
			}
			for _, addr := range peers {
				if err := h.Connect(addr); err != nil {
					logger.Warn("无法安排拨号", "addr", addr, "error", err)
				}
			}
			return nil
		},
		OnStop: func(_ context.Context) error {
			return h.Stop()
		},
	})
	return Result{Handler: h, Network: h}
}
