// Package transport 按配置提供传输层实现
package transport

import (
	"context"
	"fmt"

	"go.uber.org/fx"

	"github.com/dep2p/go-dsync/config"
	"github.com/dep2p/go-dsync/internal/core/transport/memory"
	"github.com/dep2p/go-dsync/internal/core/transport/quic"
	"github.com/dep2p/go-dsync/pkg/interfaces"
	"github.com/dep2p/go-dsync/pkg/lib/log"
)

var logger = log.Logger("core/transport")

// Params Transport 模块依赖参数
type Params struct {
	fx.In

	Config   *config.Config `optional:"true"`
	Identity interfaces.Identity

	// Preset 直接注入的传输（WithTransport 场景）
	Preset interfaces.Transport `name:"preset_transport" optional:"true"`

	// Hub 内存传输使用的 Hub，为空时创建独立的 Hub
	Hub *memory.Hub `optional:"true"`
}

// Result Transport 模块提供的结果
type Result struct {
	fx.Out

	Transport interfaces.Transport
}

// Module 返回 Transport Fx 模块
//
// 提供:
//   - interfaces.Transport: QUIC 或内存传输
//
// 生命周期:
//   - OnStart: 配置了 ListenAddr 时开始监听
//   - OnStop: 关闭传输（注入的传输同样关闭）
func Module() fx.Option {
	return fx.Module("transport",
		fx.Provide(ProvideTransport),
	)
}

// ProvideTransport 按配置创建传输层并注册生命周期
func ProvideTransport(lc fx.Lifecycle, p Params) (Result, error) {
	cfg := config.DefaultTransportConfig()
	if p.Config != nil {
		cfg = p.Config.Transport
	}

	tr := p.Preset
	if tr == nil {
		var err error
		tr, err = New(cfg, p.Identity, p.Hub)
		if err != nil {
			return Result{}, err
		}
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if cfg.ListenAddr == "" || p.Preset != nil {
				return nil
			}
			return tr.Listen(ctx, cfg.ListenAddr)
		},
		OnStop: func(_ context.Context) error {
			logger.Info("正在关闭传输层")
			return tr.Close()
		},
	})
	return Result{Transport: tr}, nil
}

// New 根据配置创建传输层
func New(cfg config.TransportConfig, id interfaces.Identity, hub *memory.Hub) (interfaces.Transport, error) {
	switch cfg.Kind {
	case config.TransportQUIC:
		logger.Debug("使用 QUIC 传输")
		return quic.New(id, cfg)
	case config.TransportMemory:
		if hub == nil {
			hub = memory.NewHub()
		}
		logger.Debug("使用内存传输")
		return memory.New(hub, id.PeerID(), cfg.InboundBuffer), nil
	default:
		return nil, fmt.Errorf("transport: unknown kind %q", cfg.Kind)
	}
}
