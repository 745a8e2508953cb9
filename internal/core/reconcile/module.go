package reconcile

import (
	"go.uber.org/fx"

	"github.com/dep2p/go-dsync/config"
	"github.com/dep2p/go-dsync/internal/core/metrics"
	"github.com/dep2p/go-dsync/pkg/interfaces"
)

// Params Reconcile 模块依赖参数
type Params struct {
	fx.In

	Config   *config.Config `optional:"true"`
	Store    interfaces.EntityStore
	Identity interfaces.Identity
	Metrics  *metrics.Metrics `optional:"true"`
}

// Result Reconcile 模块提供的结果
type Result struct {
	fx.Out

	Engine *Engine
}

// Module 返回 Reconcile Fx 模块
//
// 提供:
//   - *Engine: 协调引擎
func Module() fx.Option {
	return fx.Module("reconcile",
		fx.Provide(ProvideEngine),
	)
}

// ProvideEngine 创建协调引擎
func ProvideEngine(p Params) Result {
	cfg := config.DefaultReconcileConfig()
	if p.Config != nil {
		cfg = p.Config.Reconcile
	}
	return Result{Engine: NewEngine(p.Store, p.Identity.PeerID(), cfg, p.Metrics)}
}
