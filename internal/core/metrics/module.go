package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"github.com/dep2p/go-dsync/config"
	"github.com/dep2p/go-dsync/pkg/lib/log"
)

var logger = log.Logger("core/metrics")

// Params Metrics 依赖参数
type Params struct {
	fx.In

	Config *config.Config `optional:"true"`

	// Registerer 外部注册表（WithRegistry 场景），为空时使用独立注册表
	Registerer prometheus.Registerer `optional:"true"`
	Gatherer   prometheus.Gatherer   `optional:"true"`
}

// Result Metrics 模块提供的结果
type Result struct {
	fx.Out

	// Metrics 未启用时为 nil，所有方法对 nil 安全
	Metrics *Metrics
}

// Module 返回 Metrics Fx 模块
//
// 提供:
//   - *Metrics: Prometheus 指标（可能为 nil）
//
// 生命周期:
//   - OnStart: 配置了 ListenAddr 时启动 /metrics HTTP 服务
//   - OnStop: 关闭 HTTP 服务
func Module() fx.Option {
	return fx.Module("metrics",
		fx.Provide(ProvideMetrics),
	)
}

// ProvideMetrics 按配置创建指标
func ProvideMetrics(lc fx.Lifecycle, p Params) (Result, error) {
	cfg := config.DefaultMetricsConfig()
	if p.Config != nil {
		cfg = p.Config.Metrics
	}
	if !cfg.Enabled {
		return Result{}, nil
	}

	reg, gatherer := p.Registerer, p.Gatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	}

	m, err := New(cfg.Namespace, reg)
	if err != nil {
		return Result{}, err
	}

	if cfg.ListenAddr != "" && gatherer != nil {
		srv := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		lc.Append(fx.Hook{
			OnStart: func(_ context.Context) error {
				go func() {
					logger.Info("指标服务已启动", "addr", cfg.ListenAddr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Warn("指标服务退出", "error", err)
					}
				}()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return srv.Shutdown(ctx)
			},
		})
	}
	return Result{Metrics: m}, nil
}
