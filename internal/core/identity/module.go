// Package identity 提供节点身份的实现
//
// 身份模块负责：
// - ed25519 密钥对生成
// - 签名与验签
// - 密钥文件持久化（可选口令加密）
package identity

import (
	"fmt"

	"go.uber.org/fx"

	"github.com/dep2p/go-dsync/config"
	"github.com/dep2p/go-dsync/pkg/interfaces"
	"github.com/dep2p/go-dsync/pkg/lib/log"
)

var logger = log.Logger("core/identity")

// Params 身份模块输入参数
type Params struct {
	fx.In

	Config *config.Config `optional:"true"`

	// Preset 直接注入的身份（WithIdentity 场景），优先于配置
	Preset *Identity `name:"preset_identity" optional:"true"`
}

// Result 身份模块输出
type Result struct {
	fx.Out

	Identity interfaces.Identity
	Concrete *Identity
}

// ProvideIdentity 创建或加载身份
//
// 优先级：注入的身份 > 密钥文件 > 自动生成的临时身份
func ProvideIdentity(p Params) (Result, error) {
	if p.Preset != nil {
		return Result{Identity: p.Preset, Concrete: p.Preset}, nil
	}

	cfg := config.DefaultIdentityConfig()
	if p.Config != nil {
		cfg = p.Config.Identity
	}

	var (
		id  *Identity
		err error
	)
	switch {
	case cfg.KeyFile != "" && cfg.AutoGenerate:
		var created bool
		id, created, err = LoadOrGenerate(cfg.KeyFile, cfg.Passphrase())
		if err != nil {
			return Result{}, fmt.Errorf("load identity: %w", err)
		}
		if created {
			logger.Info("已生成新身份", "peer", id.PeerID().ShortString(), "file", cfg.KeyFile)
		}
	case cfg.KeyFile != "":
		id, err = LoadKeyFile(cfg.KeyFile, cfg.Passphrase())
		if err != nil {
			return Result{}, fmt.Errorf("load identity: %w", err)
		}
	default:
		id, err = Generate()
		if err != nil {
			return Result{}, fmt.Errorf("generate identity: %w", err)
		}
		logger.Debug("使用临时身份", "peer", id.PeerID().ShortString())
	}

	return Result{Identity: id, Concrete: id}, nil
}

// Module 返回 fx 模块配置
func Module() fx.Option {
	return fx.Module("identity",
		fx.Provide(ProvideIdentity),
	)
}
