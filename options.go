package dsync

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/dep2p/go-dsync/config"
	"github.com/dep2p/go-dsync/internal/core/identity"
	"github.com/dep2p/go-dsync/internal/core/transport/memory"
	"github.com/dep2p/go-dsync/pkg/interfaces"
)

// Option 用户配置选项函数
type Option func(*nodeConfig) error

// nodeConfig 内部选项结构
type nodeConfig struct {
	// config 统一配置
	config *config.Config

	// 直接注入的组件，优先于配置
	identity  *identity.Identity
	transport interfaces.Transport
	store     interfaces.EntityStore
	hub       *memory.Hub
	registry  prometheus.Registerer
	clock     clock.Clock

	// userFxOptions 用户自定义 Fx 选项
	userFxOptions []fx.Option
}

func newNodeConfig() *nodeConfig {
	return &nodeConfig{config: config.NewConfig()}
}

// ════════════════════════════════════════════════════════════════════════════
//                              配置
// ════════════════════════════════════════════════════════════════════════════

// WithConfig 使用完整配置，替换之前设置的配置
//
// 应放在其他选项之前，之后的选项在此配置上修改。
func WithConfig(cfg *config.Config) Option {
	return func(c *nodeConfig) error {
		if cfg == nil {
			return errors.New("config is nil")
		}
		c.config = cfg.Clone()
		return nil
	}
}

// WithConfigFile 从 JSON 或 YAML 文件加载配置
func WithConfigFile(path string) Option {
	return func(c *nodeConfig) error {
		cfg, err := config.LoadFile(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		c.config = cfg
		return nil
	}
}

// WithListenAddr 设置监听地址
//
// QUIC 为 host:port；内存传输为 Hub 内唯一的名称。
func WithListenAddr(addr string) Option {
	return func(c *nodeConfig) error {
		c.config.Transport.ListenAddr = addr
		return nil
	}
}

// WithPeers 设置启动后拨号的节点地址
func WithPeers(addrs ...string) Option {
	return func(c *nodeConfig) error {
		c.config.Peers = append(c.config.Peers, addrs...)
		return nil
	}
}

// WithDataDir 使用 BadgerDB 持久化实体记录
func WithDataDir(dir string) Option {
	return func(c *nodeConfig) error {
		if dir == "" {
			return errors.New("data dir is empty")
		}
		c.config.Storage.Backend = config.StorageBadger
		c.config.Storage.DataDir = dir
		return nil
	}
}

// WithPriority 覆盖事件类型的发送优先级（"high" / "medium" / "low"）
func WithPriority(t EventType, priority string) Option {
	return func(c *nodeConfig) error {
		if !t.Valid() {
			return fmt.Errorf("invalid event type %s", t)
		}
		if c.config.Events.Priorities == nil {
			c.config.Events.Priorities = make(map[string]string)
		}
		c.config.Events.Priorities[t.String()] = priority
		return nil
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              身份
// ════════════════════════════════════════════════════════════════════════════

// WithIdentity 使用指定私钥作为节点身份
func WithIdentity(key ed25519.PrivateKey) Option {
	return func(c *nodeConfig) error {
		id, err := identity.FromPrivateKey(key)
		if err != nil {
			return fmt.Errorf("invalid identity key: %w", err)
		}
		c.identity = id
		return nil
	}
}

// WithIdentityFile 从密钥文件加载身份，文件不存在时生成
//
// 口令从 Identity.PassphraseEnv 指定的环境变量读取。
func WithIdentityFile(path string) Option {
	return func(c *nodeConfig) error {
		if path == "" {
			return errors.New("identity file path is empty")
		}
		c.config.Identity.KeyFile = path
		c.config.Identity.AutoGenerate = true
		return nil
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              组件注入
// ════════════════════════════════════════════════════════════════════════════

// WithTransport 使用外部创建的传输层
//
// 传输层需已完成监听（如需要），节点停止时会关闭它。
func WithTransport(tr interfaces.Transport) Option {
	return func(c *nodeConfig) error {
		if tr == nil {
			return errors.New("transport is nil")
		}
		c.transport = tr
		return nil
	}
}

// WithMemoryTransport 使用进程内传输，并在 hub 上以 addr 监听
func WithMemoryTransport(hub *MemoryHub, addr string) Option {
	return func(c *nodeConfig) error {
		if hub == nil {
			return errors.New("memory hub is nil")
		}
		c.hub = hub
		c.config.Transport.Kind = config.TransportMemory
		c.config.Transport.ListenAddr = addr
		return nil
	}
}

// WithStore 使用外部实体存储，节点停止时不关闭它
func WithStore(store interfaces.EntityStore) Option {
	return func(c *nodeConfig) error {
		if store == nil {
			return errors.New("store is nil")
		}
		c.store = store
		return nil
	}
}

// WithRegistry 把指标注册到外部 Prometheus 注册表
func WithRegistry(reg prometheus.Registerer) Option {
	return func(c *nodeConfig) error {
		if reg == nil {
			return errors.New("registry is nil")
		}
		c.registry = reg
		c.config.Metrics.Enabled = true
		return nil
	}
}

// WithClock 设置重试退避与事件时间戳使用的时钟（测试使用 clock.NewMock）
func WithClock(clk clock.Clock) Option {
	return func(c *nodeConfig) error {
		c.clock = clk
		return nil
	}
}

// WithFxOptions 追加自定义 Fx 选项
func WithFxOptions(opts ...fx.Option) Option {
	return func(c *nodeConfig) error {
		c.userFxOptions = append(c.userFxOptions, opts...)
		return nil
	}
}

// WithMetricsAddr 启用指标并在 addr 上提供 /metrics HTTP 服务
func WithMetricsAddr(addr string) Option {
	return func(c *nodeConfig) error {
		c.config.Metrics.Enabled = true
		c.config.Metrics.ListenAddr = addr
		return nil
	}
}
