// Package config 提供统一的配置管理
//
// 本包采用混合配置模式：
//   - 主 Config 结构体嵌入所有子配置
//   - 每个子配置在独立文件中定义，提供 DefaultXConfig() 与 Validate()
//   - 支持从 JSON / YAML 文件加载（按扩展名选择）
//
// 使用示例：
//
//	// 创建默认配置
//	cfg := config.NewConfig()
//	cfg.Transport.ListenAddr = "0.0.0.0:4242"
//
//	// 从文件加载
//	cfg, err := config.LoadFile("dsync.yaml")
package config

// Config 是 dsync 的完整配置结构
//
// 配置按照功能模块组织：
//   - Identity: 节点身份与密钥文件
//   - Transport: 传输层（QUIC / 内存）
//   - Network: NetworkHandler（队列、重试、限流）
//   - Events: EventSystem（去重、工作池、订阅、优先级）
//   - Reconcile: 协调引擎
//   - Storage: 实体存储
//   - Metrics: Prometheus 指标
type Config struct {
	// Identity 身份配置
	Identity IdentityConfig `json:"identity" yaml:"identity"`

	// Transport 传输层配置
	Transport TransportConfig `json:"transport" yaml:"transport"`

	// Network 网络处理配置
	Network NetworkConfig `json:"network" yaml:"network"`

	// Events 事件系统配置
	Events EventsConfig `json:"events" yaml:"events"`

	// Reconcile 协调引擎配置
	Reconcile ReconcileConfig `json:"reconcile" yaml:"reconcile"`

	// Storage 存储配置
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Metrics 指标配置
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`

	// Peers 启动时拨号的节点地址
	Peers []string `json:"peers,omitempty" yaml:"peers,omitempty"`
}

// NewConfig 创建默认配置
//
// 返回的配置使用所有组件的默认值，适用于大多数场景。
func NewConfig() *Config {
	return &Config{
		Identity:  DefaultIdentityConfig(),
		Transport: DefaultTransportConfig(),
		Network:   DefaultNetworkConfig(),
		Events:    DefaultEventsConfig(),
		Reconcile: DefaultReconcileConfig(),
		Storage:   DefaultStorageConfig(),
		Metrics:   DefaultMetricsConfig(),
	}
}

// NewMemoryConfig 创建纯内存配置（内存传输 + 内存存储），用于测试与演示
func NewMemoryConfig() *Config {
	cfg := NewConfig()
	cfg.Transport.Kind = TransportMemory
	cfg.Storage.Backend = StorageMemory
	cfg.Metrics.Enabled = false
	return cfg
}

// Validate 验证配置的有效性
//
// 检查所有子配置是否有效，如果发现无效配置则返回错误。
func (c *Config) Validate() error {
	if err := c.Identity.Validate(); err != nil {
		return err
	}
	if err := c.Transport.Validate(); err != nil {
		return err
	}
	if err := c.Network.Validate(); err != nil {
		return err
	}
	if err := c.Events.Validate(); err != nil {
		return err
	}
	if err := c.Reconcile.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	return c.Metrics.Validate()
}

// Clone 深拷贝配置
func (c *Config) Clone() *Config {
	out := *c
	out.Peers = append([]string(nil), c.Peers...)
	if c.Events.Priorities != nil {
		out.Events.Priorities = make(map[string]string, len(c.Events.Priorities))
		for k, v := range c.Events.Priorities {
			out.Events.Priorities[k] = v
		}
	}
	return &out
}
