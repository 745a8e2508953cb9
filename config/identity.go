package config

import (
	"errors"
	"os"
)

// IdentityConfig 身份配置
//
// 节点身份固定为 Ed25519 密钥，PeerID 由公钥派生。
type IdentityConfig struct {
	// KeyFile 密钥文件路径
	// 如果为空，将在内存中生成临时密钥
	KeyFile string `json:"key_file" yaml:"key_file"`

	// PassphraseEnv 存放密钥文件口令的环境变量名
	// 为空或变量未设置时密钥文件以明文 PEM 保存
	PassphraseEnv string `json:"passphrase_env,omitempty" yaml:"passphrase_env,omitempty"`

	// AutoGenerate 当密钥文件不存在时是否自动生成
	AutoGenerate bool `json:"auto_generate" yaml:"auto_generate"`
}

// DefaultIdentityConfig 返回默认身份配置
func DefaultIdentityConfig() IdentityConfig {
	return IdentityConfig{
		KeyFile:       "",
		PassphraseEnv: "DSYNC_KEY_PASSPHRASE",
		AutoGenerate:  true,
	}
}

// Validate 验证身份配置
func (c IdentityConfig) Validate() error {
	if c.KeyFile == "" && !c.AutoGenerate {
		return errors.New("identity: key_file is required when auto_generate is disabled")
	}
	return nil
}

// Passphrase 返回环境变量中的口令
func (c IdentityConfig) Passphrase() []byte {
	if c.PassphraseEnv == "" {
		return nil
	}
	if v := os.Getenv(c.PassphraseEnv); v != "" {
		return []byte(v)
	}
	return nil
}

// WithKeyFile 设置密钥文件路径
func (c IdentityConfig) WithKeyFile(path string) IdentityConfig {
	c.KeyFile = path
	return c
}
