package identity

import "errors"

var (
	// ErrInvalidKey 无效的密钥
	ErrInvalidKey = errors.New("identity: invalid ed25519 key")

	// ErrKeyGeneration 密钥生成失败
	ErrKeyGeneration = errors.New("identity: key generation failed")

	// ErrInvalidKeyFile 密钥文件格式错误
	ErrInvalidKeyFile = errors.New("identity: invalid key file")

	// ErrInvalidPassphrase 口令错误或缺失
	ErrInvalidPassphrase = errors.New("identity: invalid passphrase")

	// ErrKeyFileNotFound 密钥文件不存在
	ErrKeyFileNotFound = errors.New("identity: key file not found")
)
