package quic

import (
	"errors"

	"github.com/quic-go/quic-go"
)

var (
	// ErrNoCertificate 对端未提供证书
	ErrNoCertificate = errors.New("quic: peer presented no certificate")

	// ErrUnsupportedKey 证书公钥不是 ed25519
	ErrUnsupportedKey = errors.New("quic: certificate key is not ed25519")
)

// 应用层关闭码
const (
	codeNormal    quic.ApplicationErrorCode = 0
	codeDuplicate quic.ApplicationErrorCode = 1
	codeProtocol  quic.ApplicationErrorCode = 2
)
