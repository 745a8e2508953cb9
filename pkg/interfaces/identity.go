package interfaces

import (
	"crypto/ed25519"

	"github.com/dep2p/go-dsync/pkg/types"
)

// Identity 本地节点身份
//
// 持有 ed25519 私钥，用于事件签名与 TLS 证书。
type Identity interface {
	// PeerID 返回由公钥派生的节点 ID
	PeerID() types.PeerID

	// PublicKey 返回公钥
	PublicKey() ed25519.PublicKey

	// PrivateKey 返回私钥（传输层构造 TLS 证书使用）
	PrivateKey() ed25519.PrivateKey

	// Sign 对数据签名
	Sign(data []byte) ([]byte, error)
}
