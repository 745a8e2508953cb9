package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	pkgif "github.com/dep2p/go-dsync/pkg/interfaces"
	"github.com/dep2p/go-dsync/pkg/types"
)

// ============================================================================
//                              Identity 实现
// ============================================================================

// Identity 基于 ed25519 的节点身份
type Identity struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	peerID     types.PeerID
}

// 确保实现接口
var _ pkgif.Identity = (*Identity)(nil)

// Generate 生成新身份
func Generate() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return FromPrivateKey(priv)
}

// FromPrivateKey 从私钥创建身份
func FromPrivateKey(priv ed25519.PrivateKey) (*Identity, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKey
	}
	pub := priv.Public().(ed25519.PublicKey)
	id, err := types.PeerIDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &Identity{
		privateKey: priv,
		publicKey:  pub,
		peerID:     id,
	}, nil
}

// FromSeed 从 32 字节种子确定性创建身份（测试与演示使用）
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidKey
	}
	return FromPrivateKey(ed25519.NewKeyFromSeed(seed))
}

// PeerID 返回节点 ID
func (i *Identity) PeerID() types.PeerID {
	return i.peerID
}

// PublicKey 返回公钥
func (i *Identity) PublicKey() ed25519.PublicKey {
	return i.publicKey
}

// PrivateKey 返回私钥
func (i *Identity) PrivateKey() ed25519.PrivateKey {
	return i.privateKey
}

// Sign 签名数据
func (i *Identity) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(i.privateKey, data), nil
}

// ============================================================================
//                              验签
// ============================================================================

// Verify 用 PeerID 派生的公钥验证签名
func Verify(peer types.PeerID, data, sig []byte) error {
	pub, err := peer.PublicKey()
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrVerification, err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature length %d", types.ErrVerification, len(sig))
	}
	if !ed25519.Verify(pub, data, sig) {
		return fmt.Errorf("%w: bad signature from %s", types.ErrVerification, peer.ShortString())
	}
	return nil
}
