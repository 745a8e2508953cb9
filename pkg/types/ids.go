// Package types 定义 dsync 的基础类型
//
// 这是整个系统的最底层包，不依赖任何其他 dsync 内部包。
// 所有类型都是纯值类型，用于在各模块间传递数据。
package types

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"

	"github.com/mr-tron/base58"
)

// ============================================================================
//                              PeerID - 节点标识
// ============================================================================

// PeerIDLength PeerID 的原始字节长度（ed25519 公钥长度）
const PeerIDLength = ed25519.PublicKeySize

// PeerID 节点唯一标识符
//
// 由节点 ed25519 公钥派生：PeerID = Base58(公钥)。
// 线上传输时使用 Bytes() 得到的定长 32 字节形式；
// 冲突裁决中的字典序比较使用字符串形式。
type PeerID string

// EmptyPeerID 空节点 ID
const EmptyPeerID PeerID = ""

// ErrInvalidPeerID 无效的节点 ID
var ErrInvalidPeerID = errors.New("invalid peer ID: must be Base58 of a 32-byte key")

// PeerIDFromPublicKey 从 ed25519 公钥派生 PeerID
func PeerIDFromPublicKey(pub ed25519.PublicKey) (PeerID, error) {
	if len(pub) != PeerIDLength {
		return EmptyPeerID, ErrInvalidPeerID
	}
	return PeerID(base58.Encode(pub)), nil
}

// PeerIDFromBytes 从定长字节形式恢复 PeerID
func PeerIDFromBytes(b []byte) (PeerID, error) {
	if len(b) != PeerIDLength {
		return EmptyPeerID, ErrInvalidPeerID
	}
	return PeerID(base58.Encode(b)), nil
}

// ParsePeerID 解析并校验 Base58 形式的 PeerID
func ParsePeerID(s string) (PeerID, error) {
	if s == "" {
		return EmptyPeerID, ErrInvalidPeerID
	}
	b, err := base58.Decode(s)
	if err != nil || len(b) != PeerIDLength {
		return EmptyPeerID, ErrInvalidPeerID
	}
	return PeerID(s), nil
}

// String 返回 PeerID 的字符串表示
func (id PeerID) String() string {
	return string(id)
}

// ShortString 返回用于日志的短标识
func (id PeerID) ShortString() string {
	s := string(id)
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// IsEmpty 检查 PeerID 是否为空
func (id PeerID) IsEmpty() bool {
	return id == EmptyPeerID
}

// Bytes 返回定长 32 字节形式
//
// PeerID 不是合法的 Base58 公钥时返回错误。
func (id PeerID) Bytes() ([]byte, error) {
	b, err := base58.Decode(string(id))
	if err != nil || len(b) != PeerIDLength {
		return nil, ErrInvalidPeerID
	}
	return b, nil
}

// PublicKey 返回用于验签的 ed25519 公钥
func (id PeerID) PublicKey() (ed25519.PublicKey, error) {
	b, err := id.Bytes()
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(b), nil
}

// Less 字典序比较，用于确定性裁决
func (id PeerID) Less(other PeerID) bool {
	return id < other
}

// ============================================================================
//                              EventID - 事件标识
// ============================================================================

// EventID 事件唯一标识
//
// 由 (entity_id, source_peer_id, vector_clock, payload) 确定性哈希得到，
// 相同内容必然得到相同 ID，因此无需注册表即可去重。
type EventID [32]byte

// String 返回十六进制表示
func (id EventID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortString 返回用于日志的短标识
func (id EventID) ShortString() string {
	return hex.EncodeToString(id[:6])
}

// IsZero 检查是否为零值
func (id EventID) IsZero() bool {
	return id == EventID{}
}
