// Package identity 实现节点身份
//
// 节点身份是一个 ed25519 密钥对，节点 ID 为公钥的 base58 编码，
// 因此任何节点都能仅凭事件的 Source 验证签名。
//
// # 核心功能
//
//   - 密钥生成与从种子确定性派生
//   - 事件签名与验签（Verify 从节点 ID 还原公钥）
//   - 密钥文件持久化，可选口令加密（argon2id + XChaCha20-Poly1305）
//
// # 快速开始
//
//	id, _ := identity.Generate()
//	sig, _ := id.Sign(data)
//	err := identity.Verify(id.PeerID(), data, sig)
//
// # Fx 模块
//
//	app := fx.New(
//	    fx.Supply(cfg),
//	    identity.Module(),
//	    fx.Invoke(func(id interfaces.Identity) {
//	        fmt.Printf("PeerID: %s\n", id.PeerID())
//	    }),
//	)
//
// 优先级：注入的身份 > 密钥文件 > 临时身份。
package identity
