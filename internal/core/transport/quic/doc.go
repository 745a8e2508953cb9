// Package quic 实现基于 QUIC 的传输层
//
// QUIC 内置 TLS 1.3，证书由节点 ed25519 身份私钥自签名，
// 对端 PeerID 从证书公钥派生，因此连接建立即完成身份认证。
//
// # 帧格式
//
// 每条连接上每个方向一条单向流，帧为 uvarint 长度前缀加原始字节：
//
//	[uvarint len][len bytes]
//
// # 地址格式
//
// host:port，例如 127.0.0.1:4242。监听与拨号共用同一个 UDP socket，
// 被动接入的连接记录的对端地址即对端的监听地址。
//
// # 使用示例
//
//	tr, err := quic.New(identity, cfg.Transport)
//	if err != nil {
//	    return err
//	}
//	_ = tr.Listen(ctx, "0.0.0.0:4242")
//	peer, err := tr.Dial(ctx, "10.0.0.2:4242")
package quic
