// Package transport 实现传输层
//
// Transport 只负责物理连接：拨号、监听、收发原始帧、报告连接事件。
// 重试、优先级与断线暂存由 NetworkHandler（internal/core/network）负责。
//
// # 实现
//
//   - quic: 基于 quic-go，证书由身份私钥自签名，对端 PeerID 从证书公钥派生
//   - memory: 进程内 Hub，用于测试与演示，可注入拨号失败与断线
//   - conns: 两个实现共用的连接表与有序连接事件流
//
// # Fx 模块集成
//
//	app := fx.New(
//	    identity.Module(),
//	    transport.Module(),
//	    fx.Invoke(func(tr interfaces.Transport) {
//	        // 使用传输层
//	    }),
//	)
//
// # 并发安全
//
// 所有实现的方法都可以并发调用。
package transport
