// Package memory 提供进程内传输
//
// 同一个 Hub 上的 Transport 通过地址名互相拨号，帧直接投递到对端的
// 入站通道。用于测试与演示，也支持注入故障：
//
//	hub := memory.NewHub()
//	a := memory.New(hub, idA.PeerID(), 64)
//	b := memory.New(hub, idB.PeerID(), 64)
//	_ = b.Listen(ctx, "b")
//	peer, err := a.Dial(ctx, "b")
//
//	hub.Block("b")          // 之后拨号 "b" 失败
//	a.Sever(peer, someErr)  // 模拟传输错误断开
package memory
