// Package interfaces 定义 dsync 与外部协作方之间的接口
//
//   - transport.go - 传输层能力（拨号、监听、收发、连接事件）
//   - storage.go   - 实体记录存储
//   - identity.go  - 本地节点身份与签名
//   - network.go   - NetworkHandler 暴露给 EventSystem 的能力
//
// 接口只依赖 pkg/types，实现位于 internal/core 下的对应目录。
package interfaces
