// Package types 定义 dsync 的基础类型
//
// 这是整个系统的最底层包，只依赖标准库与少量编码库。
//
// # 主要类型
//
//   - PeerID / EventID: 节点与事件标识
//   - VectorClock / DotSet: 因果顺序
//   - Event / EventType: 签名的实体变更事件
//   - EntityRecord / State: 持久化实体与物化状态（MVR、OR-set、PN-counter）
//   - MergeOutcome / ConflictInfo / Candidate: 协调结果
//   - ConnectionState / Priority / Scope: 网络层
//
// # 错误
//
// 错误类别（ErrTransport、ErrVerification、ErrReconciliation）与具体哨兵
// 错误定义在 errors.go，使用 errors.Is 判断。
package types
