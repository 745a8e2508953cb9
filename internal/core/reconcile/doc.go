// Package reconcile 实现协调引擎
//
// Engine 为每个实体维护向量时钟与物化状态，把每个事件分类为
// Stale / Applied / Conflict，并按事件类型查表选择合并策略：
//
//	事件类型           策略        说明
//	-----------------  ----------  ------------------------------------
//	created            lww         初始字段、集合、计数器、内容
//	property_set       lww         多值寄存器，可见值取 PeerID 最大的写入
//	set_add/remove     add_wins    OR-set，并发添加都保留
//	content_set        manual      并发版本需要应用调用 Resolve
//	counter_add        counter     PN-counter，总能自动合并
//	deleted            tombstone   支配全部历史时生效，否则为待解决冲突
//	delete_cancelled   tombstone   取消被支配的删除，必要时恢复实体
//
// 判定顺序：已应用的 dot 为 Stale；墓碑上的非删除事件被墓碑支配时为 Stale，
// 否则墓碑退回为待解决删除；其余按时钟关系——严格后继 Applied，并发 Conflict，
// 被支配但未见过的迟到祖先按字段合并，改变了状态才算 Applied。
// 实体时钟在任何情况下都取分量最大值。
//
// 本地写入通过 Stamp 在实体锁内分配时钟，保证本地事件支配本节点已知的全部历史。
package reconcile
