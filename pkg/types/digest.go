package types

// ============================================================================
//                              Digest - 追赶摘要
// ============================================================================

// Digest 接收方对某个来源节点事件的确认摘要
//
// Bases 记录每个实体中来源节点事件的连续已应用前缀（DotSet.Base）。
// 摘要按实体 ID 分块：只覆盖 (After, Through] 范围内的实体，Through 为空表示不设上限。
// 范围内未列出的实体视为前缀为 0，来源节点应重发其全部事件。
type Digest struct {
	After   string
	Through string
	Bases   map[string]uint64
}

// Covers 实体是否落在摘要范围内
func (d Digest) Covers(entityID string) bool {
	if entityID <= d.After {
		return false
	}
	return d.Through == "" || entityID <= d.Through
}

// Since 返回实体已确认的序号上限
func (d Digest) Since(entityID string) uint64 {
	return d.Bases[entityID]
}
