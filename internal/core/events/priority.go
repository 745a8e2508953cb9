package events

import (
	"github.com/dep2p/go-dsync/pkg/types"
)

// defaultPriority 事件类型的默认发送优先级
//
// 删除与取消删除走高优先级，其余为中优先级。Low 只能通过配置指定，
// 被丢弃的 Low 帧要等下一次追赶同步才会送达。
func defaultPriority(t types.EventType) types.Priority {
	switch t {
	case types.EventDeleted, types.EventDeleteCancelled:
		return types.PriorityHigh
	default:
		return types.PriorityMedium
	}
}

// priorityTable 按事件类型索引的优先级表
type priorityTable [types.NumEventTypes]types.Priority

// newPriorityTable 以默认值为基础应用配置覆盖
//
// 覆盖项已由 config.EventsConfig.Validate 校验，无法解析的项保留默认值。
func newPriorityTable(overrides map[string]string) priorityTable {
	var tbl priorityTable
	for _, t := range types.AllEventTypes() {
		tbl[t] = defaultPriority(t)
	}
	for name, prio := range overrides {
		t, err := types.ParseEventType(name)
		if err != nil {
			logger.Warn("忽略未知事件类型的优先级", "type", name)
			continue
		}
		p, ok := types.ParsePriority(prio)
		if !ok {
			logger.Warn("忽略未知优先级", "type", name, "priority", prio)
			continue
		}
		tbl[t] = p
	}
	return tbl
}

// of 返回事件类型的优先级
func (tbl *priorityTable) of(t types.EventType) types.Priority {
	if int(t) >= len(tbl) {
		return types.PriorityMedium
	}
	return tbl[t]
}
