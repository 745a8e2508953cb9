package dsync

import (
	"context"
	"fmt"

	"github.com/dep2p/go-dsync/pkg/types"
)

// ════════════════════════════════════════════════════════════════════════════
//                              负载便捷方法
// ════════════════════════════════════════════════════════════════════════════
//
// 以下方法构造对应负载后调用 Publish。

// Create 创建实体，fields 的值按 JSON 编码
func (n *Node) Create(ctx context.Context, entityID string, fields map[string]any) (*Event, MergeOutcome, error) {
	payload, err := types.NewCreatePayload(fields, nil, nil)
	if err != nil {
		return nil, staleOutcome(entityID), err
	}
	return n.Publish(ctx, entityID, EventCreated, payload)
}

// SetProperty 写入标量属性（最后写入者胜出）
func (n *Node) SetProperty(ctx context.Context, entityID, field string, value any) (*Event, MergeOutcome, error) {
	payload, err := types.NewPropertyPayload(field, value)
	if err != nil {
		return nil, staleOutcome(entityID), err
	}
	return n.Publish(ctx, entityID, EventPropertySet, payload)
}

// AddToSet 向集合字段添加元素
func (n *Node) AddToSet(ctx context.Context, entityID, field string, elements ...string) (*Event, MergeOutcome, error) {
	return n.publishSet(ctx, entityID, EventSetAdd, field, elements)
}

// RemoveFromSet 从集合字段移除元素，并发添加的元素保留
func (n *Node) RemoveFromSet(ctx context.Context, entityID, field string, elements ...string) (*Event, MergeOutcome, error) {
	return n.publishSet(ctx, entityID, EventSetRemove, field, elements)
}

func (n *Node) publishSet(ctx context.Context, entityID string, t EventType, field string, elements []string) (*Event, MergeOutcome, error) {
	if len(elements) == 0 {
		return nil, staleOutcome(entityID), fmt.Errorf("%s %q: no elements", t, field)
	}
	payload, err := types.NewSetPayload(field, elements...)
	if err != nil {
		return nil, staleOutcome(entityID), err
	}
	return n.Publish(ctx, entityID, t, payload)
}

// SetContent 写入二进制内容，并发写入产生需要 Resolve 的冲突
func (n *Node) SetContent(ctx context.Context, entityID, field string, data []byte) (*Event, MergeOutcome, error) {
	payload, err := types.NewContentPayload(field, data)
	if err != nil {
		return nil, staleOutcome(entityID), err
	}
	return n.Publish(ctx, entityID, EventContentSet, payload)
}

// AddCounter 计数器增减
func (n *Node) AddCounter(ctx context.Context, entityID, field string, delta int64) (*Event, MergeOutcome, error) {
	payload, err := types.NewCounterPayload(field, delta)
	if err != nil {
		return nil, staleOutcome(entityID), err
	}
	return n.Publish(ctx, entityID, EventCounterAdd, payload)
}

// Delete 删除实体，reason 可为空
func (n *Node) Delete(ctx context.Context, entityID, reason string) (*Event, MergeOutcome, error) {
	payload, err := types.NewDeletePayload(reason)
	if err != nil {
		return nil, staleOutcome(entityID), err
	}
	return n.Publish(ctx, entityID, EventDeleted, payload)
}

// CancelDelete 取消删除，恢复实体
func (n *Node) CancelDelete(ctx context.Context, entityID, reason string) (*Event, MergeOutcome, error) {
	payload, err := types.NewDeletePayload(reason)
	if err != nil {
		return nil, staleOutcome(entityID), err
	}
	return n.Publish(ctx, entityID, EventDeleteCancelled, payload)
}

func staleOutcome(entityID string) MergeOutcome {
	return MergeOutcome{Kind: OutcomeStale, EntityID: entityID}
}
