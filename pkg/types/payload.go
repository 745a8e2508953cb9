package types

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
//                              事件负载
// ============================================================================
//
// 负载统一使用 JSON 编码，线上帧中作为不透明字节传输。

// PropertyPayload EventPropertySet 负载
type PropertyPayload struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

// SetPayload EventSetAdd / EventSetRemove 负载
type SetPayload struct {
	Field    string   `json:"field"`
	Elements []string `json:"elements"`
}

// ContentPayload EventContentSet 负载
type ContentPayload struct {
	Field string `json:"field"`
	Data  []byte `json:"data"`
}

// CounterPayload EventCounterAdd 负载
type CounterPayload struct {
	Field string `json:"field"`
	Delta int64  `json:"delta"`
}

// CreatePayload EventCreated 负载，携带实体初始内容
type CreatePayload struct {
	Fields   map[string]json.RawMessage `json:"fields,omitempty"`
	Sets     map[string][]string        `json:"sets,omitempty"`
	Counters map[string]int64           `json:"counters,omitempty"`
	Blobs    map[string][]byte          `json:"blobs,omitempty"`
}

// DeletePayload EventDeleted / EventDeleteCancelled 负载（可为空）
type DeletePayload struct {
	Reason string `json:"reason,omitempty"`
}

// ============================================================================
//                              负载构造
// ============================================================================

// NewPropertyPayload 构造属性写入负载
func NewPropertyPayload(field string, value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode property %q: %w", field, err)
	}
	return json.Marshal(PropertyPayload{Field: field, Value: raw})
}

// NewSetPayload 构造集合增删负载
func NewSetPayload(field string, elements ...string) ([]byte, error) {
	return json.Marshal(SetPayload{Field: field, Elements: elements})
}

// NewContentPayload 构造内容写入负载
func NewContentPayload(field string, data []byte) ([]byte, error) {
	return json.Marshal(ContentPayload{Field: field, Data: data})
}

// NewCounterPayload 构造计数器负载
func NewCounterPayload(field string, delta int64) ([]byte, error) {
	return json.Marshal(CounterPayload{Field: field, Delta: delta})
}

// NewCreatePayload 构造创建负载，fields 的值按 JSON 编码
func NewCreatePayload(fields map[string]any, sets map[string][]string, counters map[string]int64) ([]byte, error) {
	p := CreatePayload{Sets: sets, Counters: counters}
	if len(fields) > 0 {
		p.Fields = make(map[string]json.RawMessage, len(fields))
		for name, v := range fields {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode field %q: %w", name, err)
			}
			p.Fields[name] = raw
		}
	}
	return json.Marshal(p)
}

// NewDeletePayload 构造删除 / 取消删除负载
func NewDeletePayload(reason string) ([]byte, error) {
	if reason == "" {
		return nil, nil
	}
	return json.Marshal(DeletePayload{Reason: reason})
}

// MustPayload 构造负载，失败时 panic，仅用于测试与示例
func MustPayload(b []byte, err error) []byte {
	if err != nil {
		panic(err)
	}
	return b
}
