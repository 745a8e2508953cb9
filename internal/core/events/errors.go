package events

import "errors"

var (
	// ErrNilCallback 订阅回调为空
	ErrNilCallback = errors.New("events: nil callback")

	// ErrInvalidCandidate 冲突候选的事件类型无效
	ErrInvalidCandidate = errors.New("events: invalid candidate")
)
