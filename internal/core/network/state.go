package network

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-dsync/pkg/types"
)

// outMsg 一条出站消息
type outMsg struct {
	peer     types.PeerID // 为空表示广播
	scope    types.Scope
	data     []byte
	priority types.Priority

	// sent 首次成功写入任一节点后调用一次
	sent     func()
	notified bool
}

// delivered 记录一次成功写入
func (m *outMsg) delivered() {
	if m.sent == nil || m.notified {
		return
	}
	m.notified = true
	m.sent()
}

// peerState 节点连接状态（只由事件循环访问）
type peerState struct {
	peer  types.PeerID
	state types.ConnectionState
	addr  string

	// closing 调用方显式关闭，随后的断开事件不触发重试
	closing bool

	// pending 断开期间暂存的消息，按优先级分组
	pending [types.NumPriorities][]*outMsg

	// resend 发送失败后安排的重发定时器
	resend *clock.Timer
}

func (ps *peerState) stopResend() {
	if ps.resend != nil {
		ps.resend.Stop()
		ps.resend = nil
	}
}

func (ps *peerState) pendingLen() int {
	n := 0
	for _, q := range ps.pending {
		n += len(q)
	}
	return n
}

// takePending 按优先级顺序取出全部暂存消息
func (ps *peerState) takePending() []*outMsg {
	out := make([]*outMsg, 0, ps.pendingLen())
	for i := range ps.pending {
		out = append(out, ps.pending[i]...)
		ps.pending[i] = nil
	}
	return out
}

// dialState 拨号地址的重试状态（只由事件循环访问）
type dialState struct {
	addr        string
	state       types.ConnectionState
	peer        types.PeerID
	attempts    int
	nextRetry   time.Time
	lastErr     error
	unreachable bool

	// closed 调用方显式关闭，不再自动重试
	closed bool

	timer   *clock.Timer
	waiters []chan dialOutcome
}

func (ds *dialState) stopTimer() {
	if ds.timer != nil {
		ds.timer.Stop()
		ds.timer = nil
	}
	ds.nextRetry = time.Time{}
}

// dialOutcome 一次拨号的结果
type dialOutcome struct {
	addr string
	peer types.PeerID
	err  error
}
