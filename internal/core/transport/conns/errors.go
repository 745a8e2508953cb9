package conns

import (
	"errors"
	"fmt"

	"github.com/dep2p/go-dsync/pkg/types"
)

// 传输实现共用的错误，均包装 types.ErrTransport
var (
	// ErrNoListener 地址上没有监听者
	ErrNoListener = fmt.Errorf("%w: no listener at address", types.ErrTransport)

	// ErrSelfDial 拨号到自身
	ErrSelfDial = fmt.Errorf("%w: dial to self", types.ErrTransport)

	// ErrAlreadyListening 已在监听
	ErrAlreadyListening = errors.New("transport: already listening")

	// ErrFrameTooLarge 帧超过上限
	ErrFrameTooLarge = fmt.Errorf("%w: frame too large", types.ErrTransport)

	// ErrRemoteClosed 对端关闭了连接
	ErrRemoteClosed = fmt.Errorf("%w: closed by remote", types.ErrTransport)
)

// NotConnected 返回包装了 types.ErrNotConnected 的错误
func NotConnected(peer types.PeerID) error {
	return fmt.Errorf("%w: %w: %s", types.ErrTransport, types.ErrNotConnected, peer.ShortString())
}
