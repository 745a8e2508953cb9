package quic

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/multiformats/go-varint"
	"github.com/quic-go/quic-go"
	"go.uber.org/multierr"

	"github.com/dep2p/go-dsync/config"
	"github.com/dep2p/go-dsync/internal/core/transport/conns"
	"github.com/dep2p/go-dsync/pkg/interfaces"
	"github.com/dep2p/go-dsync/pkg/lib/log"
	"github.com/dep2p/go-dsync/pkg/types"
)

var logger = log.Logger("core/transport/quic")

var _ interfaces.Transport = (*Transport)(nil)

// peerConn 一条已认证的 QUIC 连接
type peerConn struct {
	conn     *quic.Conn
	peer     types.PeerID
	addr     string
	outbound bool

	mu  sync.Mutex
	out *quic.SendStream
}

// dialer 返回发起该连接的一方
func (pc *peerConn) dialer(local types.PeerID) types.PeerID {
	if pc.outbound {
		return local
	}
	return pc.peer
}

// Transport QUIC 传输
//
// 监听与拨号共用一个 quic.Transport（同一 UDP socket）。
// 每个对端只保留一条连接；双方同时拨号时保留 PeerID 较小一方发起的连接。
type Transport struct {
	id        interfaces.Identity
	local     types.PeerID
	cfg       config.TransportConfig
	serverTLS *tls.Config
	clientTLS *tls.Config
	qconf     *quic.Config

	inbound chan types.InboundFrame
	conns   *conns.Registry[*peerConn]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	udpConn  *net.UDPConn
	endpoint *quic.Transport
	listener *quic.Listener
	closed   bool
}

// New 创建 QUIC 传输
func New(id interfaces.Identity, cfg config.TransportConfig) (*Transport, error) {
	serverTLS, clientTLS, err := newTLSConfigs(id)
	if err != nil {
		return nil, err
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = config.DefaultTransportConfig().MaxFrameSize
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = config.DefaultTransportConfig().InboundBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		id:        id,
		local:     id.PeerID(),
		cfg:       cfg,
		serverTLS: serverTLS,
		clientTLS: clientTLS,
		qconf: &quic.Config{
			HandshakeIdleTimeout:  time.Duration(cfg.HandshakeTimeout),
			MaxIdleTimeout:        time.Duration(cfg.MaxIdleTimeout),
			KeepAlivePeriod:       time.Duration(cfg.KeepAlivePeriod),
			MaxIncomingStreams:    -1,
			MaxIncomingUniStreams: 1,
		},
		inbound: make(chan types.InboundFrame, cfg.InboundBuffer),
		conns:   conns.NewRegistry[*peerConn](),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// LocalPeer 返回本地节点 ID
func (t *Transport) LocalPeer() types.PeerID {
	return t.local
}

// ============================================================================
//                              监听与拨号
// ============================================================================

// Listen 在 UDP 地址上接受连接
func (t *Transport) Listen(_ context.Context, addr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return types.ErrClosed
	}
	if t.listener != nil {
		return conns.ErrAlreadyListening
	}
	if t.endpoint != nil {
		return fmt.Errorf("%w: listen after dial is not supported", types.ErrTransport)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", types.ErrTransport, addr, err)
	}
	if err := t.bindLocked(udpAddr); err != nil {
		return err
	}

	ln, err := t.endpoint.Listen(t.serverTLS, t.qconf)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %v", types.ErrTransport, addr, err)
	}
	t.listener = ln

	t.wg.Add(1)
	go t.acceptLoop(ln)
	logger.Info("QUIC 开始监听", "addr", t.udpConn.LocalAddr().String())
	return nil
}

// ListenAddr 返回实际监听地址（未监听时为空）
func (t *Transport) ListenAddr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.udpConn.LocalAddr().String()
}

// bindLocked 创建共享 UDP socket
func (t *Transport) bindLocked(addr *net.UDPAddr) error {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("%w: listen udp: %v", types.ErrTransport, err)
	}
	t.udpConn = conn
	t.endpoint = &quic.Transport{Conn: conn}
	return nil
}

func (t *Transport) getEndpoint() (*quic.Transport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, types.ErrClosed
	}
	if t.endpoint == nil {
		if err := t.bindLocked(&net.UDPAddr{Port: 0}); err != nil {
			return nil, err
		}
	}
	return t.endpoint, nil
}

// Dial 拨号并完成身份认证，返回对端 PeerID
func (t *Transport) Dial(ctx context.Context, addr string) (types.PeerID, error) {
	ep, err := t.getEndpoint()
	if err != nil {
		return types.EmptyPeerID, err
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return types.EmptyPeerID, fmt.Errorf("%w: resolve %s: %v", types.ErrTransport, addr, err)
	}

	conn, err := ep.Dial(ctx, udpAddr, t.clientTLS, t.qconf)
	if err != nil {
		if ctx.Err() != nil {
			return types.EmptyPeerID, fmt.Errorf("%w: dial %s: %w", types.ErrTransport, addr, ctx.Err())
		}
		return types.EmptyPeerID, fmt.Errorf("%w: dial %s: %v", types.ErrTransport, addr, err)
	}

	pc, err := t.setup(ctx, conn, addr, true)
	if err != nil {
		return types.EmptyPeerID, err
	}
	return pc.peer, nil
}

func (t *Transport) acceptLoop(ln *quic.Listener) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil {
				logger.Warn("QUIC 接受连接失败", "error", err)
			}
			return
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			ctx, cancel := context.WithTimeout(t.ctx, time.Duration(t.cfg.HandshakeTimeout))
			defer cancel()
			if _, err := t.setup(ctx, conn, conn.RemoteAddr().String(), false); err != nil {
				logger.Debug("入站连接建立失败", "remote", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

// setup 认证对端、打开出站流、登记连接并启动读循环
func (t *Transport) setup(ctx context.Context, conn *quic.Conn, addr string, outbound bool) (*peerConn, error) {
	peer, err := PeerFromConnState(conn.ConnectionState().TLS)
	if err != nil {
		_ = conn.CloseWithError(codeProtocol, "bad certificate")
		return nil, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	if peer == t.local {
		_ = conn.CloseWithError(codeProtocol, "self dial")
		return nil, conns.ErrSelfDial
	}

	out, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(codeProtocol, "open stream")
		return nil, fmt.Errorf("%w: open stream to %s: %v", types.ErrTransport, peer.ShortString(), err)
	}

	pc := &peerConn{conn: conn, peer: peer, addr: addr, outbound: outbound, out: out}
	kept, err := t.adopt(pc)
	if err != nil {
		_ = conn.CloseWithError(codeNormal, "shutdown")
		return nil, err
	}
	if kept != pc {
		_ = conn.CloseWithError(codeDuplicate, "duplicate")
		return kept, nil
	}

	t.wg.Add(1)
	go t.readLoop(pc)
	logger.Debug("QUIC 连接已建立", "peer", peer.ShortString(), "addr", addr, "outbound", outbound)
	return pc, nil
}

// adopt 登记连接；已有连接时保留较小 PeerID 一方发起的那条
func (t *Transport) adopt(pc *peerConn) (*peerConn, error) {
	for {
		existing, added := t.conns.Add(pc.peer, pc.addr, pc)
		if added {
			return pc, nil
		}
		if t.conns.Closed() {
			return nil, types.ErrClosed
		}
		if !pc.dialer(t.local).Less(existing.dialer(t.local)) {
			return existing, nil
		}
		if t.conns.Remove(pc.peer, existing, nil) {
			_ = existing.conn.CloseWithError(codeDuplicate, "duplicate")
		}
	}
}

// ============================================================================
//                              收发
// ============================================================================

func (t *Transport) readLoop(pc *peerConn) {
	defer t.wg.Done()

	rs, err := pc.conn.AcceptUniStream(t.ctx)
	if err != nil {
		t.drop(pc, err)
		return
	}
	r := bufio.NewReader(rs)
	max := uint64(t.cfg.MaxFrameSize)

	for {
		n, err := varint.ReadUvarint(r)
		if err != nil {
			t.drop(pc, err)
			return
		}
		if n > max {
			rs.CancelRead(quic.StreamErrorCode(codeProtocol))
			t.drop(pc, fmt.Errorf("%w: %d bytes from %s", conns.ErrFrameTooLarge, n, pc.peer.ShortString()))
			return
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			t.drop(pc, err)
			return
		}

		select {
		case t.inbound <- types.InboundFrame{From: pc.peer, Data: buf}:
		case <-t.ctx.Done():
			return
		}
	}
}

// Send 写入一帧；ctx 的截止时间作为写超时
func (t *Transport) Send(ctx context.Context, peer types.PeerID, data []byte) error {
	pc, ok := t.conns.Get(peer)
	if !ok {
		return conns.NotConnected(peer)
	}
	if len(data) > t.cfg.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", conns.ErrFrameTooLarge, len(data))
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: send to %s: %w", types.ErrTransport, peer.ShortString(), err)
	}

	frame := make([]byte, 0, varint.UvarintSize(uint64(len(data)))+len(data))
	frame = append(frame, varint.ToUvarint(uint64(len(data)))...)
	frame = append(frame, data...)

	pc.mu.Lock()
	deadline, _ := ctx.Deadline()
	_ = pc.out.SetWriteDeadline(deadline)
	_, err := pc.out.Write(frame)
	pc.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: send to %s: %w", types.ErrTransport, peer.ShortString(), ctx.Err())
		}
		t.drop(pc, err)
		return fmt.Errorf("%w: send to %s: %v", types.ErrTransport, peer.ShortString(), err)
	}
	return nil
}

// Broadcast 向所有已连接节点发送，返回合并后的错误
func (t *Transport) Broadcast(ctx context.Context, data []byte) error {
	var errs error
	for _, p := range t.conns.Peers() {
		errs = multierr.Append(errs, t.Send(ctx, p, data))
	}
	return errs
}

// ============================================================================
//                              关闭
// ============================================================================

// drop 连接出错时移除，cause 标明断开原因
func (t *Transport) drop(pc *peerConn, err error) {
	if t.ctx.Err() != nil {
		return
	}
	cause := classify(err)
	if t.conns.Remove(pc.peer, pc, cause) {
		logger.Debug("QUIC 连接断开", "peer", pc.peer.ShortString(), "error", err)
		_ = pc.conn.CloseWithError(codeProtocol, "read error")
	}
}

// classify 把 quic 错误映射到传输错误类别
func classify(err error) error {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.Remote {
		if appErr.ErrorCode == codeNormal {
			return conns.ErrRemoteClosed
		}
		return fmt.Errorf("%w: %v", conns.ErrRemoteClosed, appErr)
	}
	if errors.Is(err, conns.ErrFrameTooLarge) {
		return err
	}
	return fmt.Errorf("%w: %v", types.ErrTransport, err)
}

// ClosePeer 主动关闭与节点的连接
func (t *Transport) ClosePeer(_ context.Context, peer types.PeerID) error {
	pc, ok := t.conns.Get(peer)
	if !ok {
		return nil
	}
	if t.conns.Remove(peer, pc, nil) {
		return pc.conn.CloseWithError(codeNormal, "closed")
	}
	return nil
}

// Peers 返回已连接节点
func (t *Transport) Peers() []types.PeerID {
	return t.conns.Peers()
}

// Inbound 入站帧流
func (t *Transport) Inbound() <-chan types.InboundFrame {
	return t.inbound
}

// ConnectionEvents 连接事件流
func (t *Transport) ConnectionEvents() <-chan types.ConnectionEvent {
	return t.conns.Events()
}

// Close 关闭所有连接、监听器与 UDP socket
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ln, ep, udp := t.listener, t.endpoint, t.udpConn
	t.mu.Unlock()

	t.cancel()
	var errs error
	for _, pc := range t.conns.Close() {
		errs = multierr.Append(errs, pc.conn.CloseWithError(codeNormal, "shutdown"))
	}
	if ln != nil {
		errs = multierr.Append(errs, ln.Close())
	}
	if ep != nil {
		errs = multierr.Append(errs, ep.Close())
	}
	if udp != nil {
		if err := udp.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
	}
	t.wg.Wait()
	logger.Info("QUIC 传输已关闭", "peer", t.local.ShortString())
	return errs
}
