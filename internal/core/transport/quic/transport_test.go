package quic

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-dsync/config"
	"github.com/dep2p/go-dsync/internal/core/identity"
	"github.com/dep2p/go-dsync/internal/core/transport/conns"
	"github.com/dep2p/go-dsync/pkg/types"
)

func newTransport(t *testing.T, listen bool) (*Transport, *identity.Identity) {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)

	cfg := config.DefaultTransportConfig()
	cfg.MaxFrameSize = 1024
	tr, err := New(id, cfg)
	require.NoError(t, err)
	if listen {
		require.NoError(t, tr.Listen(context.Background(), "127.0.0.1:0"))
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr, id
}

func recvFrame(t *testing.T, tr *Transport) types.InboundFrame {
	t.Helper()
	select {
	case f := <-tr.Inbound():
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("等待入站帧超时")
		return types.InboundFrame{}
	}
}

func recvEvent(t *testing.T, tr *Transport, kind types.ConnectionEventKind) types.ConnectionEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-tr.ConnectionEvents():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("等待 %s 事件超时", kind)
			return types.ConnectionEvent{}
		}
	}
}

func TestTLS_PeerDerivedFromCertificate(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	server, client, err := newTLSConfigs(id)
	require.NoError(t, err)
	assert.Equal(t, []string{alpn}, server.NextProtos)
	assert.Equal(t, uint16(tls.VersionTLS13), server.MinVersion)
	assert.Equal(t, tls.RequireAnyClientCert, server.ClientAuth)
	assert.Equal(t, tls.NoClientCert, client.ClientAuth)

	raw := server.Certificates[0].Certificate
	require.NoError(t, verifyPeerCertificate(raw, nil))

	cert, err := x509.ParseCertificate(raw[0])
	require.NoError(t, err)
	peer, err := PeerFromConnState(tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}})
	require.NoError(t, err)
	assert.Equal(t, id.PeerID(), peer)

	assert.ErrorIs(t, verifyPeerCertificate(nil, nil), ErrNoCertificate)
	_, err = PeerFromConnState(tls.ConnectionState{})
	assert.ErrorIs(t, err, ErrNoCertificate)

	_, _, err = newTLSConfigs(nil)
	assert.Error(t, err)
}

func TestTransport_DialAndExchange(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server, serverID := newTransport(t, true)
	client, clientID := newTransport(t, false)

	peer, err := client.Dial(ctx, server.ListenAddr())
	require.NoError(t, err)
	assert.Equal(t, serverID.PeerID(), peer)

	ev := recvEvent(t, server, types.PeerConnected)
	assert.Equal(t, clientID.PeerID(), ev.Peer)
	recvEvent(t, client, types.PeerConnected)

	require.NoError(t, client.Send(ctx, peer, []byte("ping")))
	f := recvFrame(t, server)
	assert.Equal(t, clientID.PeerID(), f.From)
	assert.Equal(t, []byte("ping"), f.Data)

	require.NoError(t, server.Broadcast(ctx, []byte("pong")))
	f = recvFrame(t, client)
	assert.Equal(t, serverID.PeerID(), f.From)
	assert.Equal(t, []byte("pong"), f.Data)

	assert.Equal(t, []types.PeerID{peer}, client.Peers())
}

func TestTransport_FrameLimits(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server, _ := newTransport(t, true)
	client, _ := newTransport(t, false)

	peer, err := client.Dial(ctx, server.ListenAddr())
	require.NoError(t, err)

	err = client.Send(ctx, peer, make([]byte, 2048))
	assert.ErrorIs(t, err, conns.ErrFrameTooLarge)

	err = client.Send(ctx, "unknown", []byte("x"))
	assert.ErrorIs(t, err, types.ErrNotConnected)
}

func TestTransport_ClosePeer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server, _ := newTransport(t, true)
	client, clientID := newTransport(t, false)

	peer, err := client.Dial(ctx, server.ListenAddr())
	require.NoError(t, err)
	recvEvent(t, server, types.PeerConnected)

	// 对端只有在收到第一帧后才会接受出站流
	require.NoError(t, client.Send(ctx, peer, []byte("hello")))
	recvFrame(t, server)

	require.NoError(t, client.ClosePeer(ctx, peer))
	ev := recvEvent(t, client, types.PeerDisconnected)
	assert.NoError(t, ev.Err)

	ev = recvEvent(t, server, types.PeerDisconnected)
	assert.Equal(t, clientID.PeerID(), ev.Peer)
	assert.ErrorIs(t, ev.Err, conns.ErrRemoteClosed)
}

func TestTransport_SelfDialAndClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server, _ := newTransport(t, true)
	_, err := server.Dial(ctx, server.ListenAddr())
	assert.Error(t, err)

	assert.ErrorIs(t, server.Listen(ctx, "127.0.0.1:0"), conns.ErrAlreadyListening)

	require.NoError(t, server.Close())
	require.NoError(t, server.Close())
	_, err = server.Dial(ctx, "127.0.0.1:1")
	assert.ErrorIs(t, err, types.ErrClosed)
}
