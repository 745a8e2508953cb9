package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/dep2p/go-dsync/config"
	"github.com/dep2p/go-dsync/internal/core/identity"
	"github.com/dep2p/go-dsync/internal/core/transport/memory"
	"github.com/dep2p/go-dsync/internal/core/transport/quic"
	"github.com/dep2p/go-dsync/pkg/interfaces"
)

func TestNew_Kinds(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	cfg := config.DefaultTransportConfig()
	tr, err := New(cfg, id, nil)
	require.NoError(t, err)
	assert.IsType(t, &quic.Transport{}, tr)
	require.NoError(t, tr.Close())

	cfg.Kind = config.TransportMemory
	tr, err = New(cfg, id, nil)
	require.NoError(t, err)
	assert.IsType(t, &memory.Transport{}, tr)
	assert.Equal(t, id.PeerID(), tr.LocalPeer())
	require.NoError(t, tr.Close())

	cfg.Kind = "carrier-pigeon"
	_, err = New(cfg, id, nil)
	assert.Error(t, err)
}

func TestModule_MemoryListens(t *testing.T) {
	hub := memory.NewHub()
	cfg := config.NewMemoryConfig()
	cfg.Transport.ListenAddr = "node-a"

	id, err := identity.Generate()
	require.NoError(t, err)

	var tr interfaces.Transport
	app := fxtest.New(t,
		fx.Supply(cfg, hub),
		fx.Provide(func() interfaces.Identity { return id }),
		Module(),
		fx.Populate(&tr),
	)
	app.RequireStart()

	other, err := identity.Generate()
	require.NoError(t, err)
	dialer := memory.New(hub, other.PeerID(), 1)
	defer dialer.Close()

	peer, err := dialer.Dial(context.Background(), "node-a")
	require.NoError(t, err)
	assert.Equal(t, id.PeerID(), peer)

	app.RequireStop()
	_, err = dialer.Dial(context.Background(), "node-a")
	assert.Error(t, err, "停止后地址已注销")
}
