package control

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/syncore/hqvgw/internal/bledevice"
	"github.com/syncore/hqvgw/internal/ctrlframe"
	"github.com/syncore/hqvgw/internal/leshan"
	"github.com/syncore/hqvgw/internal/session"
	"github.com/syncore/hqvgw/internal/store"
	"github.com/syncore/hqvgw/pkg/config"
)

func newTestServer(t *testing.T) (*Server, *session.State) {
	t.Helper()

	dir := t.TempDir()
	aliasStore, err := store.Open(filepath.Join(dir, "aliases.json"))
	require.NoError(t, err)
	pskStore, err := store.Open(filepath.Join(dir, "psks.json"))
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.ControlPort = 0

	state := session.NewState()
	srv := New(Deps{
		Config:     cfg,
		State:      state,
		AliasStore: aliasStore,
		PSKStore:   pskStore,
		Leshan:     leshan.NewClient("http://127.0.0.1:0"),
	})
	return srv, state
}

func dialAndRoundtrip(t *testing.T, addr net.Addr, command []byte) []byte {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(ctrlframe.Encode(command))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	require.NoError(t, err)

	decoder := ctrlframe.NewDecoder()
	frames := decoder.Feed(buf[:n])
	require.Len(t, frames, 1)
	return frames[0]
}

func TestServer_AttachClient_ReturnsSessionUUID(t *testing.T) {
	srv, state := newTestServer(t)
	require.NoError(t, srv.Start(t.Context()))
	defer srv.Stop()

	resp := dialAndRoundtrip(t, srv.Addr(), []byte{byte(OpAttachClient)})
	require.Equal(t, byte(kindACK), resp[0])
	require.Equal(t, byte(OpAttachClient), resp[1])
	require.Equal(t, state.Snapshot().SessionUUID, string(resp[2:]))
}

func TestServer_DetachClient_NacksWhenNotAttached(t *testing.T) {
	srv, _ := newTestServer(t)
	require.NoError(t, srv.Start(t.Context()))
	defer srv.Stop()

	resp := dialAndRoundtrip(t, srv.Addr(), []byte{byte(OpDetachClient)})
	require.Equal(t, []byte{kindNACK, byte(OpDetachClient)}, resp)
}

func TestServer_GetStatusCode_ReportsInitial(t *testing.T) {
	srv, _ := newTestServer(t)
	require.NoError(t, srv.Start(t.Context()))
	defer srv.Stop()

	resp := dialAndRoundtrip(t, srv.Addr(), []byte{byte(OpGetStatusCode)})
	require.Equal(t, []byte{kindACK, byte(OpGetStatusCode), byte(session.Initial)}, resp)
}

func TestServer_SetAlias_NacksWithoutConnectedDevice(t *testing.T) {
	srv, _ := newTestServer(t)
	require.NoError(t, srv.Start(t.Context()))
	defer srv.Stop()

	resp := dialAndRoundtrip(t, srv.Addr(), append([]byte{byte(OpSetAlias)}, []byte("myalias")...))
	require.Equal(t, []byte{kindNACK, byte(OpSetAlias)}, resp)
}

func TestServer_UnknownOpcode_ReturnsPreconditionError(t *testing.T) {
	srv, _ := newTestServer(t)
	require.NoError(t, srv.Start(t.Context()))
	defer srv.Stop()

	resp := dialAndRoundtrip(t, srv.Addr(), []byte{0x7F})
	require.Equal(t, []byte{kindERROR, 0x7F, ErrPrecondition}, resp)
}

func TestServer_StartGateway_MissingScanErrorsPrecondition(t *testing.T) {
	origScan := bledevice.ScanHapp
	bledevice.ScanHapp = func(ctx context.Context, d time.Duration) ([]bledevice.HappResult, error) {
		return nil, nil
	}
	t.Cleanup(func() { bledevice.ScanHapp = origScan })

	srv, _ := newTestServer(t)
	srv.cfg.ScanTimeout = time.Millisecond
	require.NoError(t, srv.Start(t.Context()))
	defer srv.Stop()

	body := append([]byte{byte(OpStartGateway)}, []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 10}...)
	resp := dialAndRoundtrip(t, srv.Addr(), body)
	require.Equal(t, []byte{kindERROR, byte(OpStartGateway), ErrPrecondition}, resp)
}
