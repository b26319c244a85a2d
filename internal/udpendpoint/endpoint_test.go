package udpendpoint

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartStop_Lifecycle(t *testing.T) {
	e := New(&Options{LocalAddr: "127.0.0.1:0", DestAddr: "127.0.0.1:0", SendRetries: 3}, func([]byte) {}, nil)

	require.NoError(t, e.Start())
	assert.True(t, e.IsRunning())

	require.NoError(t, e.Stop())
	assert.False(t, e.IsRunning())
}

func TestStart_AlreadyRunning(t *testing.T) {
	e := New(&Options{LocalAddr: "127.0.0.1:0", DestAddr: "127.0.0.1:0", SendRetries: 3}, func([]byte) {}, nil)
	require.NoError(t, e.Start())
	defer e.Stop()

	assert.Error(t, e.Start())
}

func TestStop_WhenNotRunning(t *testing.T) {
	e := New(&Options{LocalAddr: "127.0.0.1:0", DestAddr: "127.0.0.1:0", SendRetries: 3}, func([]byte) {}, nil)
	assert.Error(t, e.Stop())
}

func TestSend_WhenNotRunning(t *testing.T) {
	e := New(&Options{LocalAddr: "127.0.0.1:0", DestAddr: "127.0.0.1:0", SendRetries: 3}, func([]byte) {}, nil)
	assert.Error(t, e.Send([]byte("hi")))
}

func TestSendAndReceive_RoundTrip(t *testing.T) {
	var mu sync.Mutex
	var received [][]byte

	// Peer endpoint receives whatever the sender sends.
	peer := New(&Options{LocalAddr: "127.0.0.1:0", DestAddr: "127.0.0.1:0", SendRetries: 3}, func(data []byte) {
		mu.Lock()
		received = append(received, data)
		mu.Unlock()
	}, nil)
	require.NoError(t, peer.Start())
	defer peer.Stop()

	peerAddr := peer.LocalAddrForTest()

	sender := New(&Options{LocalAddr: "127.0.0.1:0", DestAddr: peerAddr, SendRetries: 3}, func([]byte) {}, nil)
	require.NoError(t, sender.Start())
	defer sender.Stop()

	require.NoError(t, sender.Send([]byte("hello")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []byte("hello"), received[0])
}

// LocalAddrForTest exposes the bound local address so tests can target a
// dynamically assigned port.
func (e *Endpoint) LocalAddrForTest() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.conn == nil {
		return ""
	}
	return e.conn.LocalAddr().(*net.UDPAddr).String()
}
