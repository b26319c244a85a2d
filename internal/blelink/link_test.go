package blelink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncore/hqvgw/internal/bledevice"
	"github.com/syncore/hqvgw/internal/session"
)

var (
	testWriteUUID = ble.MustParse("98bd0002-0b0e-421a-84e5-ddbf75dc6de4")
	testReadUUID  = ble.MustParse("98bd0003-0b0e-421a-84e5-ddbf75dc6de4")
)

type fakeClient struct {
	mu           sync.Mutex
	profile      *ble.Profile
	disconnected chan struct{}
	cancelErr    error
	canceled     chan struct{}
	writes       [][]byte
}

func newFakeClient() *fakeClient {
	writeChar := &ble.Characteristic{UUID: testWriteUUID, Property: ble.CharWriteNR}
	readChar := &ble.Characteristic{UUID: testReadUUID, Property: ble.CharNotify}
	return &fakeClient{
		profile: &ble.Profile{Services: []*ble.Service{{
			UUID:            ble.MustParse("6E400001-B5A3-F393-E0A9-E50E24DCCA9E"),
			Characteristics: []*ble.Characteristic{writeChar, readChar},
		}}},
		disconnected: make(chan struct{}),
		canceled:     make(chan struct{}, 1),
	}
}

func (f *fakeClient) Addr() ble.Addr { return ble.NewAddr("AA:BB:CC:DD:EE:FF") }
func (f *fakeClient) DiscoverProfile(force bool) (*ble.Profile, error) { return f.profile, nil }
func (f *fakeClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	return nil
}
func (f *fakeClient) Unsubscribe(c *ble.Characteristic, ind bool) error { return nil }
func (f *fakeClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), value...))
	return nil
}
func (f *fakeClient) CancelConnection() error {
	select {
	case f.canceled <- struct{}{}:
	default:
	}
	return f.cancelErr
}
func (f *fakeClient) Disconnected() <-chan struct{} { return f.disconnected }

func (f *fakeClient) Writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

func withStubbedDial(t *testing.T, client bledevice.GattClient, dialErr error) {
	t.Helper()
	origDial, origScan := bledevice.Dial, bledevice.ScanByAddress
	bledevice.Dial = func(ctx context.Context, addr string) (bledevice.GattClient, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		return client, nil
	}
	bledevice.ScanByAddress = func(ctx context.Context, addr string, d time.Duration) error {
		return nil
	}
	t.Cleanup(func() {
		bledevice.Dial = origDial
		bledevice.ScanByAddress = origScan
	})
}

func testOptions() *Options {
	opts := DefaultOptions("AA:BB:CC:DD:EE:FF")
	opts.ScanTimeout = time.Millisecond
	opts.ConnectBackoff = time.Millisecond
	opts.ReconnectBackoff = time.Millisecond
	opts.ReconnectScanTimeout = time.Millisecond
	opts.ReconnectConnectTimeout = time.Millisecond
	opts.DisconnectWatchdog = 50 * time.Millisecond
	opts.Timeout = time.Second
	opts.WriteUUID = testWriteUUID
	opts.ReadUUID = testReadUUID
	return opts
}

func TestStart_Success(t *testing.T) {
	client := newFakeClient()
	withStubbedDial(t, client, nil)

	var statuses []session.StatusCode
	var mu sync.Mutex
	link := New(testOptions(), func([]byte) {}, func(s session.StatusCode) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	}, func() {}, func() bool { return true }, nil)

	err := link.Start(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, statuses, session.Connected)
}

func TestStart_ScanExhausted(t *testing.T) {
	origScan := bledevice.ScanByAddress
	bledevice.ScanByAddress = func(ctx context.Context, addr string, d time.Duration) error {
		return errors.New("not found")
	}
	t.Cleanup(func() { bledevice.ScanByAddress = origScan })

	var status session.StatusCode
	opts := testOptions()
	opts.ScanRetries = 2
	link := New(opts, func([]byte) {}, func(s session.StatusCode) { status = s }, func() {}, func() bool { return true }, nil)

	err := link.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.Equal(t, session.Error, status)
}

func TestStart_ConnectExhausted(t *testing.T) {
	withStubbedDial(t, nil, errors.New("connect refused"))

	opts := testOptions()
	opts.ConnectRetries = 2
	var status session.StatusCode
	link := New(opts, func([]byte) {}, func(s session.StatusCode) { status = s }, func() {}, func() bool { return true }, nil)

	err := link.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.Equal(t, session.Error, status)
}

func TestQueueWrite_ReachesClient(t *testing.T) {
	client := newFakeClient()
	withStubbedDial(t, client, nil)

	link := New(testOptions(), func([]byte) {}, func(session.StatusCode) {}, func() {}, func() bool { return true }, nil)
	require.NoError(t, link.Start(context.Background()))

	link.QueueWrite([]byte{0xAA, 0xBB})

	require.Eventually(t, func() bool {
		return len(client.Writes()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte{0xAA, 0xBB}, client.Writes()[0])
}

func TestStop_GracefulDisconnect(t *testing.T) {
	client := newFakeClient()
	withStubbedDial(t, client, nil)

	var statuses []session.StatusCode
	var mu sync.Mutex
	link := New(testOptions(), func([]byte) {}, func(s session.StatusCode) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	}, func() {}, func() bool { return true }, nil)
	require.NoError(t, link.Start(context.Background()))

	link.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, statuses, session.GracefullyDisconnected)
}

func TestStop_IsIdempotent(t *testing.T) {
	client := newFakeClient()
	withStubbedDial(t, client, nil)

	link := New(testOptions(), func([]byte) {}, func(session.StatusCode) {}, func() {}, func() bool { return true }, nil)
	require.NoError(t, link.Start(context.Background()))

	link.Stop()
	link.Stop() // must not panic or double-send on writeQueue/fatalErr
}

func TestUnsolicitedDisconnect_NoAutoReconnect(t *testing.T) {
	client := newFakeClient()
	withStubbedDial(t, client, nil)

	opts := testOptions()
	opts.AutoReconnect = false

	cleared := make(chan struct{}, 1)
	var status session.StatusCode
	var mu sync.Mutex
	link := New(opts, func([]byte) {}, func(s session.StatusCode) {
		mu.Lock()
		status = s
		mu.Unlock()
	}, func() {
		select {
		case cleared <- struct{}{}:
		default:
		}
	}, func() bool { return false }, nil)

	require.NoError(t, link.Start(context.Background()))
	close(client.disconnected)

	select {
	case err := <-link.FatalErr():
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected FatalErr to fire")
	}

	select {
	case <-cleared:
	case <-time.After(time.Second):
		t.Fatal("expected onClearDeviceData to be called")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, session.ConnectionLostLeshanError, status)
}

func TestUnsolicitedDisconnect_WithAutoReconnectSucceeds(t *testing.T) {
	client := newFakeClient()

	// Each Dial call returns a fresh client with its own open Disconnected
	// channel, matching a real reconnect (a new BLE connection object),
	// so the reconnected link does not immediately re-observe the first
	// client's already-closed channel.
	origDial, origScan := bledevice.Dial, bledevice.ScanByAddress
	var dialCount atomic.Int32
	bledevice.Dial = func(ctx context.Context, addr string) (bledevice.GattClient, error) {
		if dialCount.Add(1) == 1 {
			return client, nil
		}
		return newFakeClient(), nil
	}
	bledevice.ScanByAddress = func(ctx context.Context, addr string, d time.Duration) error { return nil }
	t.Cleanup(func() {
		bledevice.Dial = origDial
		bledevice.ScanByAddress = origScan
	})

	opts := testOptions()
	opts.AutoReconnect = true
	opts.ReconnectRetries = 3

	var statuses []session.StatusCode
	var mu sync.Mutex
	link := New(opts, func([]byte) {}, func(s session.StatusCode) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	}, func() {}, func() bool { return true }, nil)

	require.NoError(t, link.Start(context.Background()))
	close(client.disconnected)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		count := 0
		for _, s := range statuses {
			if s == session.Connected {
				count++
			}
		}
		return count >= 2
	}, time.Second, 5*time.Millisecond, "expected a second Connected status after reconnect")
}
