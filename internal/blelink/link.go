// Package blelink implements BleLink (spec.md §4.3): the session over one
// BLE peripheral, with scan/connect retries, a write queue drained by a
// dedicated send loop, and unsolicited-disconnect reconnect handling.
//
// Grounded on Gateway/ble_interface.py's BLE_interface.start/do_reconnect
// retry and back-off constants, and on the teacher's
// pkg/connection/connection.go / pkg/ble/scanner.go construction idiom.
package blelink

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/syncore/hqvgw/internal/bledevice"
	"github.com/syncore/hqvgw/internal/groutine"
	"github.com/syncore/hqvgw/internal/session"
)

// Link owns one connection to one peripheral (spec.md §4.3).
type Link struct {
	opts   *Options
	logger *logrus.Logger

	// notifySink receives every raw notification fragment delivered by the
	// peripheral (spec.md §4.3 set_notify_sink).
	notifySink func([]byte)
	// onStatus reports status transitions to the owning collaborator
	// (GatewaySession / SessionState).
	onStatus func(session.StatusCode)
	// onClearDeviceData is invoked whenever an unsolicited disconnect is
	// handled, mirroring webserver.py's clearDeviceData() call site.
	onClearDeviceData func()
	// leshanOnline reports whether the device is currently registered with
	// Leshan, deciding between ConnectionLost and
	// ConnectionLostLeshanError on an unsolicited disconnect.
	leshanOnline func() bool

	mu        sync.Mutex
	client    bledevice.GattClient
	writeChar *ble.Characteristic
	readChar  *ble.Characteristic

	writeQueue chan []byte
	fatalErr   chan error

	requestedDisconnect atomic.Bool
	reconnecting        atomic.Bool
	stopOnce            sync.Once
	platformEscape      chan struct{}
}

// New creates a Link. notifySink, onStatus, onClearDeviceData and
// leshanOnline must all be non-nil.
func New(opts *Options, notifySink func([]byte), onStatus func(session.StatusCode), onClearDeviceData func(), leshanOnline func() bool, logger *logrus.Logger) *Link {
	if logger == nil {
		logger = logrus.New()
	}
	return &Link{
		opts:              opts,
		logger:            logger,
		notifySink:        notifySink,
		onStatus:          onStatus,
		onClearDeviceData: onClearDeviceData,
		leshanOnline:      leshanOnline,
		writeQueue:        make(chan []byte, 64),
		fatalErr:          make(chan error, 1),
		platformEscape:    make(chan struct{}, 1),
	}
}

// FatalErr reports a terminal Link failure: scan/connect exhaustion, or
// reconnect exhaustion after an unsolicited disconnect. GatewaySession
// selects on it to shut the session down.
func (l *Link) FatalErr() <-chan error {
	return l.fatalErr
}

// TriggerPlatformEscape lets a caller unblock the disconnect watchdog early
// when the underlying BLE stack is known to have hung (spec.md §9
// "Platform-specific escape").
func (l *Link) TriggerPlatformEscape() {
	select {
	case l.platformEscape <- struct{}{}:
	default:
	}
}

// Start scans for the target address, connects, resolves characteristics
// and subscribes to notifications. It returns once the link is either
// ready or definitively failed (spec.md §4.3).
func (l *Link) Start(ctx context.Context) error {
	if err := l.scanWithRetries(ctx, l.opts.ScanRetries, l.opts.ScanTimeout); err != nil {
		l.onStatus(session.Error)
		return err
	}

	client, err := l.connectWithRetries(ctx, l.opts.ConnectRetries, l.opts.ConnectBackoff)
	if err != nil {
		l.onStatus(session.Error)
		return err
	}

	if err := l.adopt(client); err != nil {
		_ = client.CancelConnection()
		l.onStatus(session.Error)
		return err
	}

	l.onStatus(session.Connected)
	groutine.Go(ctx, "blelink-send-loop", l.sendLoop)
	groutine.Go(context.Background(), "blelink-disconnect-monitor", l.monitorDisconnect)
	return nil
}

func (l *Link) scanWithRetries(ctx context.Context, retries int, timeout time.Duration) error {
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		l.logger.WithFields(logrus.Fields{"attempt": attempt, "addr": l.opts.Addr}).Info("scanning for device")
		lastErr = bledevice.ScanByAddress(ctx, l.opts.Addr, timeout)
		if lastErr == nil {
			return nil
		}
		l.logger.WithFields(logrus.Fields{"attempt": attempt, "error": lastErr}).Warn("scan attempt failed")
	}
	return fmt.Errorf("%w: %s: %v", ErrDeviceNotFound, l.opts.Addr, lastErr)
}

func (l *Link) connectWithRetries(ctx context.Context, retries int, backoff time.Duration) (bledevice.GattClient, error) {
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		connectCtx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
		client, err := bledevice.Dial(connectCtx, l.opts.Addr)
		cancel()
		if err == nil {
			return client, nil
		}
		lastErr = err
		l.logger.WithFields(logrus.Fields{"attempt": attempt, "error": err}).Warn("connect attempt failed")
		if attempt < retries {
			time.Sleep(backoff)
		}
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrConnectFailed, l.opts.Addr, lastErr)
}

// adopt resolves characteristics and subscribes on a freshly dialed client,
// installing it as the active client.
func (l *Link) adopt(client bledevice.GattClient) error {
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		return fmt.Errorf("blelink: discover profile: %w", err)
	}

	writeChar, readChar, err := bledevice.ResolveCharacteristics(profile, l.opts.WriteUUID, l.opts.ReadUUID)
	if err != nil {
		return err
	}

	if err := client.Subscribe(readChar, false, l.handleNotify); err != nil {
		return fmt.Errorf("blelink: subscribe: %w", err)
	}

	l.mu.Lock()
	l.client = client
	l.writeChar = writeChar
	l.readChar = readChar
	l.mu.Unlock()
	return nil
}

func (l *Link) handleNotify(data []byte) {
	l.notifySink(data)
}

// QueueWrite enqueues a full fragment for the send loop, FIFO.
func (l *Link) QueueWrite(data []byte) {
	l.writeQueue <- data
}

// sendLoop drains the write queue; a nil slice is the shutdown sentinel
// (spec.md §4.3 "A None sentinel terminates the loop").
func (l *Link) sendLoop(ctx context.Context) {
	for data := range l.writeQueue {
		if data == nil {
			l.logger.Debug("blelink send loop: shutdown sentinel received")
			return
		}
		l.mu.Lock()
		client, writeChar := l.client, l.writeChar
		l.mu.Unlock()
		if client == nil || writeChar == nil {
			continue
		}
		if err := client.WriteCharacteristic(writeChar, data, true); err != nil {
			l.logger.WithError(err).Warn("blelink: write failed")
		}
	}
}

// monitorDisconnect watches the active client's Disconnected() channel and
// reacts to an unsolicited disconnect per spec.md §4.3.
func (l *Link) monitorDisconnect(ctx context.Context) {
	l.mu.Lock()
	client := l.client
	l.mu.Unlock()
	if client == nil {
		return
	}

	select {
	case <-client.Disconnected():
	case <-ctx.Done():
		return
	}

	if l.requestedDisconnect.Load() || l.reconnecting.Load() {
		return
	}

	l.logger.Warn("unsolicited BLE disconnect")
	if l.leshanOnline != nil && !l.leshanOnline() {
		l.onStatus(session.ConnectionLostLeshanError)
	} else {
		l.onStatus(session.ConnectionLost)
	}
	l.onClearDeviceData()

	if l.opts.AutoReconnect {
		l.reconnecting.Store(true)
		groutine.Go(context.Background(), "blelink-reconnect", l.reconnectLoop)
		return
	}

	l.fatalErr <- fmt.Errorf("blelink: %s disconnected, auto-reconnect disabled", l.opts.Addr)
}

// reconnectLoop implements Gateway/ble_interface.py's do_reconnect: up to
// ReconnectRetries attempts, each a fresh scan + connect, with a fixed
// back-off between attempts.
func (l *Link) reconnectLoop(ctx context.Context) {
	defer l.reconnecting.Store(false)

	for attempt := 1; attempt <= l.opts.ReconnectRetries; attempt++ {
		if l.requestedDisconnect.Load() {
			return
		}

		l.logger.WithField("attempt", attempt).Info("reconnect attempt")
		if err := bledevice.ScanByAddress(ctx, l.opts.Addr, l.opts.ReconnectScanTimeout); err != nil {
			l.logger.WithError(err).Warn("reconnect scan failed")
			time.Sleep(l.opts.ReconnectBackoff)
			continue
		}

		connectCtx, cancel := context.WithTimeout(ctx, l.opts.ReconnectConnectTimeout)
		client, err := bledevice.Dial(connectCtx, l.opts.Addr)
		cancel()
		if err != nil {
			l.logger.WithError(err).Warn("reconnect connect failed")
			time.Sleep(l.opts.ReconnectBackoff)
			continue
		}

		if err := l.adopt(client); err != nil {
			l.logger.WithError(err).Warn("reconnect adopt failed")
			_ = client.CancelConnection()
			time.Sleep(l.opts.ReconnectBackoff)
			continue
		}

		l.onStatus(session.Connected)
		groutine.Go(context.Background(), "blelink-disconnect-monitor", l.monitorDisconnect)
		l.logger.Info("auto reconnect succeeded")
		return
	}

	l.logger.Warn("auto reconnect failed after all attempts")
	l.onStatus(session.Error)
	l.fatalErr <- fmt.Errorf("blelink: %w: reconnect exhausted for %s", ErrConnectFailed, l.opts.Addr)
}

// Stop requests graceful shutdown; idempotent. Disconnect races against a
// bounded watchdog (spec.md §4.3, §9 "Platform-specific escape").
func (l *Link) Stop() {
	l.stopOnce.Do(func() {
		l.requestedDisconnect.Store(true)

		l.mu.Lock()
		client, readChar := l.client, l.readChar
		l.mu.Unlock()

		if client != nil && readChar != nil {
			if err := client.Unsubscribe(readChar, false); err != nil {
				l.logger.WithError(err).Debug("blelink: unsubscribe failed")
			}
		}

		select {
		case l.writeQueue <- nil:
		default:
		}

		if client == nil {
			return
		}

		done := make(chan error, 1)
		go func() { done <- client.CancelConnection() }()

		select {
		case err := <-done:
			if err != nil {
				l.logger.WithError(err).Warn("blelink: CancelConnection failed")
			}
			l.onStatus(session.GracefullyDisconnected)
		case <-time.After(l.opts.DisconnectWatchdog):
			l.logger.Warn("blelink: disconnect watchdog fired before CancelConnection returned")
			l.onStatus(session.Disconnected)
		case <-l.platformEscape:
			l.logger.Warn("blelink: platform escape fired, treating as disconnected")
			l.onStatus(session.Disconnected)
		}
	})
}
