// Package gatewaysession implements GatewaySession (spec.md §4.5): wires
// BleLink, HqvCodec and UdpEndpoint together for the lifetime of one live
// gateway. At most one GatewaySession is live at a time, exclusively owned
// by ControlServer (spec.md §3 "Ownership").
//
// Grounded on Gateway/gateway.py's Main._run orchestration, translated from
// asyncio.gather of three loops to explicit goroutines named via
// internal/groutine, cancelled by a single context.Context per spec.md §5.
package gatewaysession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/syncore/hqvgw/internal/blelink"
	"github.com/syncore/hqvgw/internal/groutine"
	"github.com/syncore/hqvgw/internal/hqvframe"
	"github.com/syncore/hqvgw/internal/session"
	"github.com/syncore/hqvgw/internal/udpendpoint"
)

// outboundHeader is the fixed header value used for every UDP→BLE datagram
// (spec.md §4.5: "UDP→BLE is always sent with header = 3").
const outboundHeader uint8 = 3

// inboundForwardHeader is the only header value whose assembled payload is
// forwarded on to UDP (spec.md §4.5).
const inboundForwardHeader uint8 = 3

// shutdownPollInterval matches spec.md §4.5's "polls the shutdown event
// every 500 ms".
const shutdownPollInterval = 500 * time.Millisecond

// Config carries everything GatewaySession needs to configure its BleLink
// and UdpEndpoint collaborators (spec.md §4.5 "Configure").
type Config struct {
	BleOptions *blelink.Options
	UdpOptions *udpendpoint.Options
	HqvOptions *hqvframe.Options
}

// Session wires C1 (HqvCodec), C3 (BleLink) and C4 (UdpEndpoint).
type Session struct {
	cfg    *Config
	logger *logrus.Logger

	state             *session.State
	leshanOnline      func() bool
	onClearDeviceData func()

	codec *hqvframe.Codec
	link  *blelink.Link
	udp   *udpendpoint.Endpoint

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a Session. state, leshanOnline and onClearDeviceData wire
// into the process-wide collaborators per spec.md §3's ownership rules.
func New(cfg *Config, state *session.State, leshanOnline func() bool, onClearDeviceData func(), logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	return &Session{
		cfg:               cfg,
		logger:            logger,
		state:             state,
		leshanOnline:      leshanOnline,
		onClearDeviceData: onClearDeviceData,
	}
}

// Start implements spec.md §4.5's Start/Run: create the collaborators,
// install the cross-wiring, start BLE, and launch the shutdown monitor,
// which tears the session down on Shutdown (ctx cancellation) or a fatal
// BleLink error. A UDP receive error ends the endpoint's receive loop but
// does not shut the session down.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("gatewaysession: already running")
	}
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)

	s.codec = hqvframe.NewCodec(s.cfg.HqvOptions)
	s.udp = udpendpoint.New(s.cfg.UdpOptions, s.handleUDPRecv, s.logger)
	s.link = blelink.New(s.cfg.BleOptions, s.handleBLENotify, s.setStatus, s.onClearDeviceData, s.leshanOnline, s.logger)

	if err := s.udp.Start(); err != nil {
		cancel()
		s.state.SetStatus(session.Error)
		return fmt.Errorf("gatewaysession: starting udp endpoint: %w", err)
	}

	if err := s.link.Start(runCtx); err != nil {
		_ = s.udp.Stop()
		cancel()
		s.state.SetStatus(session.Error)
		return fmt.Errorf("gatewaysession: starting ble link: %w", err)
	}

	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.mu.Unlock()

	s.state.SetGatewayRunning(true)
	groutine.Go(runCtx, "gatewaysession-shutdown-monitor", s.shutdownMonitor)
	return nil
}

func (s *Session) setStatus(status session.StatusCode) {
	s.state.SetStatus(status)
}

// handleBLENotify is BleLink's notify_sink: assemble fragments into
// datagrams and forward accepted ones to UDP (spec.md §4.5).
func (s *Session) handleBLENotify(fragment []byte) {
	frames := s.codec.Ingest(fragment)
	for _, f := range frames {
		if f.Header != inboundForwardHeader {
			s.logger.WithField("header", f.Header).Debug("gatewaysession: dropping non-forwarded frame")
			continue
		}
		if err := s.udp.Send(f.Payload); err != nil {
			s.logger.WithError(err).Warn("gatewaysession: udp send failed")
		}
	}
}

// handleUDPRecv is UdpEndpoint's on_recv: wrap(header=3) and write every
// resulting fragment to BLE (spec.md §4.5).
func (s *Session) handleUDPRecv(datagram []byte) {
	frags, err := s.codec.Wrap(datagram, outboundHeader)
	if err != nil {
		s.logger.WithError(err).Warn("gatewaysession: wrap failed, dropping datagram")
		return
	}
	for _, frag := range frags {
		s.link.QueueWrite(frag)
	}
}

// shutdownMonitor polls runCtx and the link's fatal-error channel, tearing
// the session down on either (spec.md §4.5 "Run"/"Shutdown").
func (s *Session) shutdownMonitor(ctx context.Context) {
	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.teardown()
			return
		case err := <-s.link.FatalErr():
			s.logger.WithError(err).Warn("gatewaysession: fatal ble link error, shutting down")
			s.state.SetStatus(session.Error)
			s.teardown()
			return
		case <-ticker.C:
			// Poll cadence matches spec.md §4.5; ctx.Done() and FatalErr()
			// are themselves select cases so this tick has no work of its
			// own beyond keeping the loop alive for documentation parity
			// with the source's explicit poll.
		}
	}
}

// Shutdown signals the run loop to stop and waits for teardown to finish.
func (s *Session) Shutdown() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	running := s.running
	s.mu.Unlock()

	if !running {
		return
	}
	cancel()
	<-done
}

func (s *Session) teardown() {
	s.link.Stop()
	if err := s.udp.Stop(); err != nil {
		s.logger.WithError(err).Debug("gatewaysession: udp stop")
	}

	s.mu.Lock()
	s.running = false
	done := s.done
	s.mu.Unlock()

	s.state.SetGatewayRunning(false)
	close(done)
}

// IsRunning reports whether this session is currently live.
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
