// Package udpendpoint implements UdpEndpoint (spec.md §4.4): a bound UDP
// socket with a blocking receive loop and a synchronous, bounded
// send-retry; there is no outbound send queue.
//
// Grounded on the teacher's pkg/ble/bridge.go Start/Stop/IsRunning/stopChan/
// stoppedChan lifecycle shape and Gateway/ports/udp_interface.py's
// bind/send-retry/blocking-recv semantics.
package udpendpoint

import (
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

const recvBufferSize = 1024

// Options configures an Endpoint.
type Options struct {
	LocalAddr   string // host:port to bind; empty host means wildcard
	DestAddr    string // host:port datagrams are sent to
	SendRetries int
}

// DefaultOptions mirrors spec.md §6's UDP defaults: bind to 0.0.0.0:0 (or
// 127.0.0.1:0 when dest is localhost), dest 127.0.0.1:5684.
func DefaultOptions(destHost string, destPort int) *Options {
	localHost := "0.0.0.0"
	if destHost == "127.0.0.1" {
		localHost = "127.0.0.1"
	}
	return &Options{
		LocalAddr:   fmt.Sprintf("%s:0", localHost),
		DestAddr:    fmt.Sprintf("%s:%d", destHost, destPort),
		SendRetries: 3,
	}
}

// Endpoint is a bound UDP socket with Start/Stop/IsRunning lifecycle.
type Endpoint struct {
	opts   *Options
	logger *logrus.Logger

	onRecv func([]byte)

	mu          sync.RWMutex
	conn        *net.UDPConn
	dest        *net.UDPAddr
	isRunning   bool
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// New creates an Endpoint. onRecv must be non-nil.
func New(opts *Options, onRecv func([]byte), logger *logrus.Logger) *Endpoint {
	if logger == nil {
		logger = logrus.New()
	}
	return &Endpoint{
		opts:        opts,
		onRecv:      onRecv,
		logger:      logger,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start binds the local socket and launches the receive loop.
func (e *Endpoint) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isRunning {
		return fmt.Errorf("udpendpoint: already running")
	}

	localAddr, err := net.ResolveUDPAddr("udp", e.opts.LocalAddr)
	if err != nil {
		return fmt.Errorf("udpendpoint: resolving local addr %q: %w", e.opts.LocalAddr, err)
	}
	destAddr, err := net.ResolveUDPAddr("udp", e.opts.DestAddr)
	if err != nil {
		return fmt.Errorf("udpendpoint: resolving dest addr %q: %w", e.opts.DestAddr, err)
	}

	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return fmt.Errorf("udpendpoint: binding %q: %w", e.opts.LocalAddr, err)
	}

	e.conn = conn
	e.dest = destAddr
	e.isRunning = true

	go e.recvLoop()

	e.logger.WithFields(logrus.Fields{
		"local": conn.LocalAddr().String(),
		"dest":  destAddr.String(),
	}).Info("UDP endpoint started")
	return nil
}

// Send writes bytes to the configured destination on the caller's
// goroutine, making up to SendRetries attempts in total before dropping
// the datagram with a warning. Nothing is queued: concurrent callers
// write independently and no ordering between them is imposed.
func (e *Endpoint) Send(data []byte) error {
	e.mu.RLock()
	conn, dest, running := e.conn, e.dest, e.isRunning
	e.mu.RUnlock()

	if !running {
		return fmt.Errorf("udpendpoint: not running")
	}

	for attempt := 1; attempt <= e.opts.SendRetries; attempt++ {
		n, err := conn.WriteToUDP(data, dest)
		if err == nil && n == len(data) {
			return nil
		}
		e.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"sent":    n,
			"want":    len(data),
			"error":   err,
		}).Warn("udpendpoint: short or failed send, retrying")
	}

	e.logger.WithField("bytes", len(data)).Warn("udpendpoint: dropping datagram after exhausting send retries")
	return fmt.Errorf("udpendpoint: send failed after %d attempts", e.opts.SendRetries)
}

// recvLoop blocks on ReadFromUDP, delivering every datagram to onRecv. The
// peer's source address is ignored: the remote endpoint is identified by
// the destination address configured at bind time (spec.md §4.4).
func (e *Endpoint) recvLoop() {
	defer close(e.stoppedChan)

	buf := make([]byte, recvBufferSize)
	for {
		select {
		case <-e.stopChan:
			return
		default:
		}

		n, _, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.stopChan:
				return
			default:
			}
			e.logger.WithError(err).Warn("udpendpoint: recv error")
			return
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		e.onRecv(data)
	}
}

// IsRunning reports whether the endpoint is bound and receiving.
func (e *Endpoint) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isRunning
}

// Stop closes the socket and waits for the receive loop to exit.
func (e *Endpoint) Stop() error {
	e.mu.Lock()
	if !e.isRunning {
		e.mu.Unlock()
		return fmt.Errorf("udpendpoint: not running")
	}
	conn := e.conn
	e.isRunning = false
	e.mu.Unlock()

	close(e.stopChan)
	if conn != nil {
		_ = conn.Close()
	}
	<-e.stoppedChan

	e.mu.Lock()
	e.conn = nil
	e.stopChan = make(chan struct{})
	e.stoppedChan = make(chan struct{})
	e.mu.Unlock()
	return nil
}
