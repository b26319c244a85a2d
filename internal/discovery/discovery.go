// Package discovery implements DiscoveryService (spec.md §4.7): a
// self-announcing peer registry broadcasting over UDP 5385 and passively
// collecting the same announcements from other agents on the LAN.
//
// Grounded on app.py's sblets_discover_protocol: a 10s broadcast ticker
// paired with a 100ms non-blocking receive poll, translated from Python's
// socket.setblocking(False)/BlockingIOError idiom to a Go read-deadline
// loop.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/syncore/hqvgw/internal/groutine"
	"github.com/syncore/hqvgw/internal/session"
	"github.com/syncore/hqvgw/pkg/config"
)

// messageType is the fixed discriminator every SBLETS agent's announcement
// carries (spec.md §4.7).
const messageType = "SBLETSDISCPKG"

// packet is the wire JSON object broadcast and received on UDP 5385
// (spec.md §4.7).
type packet struct {
	Message            string `json:"message"`
	MessageType        string `json:"messageType"`
	MessageTypeVersion string `json:"messageTypeVersion"`
	GUIAccess          bool   `json:"guiAccess"`
	CustomName         string `json:"customName"`
	Endpoint           string `json:"endpoint"`
	IP                 string `json:"ip"`
	Port               int    `json:"port"`
	Version            string `json:"version"`
}

// Service is DiscoveryService: it owns the broadcast UDP socket and the
// concurrent peer set, which the listener goroutine fills and the evictor
// goroutine prunes.
type Service struct {
	cfg    *config.Config
	state  *session.State
	logger *logrus.Logger

	localIP string
	conn    *net.UDPConn
	peers   *hashmap.Map[string, session.Peer]
}

// New creates a Service. The local IP is resolved once at construction (it
// is also the self-announcement filter, per spec.md §4.7: "It ignores its
// own announcements (same IP)").
func New(cfg *config.Config, state *session.State, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		cfg:     cfg,
		state:   state,
		logger:  logger,
		localIP: resolveLocalIP(),
		peers:   hashmap.New[string, session.Peer](),
	}
}

// resolveLocalIP returns the first non-loopback IPv4 address bound to this
// host, falling back to loopback if none is found (e.g. in a sandboxed
// test environment without a LAN interface).
func resolveLocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}

// Start binds the broadcast socket and launches the broadcaster, listener
// and (if configured) peer-eviction goroutines.
func (s *Service) Start(ctx context.Context) error {
	lc := net.ListenConfig{Control: enableBroadcast}
	pc, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", s.cfg.DiscoveryPort))
	if err != nil {
		return fmt.Errorf("discovery: binding port %d: %w", s.cfg.DiscoveryPort, err)
	}
	s.conn = pc.(*net.UDPConn)

	s.logger.WithFields(logrus.Fields{
		"port":     s.cfg.DiscoveryPort,
		"local_ip": s.localIP,
	}).Info("discovery: listening")

	groutine.Go(ctx, "discovery-broadcaster", s.broadcastLoop)
	groutine.Go(ctx, "discovery-listener", s.listenLoop)
	if s.cfg.DiscoveryPeerTTL > 0 {
		groutine.Go(ctx, "discovery-evictor", s.evictLoop)
	}
	return nil
}

// enableBroadcast sets SO_BROADCAST on the freshly created socket; Go's
// net package does not set it by default, and sending to 255.255.255.255
// without it fails with EACCES on Linux.
func enableBroadcast(network, address string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	}); err != nil {
		return err
	}
	return sockErr
}

// Stop closes the broadcast socket, unblocking the listener and
// broadcaster goroutines.
func (s *Service) Stop() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// broadcastLoop sends one announcement immediately, then every
// DiscoveryInterval thereafter (spec.md §4.7: "Every 10 s it sends a JSON
// object").
func (s *Service) broadcastLoop(ctx context.Context) {
	s.announce()

	ticker := time.NewTicker(s.cfg.DiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.announce()
		}
	}
}

func (s *Service) announce() {
	pkt := packet{
		Message:            "Hello other SBLETS servers, include me in your network!",
		MessageType:        messageType,
		MessageTypeVersion: "1",
		GUIAccess:          s.cfg.GUIAccess,
		CustomName:         s.cfg.CustomName,
		Endpoint:           s.state.Snapshot().SessionUUID,
		IP:                 s.localIP,
		Port:               s.cfg.WebserverPort,
		Version:            s.cfg.AgentVersion,
	}

	data, err := json.Marshal(pkt)
	if err != nil {
		s.logger.WithError(err).Warn("discovery: marshaling announcement failed")
		return
	}

	dest := &net.UDPAddr{IP: net.IPv4bcast, Port: s.cfg.DiscoveryPort}
	if _, err := s.conn.WriteToUDP(data, dest); err != nil {
		s.logger.WithError(err).Warn("discovery: broadcast send failed")
	}
}

// listenLoop polls for inbound datagrams with a short read deadline, the
// Go equivalent of app.py's non-blocking recvfrom + 100ms sleep (spec.md
// §4.7).
func (s *Service) listenLoop(ctx context.Context) {
	buf := make([]byte, 1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.DiscoveryPollRate))
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.WithError(err).Debug("discovery: recv error")
			continue
		}
		s.handleDatagram(buf[:n])
	}
}

// handleDatagram ignores non-JSON and non-matching payloads, and
// self-announcements (matched by IP), then upserts the peer (spec.md §4.7).
func (s *Service) handleDatagram(data []byte) {
	var pkt packet
	if err := json.Unmarshal(data, &pkt); err != nil {
		return
	}
	if pkt.MessageType != messageType || pkt.IP == s.localIP {
		return
	}

	peer := session.Peer{
		CustomName: pkt.CustomName,
		GUIAccess:  pkt.GUIAccess,
		Endpoint:   pkt.Endpoint,
		IP:         pkt.IP,
		Port:       pkt.Port,
		Version:    pkt.Version,
		LastSeen:   time.Now().Unix(),
	}

	s.peers.Set(peerKey(peer), peer)
	s.state.UpsertPeer(peer)
}

// evictLoop drops peers that haven't announced within DiscoveryPeerTTL,
// resolving spec.md §9's open question #2 (see DESIGN.md).
func (s *Service) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.cfg.DiscoveryPeerTTL).Unix()
			s.state.EvictPeersOlderThan(cutoff)
			s.peers.Range(func(key string, p session.Peer) bool {
				if p.LastSeen < cutoff {
					s.peers.Del(key)
				}
				return true
			})
		}
	}
}

// peerKey renders a Peer's identity tuple as a hashmap key (spec.md §3:
// "Keyed by (endpoint, ip, port, version, custom_name, gui_access)").
func peerKey(p session.Peer) string {
	return fmt.Sprintf("%s|%s|%d|%s|%s|%t", p.Endpoint, p.IP, p.Port, p.Version, p.CustomName, p.GUIAccess)
}
