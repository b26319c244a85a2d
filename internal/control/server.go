package control

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/syncore/hqvgw/internal/bledevice"
	"github.com/syncore/hqvgw/internal/ctrlframe"
	"github.com/syncore/hqvgw/internal/gatewaysession"
	"github.com/syncore/hqvgw/internal/groutine"
	"github.com/syncore/hqvgw/internal/leshan"
	"github.com/syncore/hqvgw/internal/session"
	"github.com/syncore/hqvgw/internal/store"
	"github.com/syncore/hqvgw/pkg/config"
)

// happScanRetries is spec.md §4.6's "ERROR(3) if MAC not in last HAPP scan
// after 4 retries".
const happScanRetries = 4

// FotaHandler receives the supplemented FOTA passthrough opcode (spec.md
// §11). A nil handler NACKs every 0x0A command.
type FotaHandler interface {
	Handle(body []byte) error
}

// Server is ControlServer (spec.md §4.6): a single-client-at-a-time TCP
// command dispatcher, plus the WebSocket bridge and Leshan registration
// verifier that ride along with it.
type Server struct {
	cfg    *config.Config
	logger *logrus.Logger

	state      *session.State
	aliasStore *store.Store
	pskStore   *store.Store
	leshan     *leshan.Client
	fota       FotaHandler

	scan *scanCache

	listener net.Listener

	mu            sync.Mutex
	attached      bool
	gw            *gatewaysession.Session
	connectedMAC  string
	connectedCli  bledevice.GattClient
	currentConn   net.Conn
	currentConnMu sync.Mutex
}

// Deps bundles Server's process-wide collaborators (spec.md §3 "Ownership":
// ControlServer exclusively owns the live GatewaySession).
type Deps struct {
	Config     *config.Config
	State      *session.State
	AliasStore *store.Store
	PSKStore   *store.Store
	Leshan     *leshan.Client
	Fota       FotaHandler
	Logger     *logrus.Logger
}

// New creates a Server. Fota may be nil (0x0A NACKs).
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{
		cfg:        deps.Config,
		logger:     logger,
		state:      deps.State,
		aliasStore: deps.AliasStore,
		pskStore:   deps.PSKStore,
		leshan:     deps.Leshan,
		fota:       deps.Fota,
		scan:       newScanCache(),
	}
}

// Start binds the TCP listener and launches the accept loop.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.ControlPort))
	if err != nil {
		return fmt.Errorf("control: listening on port %d: %w", s.cfg.ControlPort, err)
	}
	s.listener = ln
	s.logger.WithField("port", s.cfg.ControlPort).Info("control: listening")

	groutine.Go(ctx, "control-accept-loop", s.acceptLoop)
	return nil
}

// Addr returns the listener's bound address. Useful in tests that bind to
// port 0 and need to know which port the OS actually assigned.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener, interrupting the accept loop.
func (s *Server) Stop() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// acceptLoop serves one connection fully before accepting the next,
// matching spec.md §4.6's single-client model (and app.py's server_part's
// nested accept/serve loop).
func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.WithError(err).Warn("control: accept failed")
			return
		}
		s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	s.logger.WithField("remote", conn.RemoteAddr()).Debug("control: client connected")

	s.currentConnMu.Lock()
	s.currentConn = conn
	s.currentConnMu.Unlock()

	defer func() {
		s.currentConnMu.Lock()
		if s.currentConn == conn {
			s.currentConn = nil
		}
		s.currentConnMu.Unlock()
		conn.Close()
		s.logger.WithField("remote", conn.RemoteAddr()).Debug("control: client disconnected")
	}()

	decoder := ctrlframe.NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		for _, frame := range decoder.Feed(buf[:n]) {
			cmd, err := ParseCommand(frame)
			if err != nil {
				s.logger.WithError(err).Debug("control: dropping malformed frame")
				continue
			}
			resp := s.dispatch(ctx, cmd)
			if resp.IsEmpty() {
				continue
			}
			if err := s.writeFrame(resp.Encode()); err != nil {
				s.logger.WithError(err).Warn("control: write response failed")
				return
			}
		}
	}
}

// writeFrame STX/ETX-frames body and writes it to the currently attached
// connection, if any. Used both for direct command responses and for
// server-initiated notifications (spec.md §4.6).
func (s *Server) writeFrame(body []byte) error {
	s.currentConnMu.Lock()
	conn := s.currentConn
	s.currentConnMu.Unlock()

	if conn == nil {
		return fmt.Errorf("control: no attached client to notify")
	}
	_, err := conn.Write(ctrlframe.Encode(body))
	return err
}

// notify sends a server-initiated frame, logging rather than failing the
// caller if nobody is attached to receive it.
func (s *Server) notify(body []byte) {
	if err := s.writeFrame(body); err != nil {
		s.logger.WithError(err).Debug("control: notification undeliverable")
	}
}

func (s *Server) dispatch(ctx context.Context, cmd Command) Response {
	switch cmd.Opcode {
	case OpAttachClient:
		return s.handleAttachClient()
	case OpDetachClient:
		return s.handleDetachClient()
	case OpConnectBle:
		return s.handleConnectBle(ctx, cmd.Body)
	case OpDisconnectBle:
		return s.handleDisconnectBle(cmd.Body)
	case OpStartGateway:
		return s.handleStartGateway(ctx, cmd.Body)
	case OpStopGateway:
		return s.handleStopGateway()
	case OpScanHappDevices:
		return s.handleScanHappDevices(ctx, cmd.Body)
	case OpGetHid:
		return s.handleGetHid()
	case OpGetAlias:
		return s.handleGetAlias()
	case OpSetAlias:
		return s.handleSetAlias(cmd.Body)
	case OpSetPsk:
		return s.handleSetPsk(cmd.Body)
	case OpGetSessionUuid:
		return s.handleGetSessionUUID()
	case OpGetStatusCode:
		return s.handleGetStatusCode()
	case OpFota:
		return s.handleFota(cmd.Body)
	default:
		return Err(cmd.Opcode, ErrPrecondition)
	}
}

func (s *Server) leshanOnline() bool {
	return s.state.Snapshot().DeviceLeshanState == session.LeshanOnline
}

func (s *Server) onClearDeviceData() {
	s.state.ClearDeviceData()
}
