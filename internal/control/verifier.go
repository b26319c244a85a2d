package control

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/syncore/hqvgw/internal/groutine"
	"github.com/syncore/hqvgw/internal/session"
)

// startLeshanVerifier implements spec.md §4.6's "LeshanRegistered flow":
// poll the Leshan client list every LeshanPollInterval up to
// LeshanPollAttempts times, publish the HID and emit 0x15 on first
// success, then (if RegularStatusRequest is set) keep polling every
// LeshanSteadyPollPeriod, emitting 0x16 the moment the endpoint drops off.
func (s *Server) startLeshanVerifier(endpointHex string) {
	endpoint := formatEndpoint(endpointHex)

	groutine.Go(context.Background(), "control-leshan-verifier", func(ctx context.Context) {
		s.state.SetLeshanState(session.LeshanRetrieving)

		if !s.waitForRegistration(ctx, endpoint, s.cfg.LeshanPollAttempts, s.cfg.LeshanPollInterval) {
			s.state.SetLeshanState(session.LeshanOffline)
			s.notify(Notify(OpLeshanLost, nil))
			return
		}

		s.state.SetLeshanState(session.LeshanOnline)
		hid, err := s.leshan.GetHID(ctx, endpoint)
		if err != nil {
			s.logger.WithError(err).Warn("control: reading HID resource failed")
		} else {
			s.state.SetHID(hid)
		}
		s.notify(Notify(OpLeshanRegistered, []byte(hid)))

		if s.cfg.RegularStatusRequest {
			s.steadyStatePoll(ctx, endpoint)
		}
	})
}

func (s *Server) waitForRegistration(ctx context.Context, endpoint string, attempts int, interval time.Duration) bool {
	for attempt := 0; attempt < attempts; attempt++ {
		if s.isRegistered(ctx, endpoint) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
	return false
}

func (s *Server) steadyStatePoll(ctx context.Context, endpoint string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.LeshanSteadyPollPeriod):
		}
		if !s.isRegistered(ctx, endpoint) {
			s.state.SetLeshanState(session.LeshanOffline)
			s.notify(Notify(OpLeshanLost, nil))
			return
		}
	}
}

func (s *Server) isRegistered(ctx context.Context, endpoint string) bool {
	clients, err := s.leshan.GetClients(ctx)
	if err != nil {
		return false
	}
	for _, c := range clients {
		if c.Endpoint == endpoint {
			return true
		}
	}
	return false
}

// formatEndpoint resolves the 32-hex-char endpoint UUID to its dashed
// canonical form (spec.md §4.6: "resolving the UUID to ASCII with
// dashes"). A value that doesn't parse as a UUID is passed through
// unchanged.
func formatEndpoint(hex string) string {
	id, err := uuid.Parse(hex)
	if err != nil {
		return hex
	}
	return id.String()
}
