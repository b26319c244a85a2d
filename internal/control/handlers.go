package control

import (
	"context"
	"encoding/binary"
	"strconv"
	"time"

	"github.com/syncore/hqvgw/internal/bledevice"
	"github.com/syncore/hqvgw/internal/blelink"
	"github.com/syncore/hqvgw/internal/gatewaysession"
	"github.com/syncore/hqvgw/internal/groutine"
	"github.com/syncore/hqvgw/internal/hqvframe"
	"github.com/syncore/hqvgw/internal/session"
	"github.com/syncore/hqvgw/internal/udpendpoint"
)

func (s *Server) handleAttachClient() Response {
	s.mu.Lock()
	s.attached = true
	s.mu.Unlock()
	return Ack(OpAttachClient, []byte(s.state.Snapshot().SessionUUID))
}

func (s *Server) handleDetachClient() Response {
	s.mu.Lock()
	wasAttached := s.attached
	s.attached = false
	s.mu.Unlock()
	if wasAttached {
		return Ack(OpDetachClient, nil)
	}
	return Nack(OpDetachClient)
}

// handleConnectBle performs a lightweight BLE connect-and-wait-for-disconnect
// test (spec.md §4.6 opcode 0x07), grounded on app.py's
// thread_connect_and_wait_for_disconnect / SynBlue.Connect_And_Wait_For_Disconnect_Test.
// It does not bring up the data plane: that is StartGateway's job.
func (s *Server) handleConnectBle(ctx context.Context, body []byte) Response {
	parsed, err := parseConnectBleBody(body)
	if err != nil {
		return Err(OpConnectBle, ErrMissingParameter)
	}

	timeout := time.Duration(parsed.Timeout) * time.Second
	if timeout <= 0 {
		timeout = s.cfg.BLETimeout
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := bledevice.Dial(connectCtx, parsed.MAC)
	if err != nil {
		s.logger.WithError(err).WithField("mac", parsed.MAC).Warn("control: connect-ble failed")
		return Nack(OpConnectBle)
	}

	s.mu.Lock()
	s.connectedMAC = parsed.MAC
	s.connectedCli = client
	s.mu.Unlock()

	s.state.SetStatus(session.Connected)
	groutine.Go(context.Background(), "control-connect-wait-disconnect", func(context.Context) {
		<-client.Disconnected()
		s.mu.Lock()
		if s.connectedCli == client {
			s.connectedCli = nil
			s.connectedMAC = ""
		}
		s.mu.Unlock()
		s.state.SetStatus(session.Disconnected)
		s.notify(Notify(OpBtDisconnected, macFromString(parsed.MAC)))
	})

	return Ack(OpConnectBle, nil)
}

func (s *Server) handleDisconnectBle(body []byte) Response {
	mac, err := parseDisconnectBleBody(body)
	if err != nil {
		return Err(OpDisconnectBle, ErrMissingParameter)
	}

	s.mu.Lock()
	client, connMAC := s.connectedCli, s.connectedMAC
	s.mu.Unlock()

	if client == nil || connMAC != mac {
		return Nack(OpDisconnectBle)
	}
	if err := client.CancelConnection(); err != nil {
		s.logger.WithError(err).Warn("control: disconnect-ble failed")
		return Nack(OpDisconnectBle)
	}
	return Ack(OpDisconnectBle, nil)
}

// handleStartGateway implements spec.md §4.6's opcode 0x0E: confirm mac is
// in the last HAPP scan (re-scanning up to happScanRetries times), push any
// stored PSK, then start the GatewaySession in the background. Success is
// reported asynchronously via the 0x0E "Connected" callback, per app.py's
// equivalent (no synchronous ACK on the happy path).
func (s *Server) handleStartGateway(ctx context.Context, body []byte) Response {
	parsed, err := parseStartGatewayBody(body)
	if err != nil {
		return Err(OpStartGateway, ErrMissingParameter)
	}

	entry, found := s.scan.get(parsed.MAC)
	for attempt := 0; !found && attempt < happScanRetries; attempt++ {
		results, scanErr := bledevice.ScanHapp(ctx, s.cfg.ScanTimeout)
		if scanErr != nil {
			s.logger.WithError(scanErr).Warn("control: happ re-scan failed")
			continue
		}
		s.ingestHappScan(results)
		entry, found = s.scan.get(parsed.MAC)
	}
	if !found {
		return Err(OpStartGateway, ErrPrecondition)
	}

	s.mu.Lock()
	existing := s.gw
	s.gw = nil
	s.mu.Unlock()
	if existing != nil && existing.IsRunning() {
		existing.Shutdown()
	}

	if key, ok := s.pskStore.Get(entry.UUID); ok {
		if err := s.leshan.PushPSK(ctx, entry.UUID, entry.UUID, key); err != nil {
			s.logger.WithError(err).Warn("control: push-psk to leshan failed")
		}
	}

	reconnect := s.cfg.AutoReconnect
	if parsed.ReconnectPresent {
		reconnect = parsed.Reconnect
	}

	destHost, destPort := s.cfg.ServerAddress, s.cfg.ServerPort
	if parsed.IP != nil {
		destHost, destPort = parsed.IP.String(), int(parsed.Port)
	}

	bleOpts := blelink.DefaultOptions(parsed.MAC)
	bleOpts.Adapter = s.cfg.Adapter
	bleOpts.AutoReconnect = reconnect
	if parsed.Timeout > 0 {
		bleOpts.Timeout = time.Duration(parsed.Timeout) * time.Second
	}

	gw := gatewaysession.New(&gatewaysession.Config{
		BleOptions: bleOpts,
		UdpOptions: udpendpoint.DefaultOptions(destHost, destPort),
		HqvOptions: &hqvframe.Options{MTU: s.cfg.MTU, SplitPolicy: hqvframe.DefaultCompoundSplitPolicy},
	}, s.state, s.leshanOnline, s.onClearDeviceData, s.logger)

	s.mu.Lock()
	s.gw = gw
	s.mu.Unlock()

	groutine.Go(context.Background(), "control-start-gateway", func(bgCtx context.Context) {
		if err := gw.Start(bgCtx); err != nil {
			s.logger.WithError(err).Warn("control: gateway start failed")
			return
		}
		s.state.AdoptDevice(parsed.MAC, entry.UUID, entry.UUID)
		s.notify(Notify(OpGatewayConnected, []byte(entry.UUID)))
		s.startLeshanVerifier(entry.UUID)
	})

	return NoReply()
}

func (s *Server) handleStopGateway() Response {
	s.mu.Lock()
	gw := s.gw
	s.gw = nil
	s.mu.Unlock()

	if gw != nil && gw.IsRunning() {
		gw.Shutdown()
	}
	s.state.SetStatus(session.Disconnected)
	s.state.ClearDeviceData()
	return Ack(OpStopGateway, nil)
}

func (s *Server) handleScanHappDevices(ctx context.Context, body []byte) Response {
	timeoutSec, err := parseScanHappBody(body)
	if err != nil {
		return Err(OpScanHappDevices, ErrMissingParameter)
	}

	results, err := bledevice.ScanHapp(ctx, time.Duration(timeoutSec)*time.Second)
	if err != nil {
		s.logger.WithError(err).Warn("control: happ scan failed")
		return Nack(OpScanHappDevices)
	}
	if len(results) == 0 {
		return Nack(OpScanHappDevices)
	}

	entries := s.ingestHappScan(results)
	return Ack(OpScanHappDevices, encodeScanEntries(entries))
}

// ingestHappScan records a fresh HAPP scan in the scan cache and
// SessionState's last_scan field, resolving each device's persisted alias.
func (s *Server) ingestHappScan(results []bledevice.HappResult) []session.ScanEntry {
	entries := make([]session.ScanEntry, 0, len(results))
	for _, r := range results {
		alias, _ := s.aliasStore.Get(r.UUID)
		entries = append(entries, session.ScanEntry{
			MAC:   r.MAC,
			UUID:  r.UUID,
			NTC:   1,
			DNC:   0,
			RSSI:  strconv.Itoa(r.RSSI),
			Alias: alias,
		})
	}
	s.scan.reset()
	s.scan.put(entries)
	s.state.SetLastScan(entries)
	return entries
}

// encodeScanEntries renders entries as opcode 0x10's ACK body: count(4) +
// n*{mac(6)+uuid_ascii(32)+ntc(1)+dnc(1)+rssi_ascii+alias_ascii+0x00}
// (spec.md §4.6).
func encodeScanEntries(entries []session.ScanEntry) []byte {
	out := make([]byte, 4, 4+len(entries)*48)
	binary.BigEndian.PutUint32(out, uint32(len(entries)))

	for _, e := range entries {
		out = append(out, macFromString(e.MAC)...)

		uuidField := make([]byte, 32)
		copy(uuidField, e.UUID)
		out = append(out, uuidField...)

		out = append(out, e.NTC, e.DNC)
		out = append(out, []byte(e.RSSI)...)
		out = append(out, []byte(e.Alias)...)
		out = append(out, 0x00)
	}
	return out
}

func (s *Server) handleGetHid() Response {
	hid := s.state.Snapshot().ConnectedHID
	if hid == "" {
		return Nack(OpGetHid)
	}
	return Ack(OpGetHid, []byte(hid))
}

func (s *Server) handleGetAlias() Response {
	alias := s.state.Snapshot().ConnectedAlias
	if alias == "" {
		return Nack(OpGetAlias)
	}
	return Ack(OpGetAlias, []byte(alias))
}

func (s *Server) handleSetAlias(body []byte) Response {
	snap := s.state.Snapshot()
	if snap.ConnectedIPRID == "" {
		return Nack(OpSetAlias)
	}
	alias := string(body)
	if err := s.aliasStore.Set(snap.ConnectedIPRID, alias); err != nil {
		s.logger.WithError(err).Warn("control: persisting alias failed")
		return Nack(OpSetAlias)
	}
	s.state.SetAlias(alias)
	return Ack(OpSetAlias, nil)
}

func (s *Server) handleSetPsk(body []byte) Response {
	parsed, err := parseSetPskBody(body)
	if err != nil {
		return Err(OpSetPsk, ErrMissingParameter)
	}
	if err := s.pskStore.Set(parsed.IPRID, parsed.Key); err != nil {
		s.logger.WithError(err).Warn("control: persisting psk failed")
		return Nack(OpSetPsk)
	}
	return Ack(OpSetPsk, nil)
}

func (s *Server) handleGetSessionUUID() Response {
	return Ack(OpGetSessionUuid, []byte(s.state.Snapshot().SessionUUID))
}

func (s *Server) handleGetStatusCode() Response {
	return Ack(OpGetStatusCode, []byte{byte(s.state.Snapshot().ConnectStatus)})
}

func (s *Server) handleFota(body []byte) Response {
	if s.fota == nil {
		return Nack(OpFota)
	}
	if err := s.fota.Handle(body); err != nil {
		s.logger.WithError(err).Warn("control: fota handler error")
		return Err(OpFota, ErrUnexpected)
	}
	return Ack(OpFota, nil)
}
