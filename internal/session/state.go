// Package session implements the process-wide SessionState record: the
// single mutable record describing the currently attached BLE device, the
// live gateway, and the discovered LAN peers (spec.md §3, §9 "Process-wide
// state").
package session

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// StatusCode mirrors spec.md §3's StatusCode enumeration.
type StatusCode int

const (
	Disconnected StatusCode = iota
	Connected
	GracefullyDisconnected
	_ // 3 is unused in spec.md §3
	Error
	ConnectionLost
	ConnectionLostLeshanError
	Initial
)

// String renders the status the way logrus fields expect to print it.
func (s StatusCode) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case GracefullyDisconnected:
		return "gracefully_disconnected"
	case Error:
		return "error"
	case ConnectionLost:
		return "connection_lost"
	case ConnectionLostLeshanError:
		return "connection_lost_leshan_error"
	case Initial:
		return "initial"
	default:
		return "unknown"
	}
}

// LeshanStatus is the registration status: LeshanUnknown (the zero value)
// plus the three states of spec.md §3's device_leshan_status
// Tri{True,False,Retrieving}.
type LeshanStatus int

const (
	LeshanUnknown LeshanStatus = iota
	LeshanRetrieving
	LeshanOnline
	LeshanOffline
)

// ScanEntry is one HAPP-scan result, surfaced on opcode 0x10.
type ScanEntry struct {
	MAC   string
	UUID  string
	NTC   byte
	DNC   byte
	RSSI  string
	Alias string
}

// Peer mirrors spec.md §3's Peer, identified by every field but LastSeen.
type Peer struct {
	CustomName string
	GUIAccess  bool
	Endpoint   string
	IP         string
	Port       int
	Version    string
	LastSeen   int64
}

// Key returns the identity tuple used to deduplicate peers, per spec.md §3:
// "Keyed by (endpoint, ip, port, version, custom_name, gui_access);
// last_seen is not a key."
func (p Peer) Key() PeerKey {
	return PeerKey{
		Endpoint:   p.Endpoint,
		IP:         p.IP,
		Port:       p.Port,
		Version:    p.Version,
		CustomName: p.CustomName,
		GUIAccess:  p.GUIAccess,
	}
}

// PeerKey is the comparable identity of a Peer, suitable as a map key.
type PeerKey struct {
	Endpoint   string
	IP         string
	Port       int
	Version    string
	CustomName string
	GUIAccess  bool
}

// Snapshot is an immutable copy of State handed to subscribers and callers
// that must not observe torn reads.
type Snapshot struct {
	ConnectedMAC      string
	ConnectedHID      string
	ConnectedAlias    string
	ConnectedIPRID    string
	SessionUUID       string
	StartupUUID       string
	ConnectStatus     StatusCode
	GatewayRunning    bool
	DeviceLeshanState LeshanStatus
	LastScan          []ScanEntry
	DiscoveredPeers   []Peer
}

// State is the guarded, process-wide session record (spec.md §3). One
// instance is created at process start and lives for the process lifetime.
type State struct {
	mu          sync.RWMutex
	snap        Snapshot
	subscribers []func(Snapshot)
}

// NewState creates a State with a fresh startup_uuid seeding session_uuid,
// per spec.md §3's lifecycle rule.
func NewState() *State {
	startup := newEightCharToken()
	return &State{
		snap: Snapshot{
			StartupUUID:   startup,
			SessionUUID:   startup,
			ConnectStatus: Initial,
		},
	}
}

// newEightCharToken returns the first 8 hex characters of a fresh UUID4,
// matching spec.md §9's description of startup_uuid as "an 8-char token".
func newEightCharToken() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:8]
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Subscribe registers fn to be called with a fresh Snapshot after every
// mutation. It is called synchronously and outside the state lock, so a
// subscriber may safely call back into State.
func (s *State) Subscribe(fn func(Snapshot)) {
	s.mu.Lock()
	s.subscribers = append(s.subscribers, fn)
	s.mu.Unlock()
}

// mutate applies fn under the write lock, then notifies subscribers with
// the resulting snapshot outside the lock.
func (s *State) mutate(fn func(*Snapshot)) Snapshot {
	s.mu.Lock()
	fn(&s.snap)
	snap := s.snap
	subs := append([]func(Snapshot){}, s.subscribers...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub(snap)
	}
	return snap
}

// AdoptDevice records a newly connected BLE device, per spec.md §3:
// session_uuid is replaced with the device's 16-octet endpoint UUID.
func (s *State) AdoptDevice(mac, iprid, endpointUUID string) Snapshot {
	return s.mutate(func(snap *Snapshot) {
		snap.ConnectedMAC = mac
		snap.ConnectedIPRID = iprid
		snap.SessionUUID = endpointUUID
		snap.ConnectStatus = Connected
	})
}

// SetHID records the device's human identifier, read from LwM2M resource
// /27003/0/19 once Leshan registration succeeds.
func (s *State) SetHID(hid string) Snapshot {
	return s.mutate(func(snap *Snapshot) {
		snap.ConnectedHID = hid
	})
}

// SetAlias records and persists (via internal/store, at the caller) the
// connected device's alias.
func (s *State) SetAlias(alias string) Snapshot {
	return s.mutate(func(snap *Snapshot) {
		snap.ConnectedAlias = alias
	})
}

// SetStatus records a new connect status.
func (s *State) SetStatus(status StatusCode) Snapshot {
	return s.mutate(func(snap *Snapshot) {
		snap.ConnectStatus = status
	})
}

// SetLeshanState records a new Leshan registration tri-state.
func (s *State) SetLeshanState(state LeshanStatus) Snapshot {
	return s.mutate(func(snap *Snapshot) {
		snap.DeviceLeshanState = state
	})
}

// SetGatewayRunning flips gateway_running. Callers enforce the invariant
// that at most one GatewaySession runs at a time (spec.md §8); State itself
// only records the flag.
func (s *State) SetGatewayRunning(running bool) Snapshot {
	return s.mutate(func(snap *Snapshot) {
		snap.GatewayRunning = running
	})
}

// SetLastScan records the most recent HAPP scan results.
func (s *State) SetLastScan(entries []ScanEntry) Snapshot {
	return s.mutate(func(snap *Snapshot) {
		snap.LastScan = append([]ScanEntry(nil), entries...)
	})
}

// UpsertPeer inserts or refreshes a discovered peer, keyed by Peer.Key().
// last_seen is always updated and is never part of identity.
func (s *State) UpsertPeer(p Peer) Snapshot {
	return s.mutate(func(snap *Snapshot) {
		key := p.Key()
		for i := range snap.DiscoveredPeers {
			if snap.DiscoveredPeers[i].Key() == key {
				snap.DiscoveredPeers[i].LastSeen = p.LastSeen
				return
			}
		}
		snap.DiscoveredPeers = append(snap.DiscoveredPeers, p)
	})
}

// EvictPeersOlderThan drops discovered peers whose LastSeen predates cutoff
// (a unix timestamp), implementing spec.md §9 open question #2's resolution
// of bounding an otherwise-unbounded peer list.
func (s *State) EvictPeersOlderThan(cutoff int64) Snapshot {
	return s.mutate(func(snap *Snapshot) {
		kept := snap.DiscoveredPeers[:0:0]
		for _, p := range snap.DiscoveredPeers {
			if p.LastSeen >= cutoff {
				kept = append(kept, p)
			}
		}
		snap.DiscoveredPeers = kept
	})
}

// ClearDeviceData implements spec.md §11's supplemented clear_device_data
// semantics: clears connected_mac, connected_hid, connected_alias,
// connected_iprid, and resets session_uuid to startup_uuid.
func (s *State) ClearDeviceData() Snapshot {
	return s.mutate(func(snap *Snapshot) {
		snap.ConnectedMAC = ""
		snap.ConnectedHID = ""
		snap.ConnectedAlias = ""
		snap.ConnectedIPRID = ""
		snap.SessionUUID = snap.StartupUUID
		snap.DeviceLeshanState = LeshanUnknown
	})
}
