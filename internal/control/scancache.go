package control

import (
	"github.com/cornelk/hashmap"

	"github.com/syncore/hqvgw/internal/session"
)

// scanCache is the concurrent index over the most recent HAPP scan
// (opcode 0x10), keyed by MAC. StartGateway (opcode 0x0E) and the control
// dispatcher's connection-handling goroutine both read it while
// ScanHappDevices's handler (run from the same single accepted
// connection, but potentially racing a background re-scan) writes it, so
// it is backed by the lock-free map the teacher's scanner package uses for
// its own concurrently-read device cache.
type scanCache struct {
	m *hashmap.Map[string, session.ScanEntry]
}

func newScanCache() *scanCache {
	return &scanCache{m: hashmap.New[string, session.ScanEntry]()}
}

func (c *scanCache) put(entries []session.ScanEntry) {
	for _, e := range entries {
		c.m.Set(e.MAC, e)
	}
}

func (c *scanCache) get(mac string) (session.ScanEntry, bool) {
	return c.m.Get(mac)
}

// reset drops every cached entry; called before ingesting a fresh scan so
// devices that no longer answer don't linger in last_scan indefinitely.
func (c *scanCache) reset() {
	c.m.Range(func(key string, _ session.ScanEntry) bool {
		c.m.Del(key)
		return true
	})
}
