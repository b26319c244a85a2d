package bledevice

import (
	"context"
	"fmt"
	"time"

	"github.com/go-ble/ble"
)

// HappResult is one advertisement collected by ScanHapp: a candidate HAPP
// peripheral along with the data the control channel's ScanHappDevices
// (opcode 0x10) response needs (spec.md §4.6, GLOSSARY "HAPP scan").
type HappResult struct {
	MAC  string
	UUID string
	RSSI int
}

// ScanHapp scans for duration, collecting one HappResult per distinct
// address that advertises at least one service UUID. The first
// advertised service UUID is treated as the endpoint UUID, per the
// GLOSSARY's "HAPP scan" definition.
var ScanHapp = func(ctx context.Context, duration time.Duration) ([]HappResult, error) {
	d, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("bledevice: creating adapter device: %w", err)
	}
	ble.SetDefaultDevice(d)

	scanCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	seen := make(map[string]HappResult)
	handler := func(adv ble.Advertisement) {
		svcs := adv.Services()
		if len(svcs) == 0 {
			return
		}
		addr := adv.Addr().String()
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = HappResult{
			MAC:  addr,
			UUID: svcs[0].String(),
			RSSI: adv.RSSI(),
		}
	}

	if err := ble.Scan(scanCtx, true, handler, nil); err != nil && scanCtx.Err() == nil {
		return nil, fmt.Errorf("bledevice: happ scan: %w", err)
	}

	results := make([]HappResult, 0, len(seen))
	for _, r := range seen {
		results = append(results, r)
	}
	return results, nil
}
