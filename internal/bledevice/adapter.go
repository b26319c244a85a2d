// Package bledevice is the thin go-ble adapter used by internal/blelink: it
// owns dialing, profile discovery, characteristic resolution, subscription
// and writes (spec.md §6 "BLE GATT", out-of-scope list: connect,
// write_without_response, subscribe_notify, disconnect, scan_by_address).
//
// Grounded on the teacher's pkg/connection/connection.go and
// pkg/ble/scanner.go, retargeted from the teacher's darwin backend to Linux
// (BlueZ/hci), matching the HQV gateway agent's embedded-Linux deployment
// target (original_source/Gateway config used adapter "hci0").
package bledevice

import (
	"context"
	"fmt"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// DeviceFactory creates the platform BLE device; overridable in tests the
// way the teacher's pkg/ble.DeviceFactory is.
var DeviceFactory = func() (ble.Device, error) {
	return linux.NewDevice()
}

// GattClient is the narrow surface of ble.Client this package depends on.
// ble.Client (an interface) is structurally assignable to it, so tests can
// supply a hand-written fake without any mocking framework.
type GattClient interface {
	Addr() ble.Addr
	DiscoverProfile(force bool) (*ble.Profile, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	CancelConnection() error
	Disconnected() <-chan struct{}
}

// Dial connects to addr on the device DeviceFactory returns (the default
// HCI device; no adapter is selected by name) and returns the raw client,
// ready for DiscoverProfile. Callers apply their own timeout via ctx.
var Dial = func(ctx context.Context, addr string) (GattClient, error) {
	d, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("bledevice: creating adapter device: %w", err)
	}
	ble.SetDefaultDevice(d)

	client, err := ble.Dial(ctx, ble.NewAddr(addr))
	if err != nil {
		return nil, fmt.Errorf("bledevice: dialing %s: %w", addr, err)
	}
	return client, nil
}

// ScanByAddress scans for duration looking for an advertisement from addr.
// It returns nil if found before duration elapses, or the scan's error
// (including context.DeadlineExceeded on a miss) otherwise.
var ScanByAddress = func(ctx context.Context, addr string, duration time.Duration) error {
	d, err := DeviceFactory()
	if err != nil {
		return fmt.Errorf("bledevice: creating adapter device: %w", err)
	}
	ble.SetDefaultDevice(d)

	scanCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	found := make(chan struct{}, 1)
	filter := func(adv ble.Advertisement) bool {
		return adv.Addr().String() == addr
	}
	handler := func(adv ble.Advertisement) {
		select {
		case found <- struct{}{}:
		default:
		}
	}

	scanErr := make(chan error, 1)
	go func() {
		scanErr <- ble.Scan(scanCtx, false, handler, filter)
	}()

	select {
	case <-found:
		cancel()
		<-scanErr
		return nil
	case err := <-scanErr:
		if err != nil {
			return fmt.Errorf("bledevice: scan for %s: %w", addr, err)
		}
		return fmt.Errorf("bledevice: %s not found within %s", addr, duration)
	}
}

// ResolveCharacteristics finds the write and read characteristics on
// profile by UUID, requiring writeUUID to support write-without-response
// and readUUID to support notify, per spec.md §4.3.
func ResolveCharacteristics(profile *ble.Profile, writeUUID, readUUID ble.UUID) (write, read *ble.Characteristic, err error) {
	for _, service := range profile.Services {
		for _, c := range service.Characteristics {
			if c.UUID.Equal(writeUUID) && c.Property&ble.CharWriteNR != 0 {
				write = c
			}
			if c.UUID.Equal(readUUID) && c.Property&ble.CharNotify != 0 {
				read = c
			}
		}
	}
	if write == nil {
		return nil, nil, fmt.Errorf("bledevice: write characteristic %s not found or missing write-without-response", writeUUID)
	}
	if read == nil {
		return nil, nil, fmt.Errorf("bledevice: read characteristic %s not found or missing notify", readUUID)
	}
	return write, read, nil
}
