package blelink

import (
	"time"

	"github.com/go-ble/ble"
)

// Options configures a Link, mirroring the teacher's *Options /
// Default*Options() construction idiom (pkg/connection.ConnectOptions).
type Options struct {
	Addr    string
	Adapter string

	WriteUUID ble.UUID
	ReadUUID  ble.UUID

	Timeout       time.Duration
	AutoReconnect bool

	ScanRetries int
	ScanTimeout time.Duration

	ConnectRetries int
	ConnectBackoff time.Duration

	ReconnectRetries        int
	ReconnectScanTimeout    time.Duration
	ReconnectConnectTimeout time.Duration
	ReconnectBackoff        time.Duration

	DisconnectWatchdog time.Duration
}

// DefaultOptions mirrors spec.md §6's default BLE parameters.
func DefaultOptions(addr string) *Options {
	return &Options{
		Addr:                    addr,
		Adapter:                 "hci0",
		WriteUUID:               ble.MustParse("98bd0002-0b0e-421a-84e5-ddbf75dc6de4"),
		ReadUUID:                ble.MustParse("98bd0003-0b0e-421a-84e5-ddbf75dc6de4"),
		Timeout:                 40 * time.Second,
		AutoReconnect:           true,
		ScanRetries:             3,
		ScanTimeout:             15 * time.Second,
		ConnectRetries:          5,
		ConnectBackoff:          1 * time.Second,
		ReconnectRetries:        5,
		ReconnectScanTimeout:    30 * time.Second,
		ReconnectConnectTimeout: 20 * time.Second,
		ReconnectBackoff:        10 * time.Second,
		DisconnectWatchdog:      5 * time.Second,
	}
}
