package blelink

import "errors"

// ErrDeviceNotFound is the terminal error when every scan attempt misses
// the target address (spec.md §4.3 "Device not found").
var ErrDeviceNotFound = errors.New("blelink: device not found")

// ErrConnectFailed is the terminal error when every connect attempt fails.
var ErrConnectFailed = errors.New("blelink: connect failed")

// ErrStopped is returned by operations attempted after Stop has been
// called.
var ErrStopped = errors.New("blelink: link stopped")
