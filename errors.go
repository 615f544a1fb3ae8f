package bluezctl

import (
	"errors"
	"fmt"
)

var (
	// ErrBluetooth is wrapped by every error this package produces itself, so
	// errors.Is(err, ErrBluetooth) matches any of them.
	ErrBluetooth = errors.New("bluetooth")

	// ErrNoAdapter is returned by NewAdapter when the system has no usable
	// Bluetooth adapter.
	ErrNoAdapter = fmt.Errorf("%w: the system does not have a bluetooth adapter", ErrBluetooth)

	// ErrAdapterOff is returned by operations that need a powered adapter.
	ErrAdapterOff = fmt.Errorf("%w: the adapter is turned off", ErrBluetooth)

	// ErrInvalidArgument is returned for a bad adapter name or scan timeout.
	ErrInvalidArgument = fmt.Errorf("%w: invalid argument", ErrBluetooth)

	// ErrScanInProgress is returned by Scan while another scan runs.
	ErrScanInProgress = fmt.Errorf("%w: a scan is already in progress", ErrBluetooth)
)
