package bluezctl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"
)

// DefaultScanTimeout is the scan duration used when Scan is given zero.
const DefaultScanTimeout = 5 * time.Second

// DiscoveredDevice is a device seen during a scan. Name and Icon are empty
// when the device did not report them.
type DiscoveredDevice struct {
	Address MACAddress
	Name    string
	Icon    string
	// Class is the class of device, zero for devices that did not report one
	// (most LE-only devices).
	Class uint32
	RSSI  int16
}

// Scan runs device discovery for timeout and returns the devices seen. A
// zero timeout means DefaultScanTimeout, never an empty scan. It returns nil
// when nothing was found.
// Only one scan may run at a time; a second call fails with ErrScanInProgress.
func (a *Adapter) Scan(ctx context.Context, timeout time.Duration) ([]DiscoveredDevice, error) {
	if timeout < 0 {
		return nil, fmt.Errorf("%w: negative scan timeout %s", ErrInvalidArgument, timeout)
	}
	if timeout == 0 {
		timeout = DefaultScanTimeout
	}

	if !a.scanSem.TryAcquire(1) {
		return nil, ErrScanInProgress
	}
	defer a.scanSem.Release(1)

	a.scanning.Store(true)
	defer a.scanning.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// there's a small race when signals may be dropped by us
	// as we do more setup, so use a buffered channel. If we don't
	// then we miss some devices.
	signal := make(chan *dbus.Signal, 1024)

	unsubscribe, err := subscribe(ctx, a.bus, signal,
		[]dbus.MatchOption{
			dbus.WithMatchInterface(propertiesInterface),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchArg(0, deviceInterface),
		},
		[]dbus.MatchOption{
			dbus.WithMatchInterface(objectManagerInterface),
			dbus.WithMatchMember("InterfacesAdded"),
		},
	)
	if err != nil {
		return nil, err
	}
	defer unsubscribe()

	// Devices BlueZ already knows about do not show up in InterfacesAdded
	// again, only as property updates, so keep their properties around.
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := a.bluez.CallWithContext(ctx, objectManagerInterface+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("%w: could not list known devices: %w", ErrBluetooth, err)
	}

	known := make(map[dbus.ObjectPath]map[string]dbus.Variant)
	for path, ifaces := range objects {
		props, ok := ifaces[deviceInterface]
		if !ok || !a.ownsDevice(path) {
			continue
		}
		known[path] = props
	}

	// Instruct BlueZ to start discovering.
	if err := a.adapter.CallWithContext(ctx, adapterInterface+".StartDiscovery", 0).Err; err != nil {
		var dbusError dbus.Error
		if errors.As(err, &dbusError) {
			if dbusError.Name == "org.bluez.Error.InProgress" || dbusError.Error() == "Operation already in progress" {
				err = nil
			}
		}

		if err != nil {
			return nil, fmt.Errorf("%w: failed to start discovery: %w", ErrBluetooth, err)
		}
	}

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()

		if err := a.adapter.CallWithContext(ctx, adapterInterface+".StopDiscovery", 0).Err; err != nil {
			a.log.WithError(err).Debug("failed to stop discovery")
		}
	}()

	a.log.WithField("timeout", timeout).Debug("discovery started")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	found := make(map[dbus.ObjectPath]map[string]dbus.Variant)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timer.C:
			a.log.WithField("devices", len(found)).Debug("discovery finished")
			return collectDevices(found), nil

		case sig, ok := <-signal:
			if !ok {
				return collectDevices(found), nil
			}
			// This channel receives anything that we watch for, so we'll have
			// to check for signals that are relevant to us.
			switch sig.Name {
			case interfacesAddedSignal:
				if len(sig.Body) < 2 {
					continue
				}
				path, ok := sig.Body[0].(dbus.ObjectPath)
				if !ok || !a.ownsDevice(path) {
					continue
				}
				interfaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
				if !ok {
					continue
				}
				props, ok := interfaces[deviceInterface]
				if !ok {
					continue
				}

				known[path] = props
				found[path] = props
				a.logDevice(path, props)

			case propertiesChangedSignal:
				if !a.ownsDevice(sig.Path) {
					continue
				}
				changes, ok := propertyChanges(sig, deviceInterface)
				if !ok {
					continue
				}
				props, ok := known[sig.Path]
				if !ok {
					continue
				}
				for k, v := range changes {
					props[k] = v
				}

				// A cached device counts as found once the radio hears it.
				if _, seen := found[sig.Path]; !seen {
					if _, ok := changes["RSSI"]; !ok {
						continue
					}
					found[sig.Path] = props
					a.logDevice(sig.Path, props)
				}
			}
		}
	}
}

// IsScanning reports whether a scan is running.
func (a *Adapter) IsScanning() bool {
	return a.scanning.Load()
}

// ownsDevice reports whether path is a device object below this adapter.
func (a *Adapter) ownsDevice(path dbus.ObjectPath) bool {
	return strings.HasPrefix(string(path), string(a.adapter.Path())+"/")
}

func (a *Adapter) logDevice(path dbus.ObjectPath, props map[string]dbus.Variant) {
	name, _ := props["Name"].Value().(string)
	a.log.WithField("device", string(path)).WithField("name", name).Debug("device found")
}

// collectDevices returns the found devices ordered by address, or nil.
func collectDevices(found map[dbus.ObjectPath]map[string]dbus.Variant) []DiscoveredDevice {
	if len(found) == 0 {
		return nil
	}

	devices := make([]DiscoveredDevice, 0, len(found))
	for _, props := range found {
		device, ok := makeDiscoveredDevice(props)
		if !ok {
			continue
		}
		devices = append(devices, device)
	}
	if len(devices) == 0 {
		return nil
	}

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Address.String() < devices[j].Address.String()
	})

	return devices
}

// makeDiscoveredDevice creates a DiscoveredDevice from raw Device1 properties.
// Devices without a parseable address are skipped.
func makeDiscoveredDevice(props map[string]dbus.Variant) (DiscoveredDevice, bool) {
	address, _ := props["Address"].Value().(string)
	mac, err := bluetooth.ParseMAC(address)
	if err != nil {
		return DiscoveredDevice{}, false
	}

	// Get optional properties.
	name, _ := props["Name"].Value().(string)
	icon, _ := props["Icon"].Value().(string)
	class, _ := props["Class"].Value().(uint32)
	rssi, _ := props["RSSI"].Value().(int16)

	return DiscoveredDevice{
		Address: MACAddress{MAC: mac},
		Name:    name,
		Icon:    icon,
		Class:   class,
		RSSI:    rssi,
	}, true
}
