package bluezctl

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/godbus/dbus/v5"
)

// maxNameLength is the longest local name Bluetooth allows, in bytes.
const maxNameLength = 248

// AdapterProperties is a snapshot of the org.bluez.Adapter1 properties.
type AdapterProperties struct {
	Address      string
	Name         string
	Alias        string
	Class        uint32
	Powered      bool
	Discoverable bool
	Discovering  bool
}

func makeAdapterProperties(props map[string]dbus.Variant) AdapterProperties {
	var p AdapterProperties
	p.Address, _ = props["Address"].Value().(string)
	p.Name, _ = props["Name"].Value().(string)
	p.Alias, _ = props["Alias"].Value().(string)
	p.Class, _ = props["Class"].Value().(uint32)
	p.Powered, _ = props["Powered"].Value().(bool)
	p.Discoverable, _ = props["Discoverable"].Value().(bool)
	p.Discovering, _ = props["Discovering"].Value().(bool)
	return p
}

// Properties reads all adapter properties.
func (a *Adapter) Properties(ctx context.Context) (AdapterProperties, error) {
	var props map[string]dbus.Variant
	err := a.adapter.CallWithContext(ctx, propertiesInterface+".GetAll", 0, adapterInterface).Store(&props)
	if err != nil {
		return AdapterProperties{}, fmt.Errorf("%w: failed to read adapter properties: %w", ErrBluetooth, err)
	}
	return makeAdapterProperties(props), nil
}

// Powered reports whether the adapter is switched on.
func (a *Adapter) Powered(ctx context.Context) (bool, error) {
	props, err := a.Properties(ctx)
	if err != nil {
		return false, err
	}
	return props.Powered, nil
}

// SetPowered switches the adapter on or off and waits until BlueZ reports
// the change. It does nothing if the adapter is already in that state.
func (a *Adapter) SetPowered(ctx context.Context, powered bool) error {
	return a.updateProperty(ctx, "Powered", powered, func(ctx context.Context) (interface{}, error) {
		return a.Powered(ctx)
	})
}

// Discoverable reports whether the adapter is visible to other devices. It
// fails with ErrAdapterOff when the adapter is not powered.
func (a *Adapter) Discoverable(ctx context.Context) (bool, error) {
	props, err := a.Properties(ctx)
	if err != nil {
		return false, err
	}
	if !props.Powered {
		return false, ErrAdapterOff
	}
	return props.Discoverable, nil
}

// SetDiscoverable makes the adapter visible or invisible and waits until
// BlueZ reports the change.
func (a *Adapter) SetDiscoverable(ctx context.Context, discoverable bool) error {
	return a.updateProperty(ctx, "Discoverable", discoverable, func(ctx context.Context) (interface{}, error) {
		return a.Discoverable(ctx)
	})
}

// Name returns the friendly name of the adapter.
func (a *Adapter) Name(ctx context.Context) (string, error) {
	props, err := a.Properties(ctx)
	if err != nil {
		return "", err
	}
	if props.Alias != "" {
		return props.Alias, nil
	}
	return props.Name, nil
}

// SetName changes the friendly name of the adapter and waits until BlueZ
// reports the change.
func (a *Adapter) SetName(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	return a.updateProperty(ctx, "Alias", name, func(ctx context.Context) (interface{}, error) {
		return a.Name(ctx)
	})
}

func validateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: name must not be empty", ErrInvalidArgument)
	case !utf8.ValidString(name):
		return fmt.Errorf("%w: name must be valid UTF-8", ErrInvalidArgument)
	case len(name) > maxNameLength:
		return fmt.Errorf("%w: name is longer than %d bytes", ErrInvalidArgument, maxNameLength)
	}
	return nil
}

// updateProperty writes value unless current already reports it. The read and
// the write happen under one hold of propertySem: BlueZ emits no
// PropertiesChanged for a write that changes nothing, so a setter must never
// write a value another setter already applied.
func (a *Adapter) updateProperty(ctx context.Context, name string, value interface{}, current func(context.Context) (interface{}, error)) error {
	ctx, cancel := context.WithTimeout(ctx, a.propertyTimeout)
	defer cancel()

	if err := a.propertySem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %s did not change: %w", ErrBluetooth, name, err)
	}
	defer a.propertySem.Release(1)

	v, err := current(ctx)
	if err != nil {
		return err
	}
	if v == value {
		return nil
	}
	return a.setProperty(ctx, name, value)
}

// setProperty writes an adapter property and blocks until a PropertiesChanged
// signal carries the new value. The caller holds propertySem.
func (a *Adapter) setProperty(ctx context.Context, name string, value interface{}) error {
	log := a.log.WithField("property", name)

	// Start watching before the write so the change cannot be missed.
	signal := make(chan *dbus.Signal, 16)
	unsubscribe, err := subscribe(ctx, a.bus, signal, []dbus.MatchOption{
		dbus.WithMatchInterface(propertiesInterface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchObjectPath(a.adapter.Path()),
		dbus.WithMatchArg(0, adapterInterface),
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	err = a.adapter.CallWithContext(ctx, propertiesInterface+".Set", 0, adapterInterface, name, dbus.MakeVariant(value)).Err
	if err != nil {
		return fmt.Errorf("%w: failed to set %s: %w", ErrBluetooth, name, err)
	}

	log.WithField("value", value).Debug("waiting for property change")

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s did not change: %w", ErrBluetooth, name, ctx.Err())
		case sig, ok := <-signal:
			if !ok {
				return fmt.Errorf("%w: %s did not change", ErrBluetooth, name)
			}
			if sig.Name != propertiesChangedSignal || sig.Path != a.adapter.Path() {
				continue
			}
			changes, ok := propertyChanges(sig, adapterInterface)
			if !ok {
				continue
			}
			if v, ok := changes[name]; ok && v.Value() == value {
				log.Debug("property changed")
				return nil
			}
		}
	}
}

// propertyChanges returns the changed properties of a PropertiesChanged
// signal if it concerns iface.
func propertyChanges(sig *dbus.Signal, iface string) (map[string]dbus.Variant, bool) {
	if len(sig.Body) < 2 {
		return nil, false
	}
	if name, ok := sig.Body[0].(string); !ok || name != iface {
		return nil, false
	}
	changes, ok := sig.Body[1].(map[string]dbus.Variant)
	return changes, ok
}
