package bluezctl

import (
	"context"

	"github.com/godbus/dbus/v5"
)

const (
	adapterInterface       = "org.bluez.Adapter1"
	deviceInterface        = "org.bluez.Device1"
	propertiesInterface    = "org.freedesktop.DBus.Properties"
	objectManagerInterface = "org.freedesktop.DBus.ObjectManager"

	propertiesChangedSignal = propertiesInterface + ".PropertiesChanged"
	interfacesAddedSignal   = objectManagerInterface + ".InterfacesAdded"
)

// busConn is the part of *dbus.Conn the adapter needs.
type busConn interface {
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	AddMatchSignalContext(ctx context.Context, options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Close() error
}

// busObject is the part of dbus.BusObject the adapter needs.
type busObject interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
	Path() dbus.ObjectPath
}

// subscribe registers ch once and adds a match rule for each set of options.
// The returned function undoes both.
func subscribe(ctx context.Context, bus busConn, ch chan *dbus.Signal, rules ...[]dbus.MatchOption) (func(), error) {
	bus.Signal(ch)

	added := 0
	unsubscribe := func() {
		for _, rule := range rules[:added] {
			_ = bus.RemoveMatchSignal(rule...)
		}
		bus.RemoveSignal(ch)
	}

	for _, rule := range rules {
		if err := bus.AddMatchSignalContext(ctx, rule...); err != nil {
			unsubscribe()
			return nil, err
		}
		added++
	}

	return unsubscribe, nil
}
