package bluezctl

import (
	"context"
	"sync"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"
)

// fakeBus stands in for *dbus.Conn and delivers signals to registered
// channels.
type fakeBus struct {
	mu      sync.Mutex
	chans   []chan<- *dbus.Signal
	matches int
	closed  bool
}

func (b *fakeBus) Signal(ch chan<- *dbus.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chans = append(b.chans, ch)
}

func (b *fakeBus) RemoveSignal(ch chan<- *dbus.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.chans {
		if c == ch {
			b.chans = append(b.chans[:i], b.chans[i+1:]...)
			return
		}
	}
}

func (b *fakeBus) AddMatchSignalContext(ctx context.Context, options ...dbus.MatchOption) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.matches++
	return nil
}

func (b *fakeBus) RemoveMatchSignal(options ...dbus.MatchOption) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.matches--
	return nil
}

func (b *fakeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBus) emit(sig *dbus.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.chans {
		select {
		case ch <- sig:
		default:
		}
	}
}

func (b *fakeBus) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chans)
}

func (b *fakeBus) matchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.matches
}

func (b *fakeBus) emitPropertiesChanged(path dbus.ObjectPath, iface string, changes map[string]dbus.Variant) {
	b.emit(&dbus.Signal{
		Sender: ":1.7",
		Path:   path,
		Name:   propertiesChangedSignal,
		Body:   []interface{}{iface, changes, []string{}},
	})
}

func (b *fakeBus) emitInterfacesAdded(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) {
	b.emit(&dbus.Signal{
		Sender: ":1.7",
		Path:   "/",
		Name:   interfacesAddedSignal,
		Body:   []interface{}{path, ifaces},
	})
}

// fakeObject stands in for a BlueZ object. Like BlueZ, setting a property to
// its current value succeeds without emitting PropertiesChanged. Otherwise a
// signal is emitted unless onSet is provided.
type fakeObject struct {
	mu      sync.Mutex
	bus     *fakeBus
	path    dbus.ObjectPath
	props   map[string]dbus.Variant
	objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	errs    map[string]error
	calls   []string

	onGetAll         func()
	onSet            func(name string, value dbus.Variant)
	onStartDiscovery func()
}

func newFakeObject(bus *fakeBus, path dbus.ObjectPath) *fakeObject {
	return &fakeObject{
		bus:   bus,
		path:  path,
		props: make(map[string]dbus.Variant),
		errs:  make(map[string]error),
	}
}

func (o *fakeObject) CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	o.mu.Lock()
	o.calls = append(o.calls, method)
	err := o.errs[method]
	o.mu.Unlock()

	if err != nil {
		return &dbus.Call{Err: err}
	}

	switch method {
	case objectManagerInterface + ".GetManagedObjects":
		o.mu.Lock()
		defer o.mu.Unlock()
		return &dbus.Call{Body: []interface{}{o.objects}}

	case propertiesInterface + ".GetAll":
		if o.onGetAll != nil {
			o.onGetAll()
		}
		o.mu.Lock()
		defer o.mu.Unlock()
		props := make(map[string]dbus.Variant, len(o.props))
		for k, v := range o.props {
			props[k] = v
		}
		return &dbus.Call{Body: []interface{}{props}}

	case propertiesInterface + ".Set":
		name := args[1].(string)
		value := args[2].(dbus.Variant)

		o.mu.Lock()
		old, had := o.props[name]
		o.props[name] = value
		onSet := o.onSet
		o.mu.Unlock()

		if had && old.Value() == value.Value() {
			break
		}
		if onSet != nil {
			onSet(name, value)
		} else {
			o.bus.emitPropertiesChanged(o.path, args[0].(string), map[string]dbus.Variant{name: value})
		}

	case adapterInterface + ".StartDiscovery":
		if o.onStartDiscovery != nil {
			o.onStartDiscovery()
		}
	}

	return &dbus.Call{}
}

func (o *fakeObject) Path() dbus.ObjectPath {
	return o.path
}

func (o *fakeObject) called(method string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, c := range o.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (o *fakeObject) prop(name string) interface{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.props[name].Value()
}

type testAdapter struct {
	*Adapter
	bus    *fakeBus
	object *fakeObject // the adapter
	root   *fakeObject
}

func adapterProps(powered, discoverable bool) map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"Address":      dbus.MakeVariant("00:1A:7D:DA:71:13"),
		"Name":         dbus.MakeVariant("host"),
		"Alias":        dbus.MakeVariant("host"),
		"Class":        dbus.MakeVariant(uint32(0x6c010c)),
		"Powered":      dbus.MakeVariant(powered),
		"Discoverable": dbus.MakeVariant(discoverable),
		"Discovering":  dbus.MakeVariant(false),
	}
}

func newTestAdapter(t *testing.T, props map[string]dbus.Variant, options ...AdapterOption) *testAdapter {
	t.Helper()

	bus := &fakeBus{}

	root := newFakeObject(bus, "/")
	root.objects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
		"/org/bluez":      {"org.bluez.AgentManager1": {}},
		"/org/bluez/hci0": {adapterInterface: props},
	}

	object := newFakeObject(bus, "")
	for k, v := range props {
		object.props[k] = v
	}

	opts := defaultAdapterOptions()
	for _, o := range options {
		o.apply(&opts)
	}

	a, err := newAdapter(context.Background(), bus, root, func(path dbus.ObjectPath) busObject {
		object.path = path
		return object
	}, opts)
	require.NoError(t, err)

	return &testAdapter{
		Adapter: a,
		bus:     bus,
		object:  object,
		root:    root,
	}
}
