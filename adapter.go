// Some documentation for the BlueZ D-Bus interface:
// https://git.kernel.org/pub/scm/bluetooth/bluez.git/tree/doc

package bluezctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"tinygo.org/x/bluetooth"
)

const (
	bluezService  = "org.bluez"
	adapterPrefix = "/org/bluez/"

	defaultPropertyTimeout = 10 * time.Second
	cleanupTimeout         = 10 * time.Second
)

// Adapter is a handle to a single BlueZ adapter on the system bus.
type Adapter struct {
	id      string
	bus     busConn
	bluez   busObject // object at /
	adapter busObject // object at /org/bluez/hciX
	address string
	log     logrus.FieldLogger

	propertyTimeout time.Duration

	// one property change in flight at a time
	propertySem *semaphore.Weighted
	scanSem     *semaphore.Weighted
	scanning    atomic.Bool
}

type adapterOptions struct {
	dbusAddress     string
	device          string
	logger          logrus.FieldLogger
	propertyTimeout time.Duration
}

type AdapterOption interface {
	apply(*adapterOptions)
}

type adapterOptionFunc func(*adapterOptions)

func (f adapterOptionFunc) apply(o *adapterOptions) {
	f(o)
}

// WithDevice selects the adapter by name, for example "hci1". By default the
// first adapter BlueZ reports is used.
func WithDevice(device string) AdapterOption {
	return adapterOptionFunc(func(o *adapterOptions) {
		o.device = device
	})
}

// WithDbusAddress connects to the bus at address instead of the system bus.
func WithDbusAddress(address string) AdapterOption {
	return adapterOptionFunc(func(o *adapterOptions) {
		o.dbusAddress = address
	})
}

// WithLogger sets the logger used for debug output. Nothing is logged by
// default.
func WithLogger(logger logrus.FieldLogger) AdapterOption {
	return adapterOptionFunc(func(o *adapterOptions) {
		if logger != nil {
			o.logger = logger
		}
	})
}

// WithPropertyTimeout bounds how long setters wait for BlueZ to report the
// new property value.
func WithPropertyTimeout(timeout time.Duration) AdapterOption {
	return adapterOptionFunc(func(o *adapterOptions) {
		if timeout > 0 {
			o.propertyTimeout = timeout
		}
	})
}

func defaultAdapterOptions() adapterOptions {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	return adapterOptions{
		logger:          discard,
		propertyTimeout: defaultPropertyTimeout,
	}
}

// NewAdapter connects to the system bus and resolves the Bluetooth adapter.
// It returns ErrNoAdapter when BlueZ does not manage any adapter, or not the
// one requested with WithDevice.
func NewAdapter(options ...AdapterOption) (*Adapter, error) {
	opts := defaultAdapterOptions()

	for _, o := range options {
		o.apply(&opts)
	}

	var err error
	var bus *dbus.Conn

	if opts.dbusAddress == "" {
		bus, err = dbus.ConnectSystemBus()
	} else {
		bus, err = dbus.Connect(opts.dbusAddress, dbus.WithAuth(dbus.AuthAnonymous()))
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to bus: %w", ErrBluetooth, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	a, err := newAdapter(ctx, bus, bus.Object(bluezService, "/"), func(path dbus.ObjectPath) busObject {
		return bus.Object(bluezService, path)
	}, opts)
	if err != nil {
		_ = bus.Close()
		return nil, err
	}

	return a, nil
}

func newAdapter(ctx context.Context, bus busConn, bluez busObject, object func(dbus.ObjectPath) busObject, opts adapterOptions) (*Adapter, error) {
	path, props, err := findAdapter(ctx, bluez, opts.device)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		id:              strings.TrimPrefix(string(path), adapterPrefix),
		bus:             bus,
		bluez:           bluez,
		adapter:         object(path),
		log:             opts.logger.WithField("adapter", string(path)),
		propertyTimeout: opts.propertyTimeout,
		propertySem:     semaphore.NewWeighted(1),
		scanSem:         semaphore.NewWeighted(1),
	}
	a.address, _ = props["Address"].Value().(string)

	a.log.Debug("adapter resolved")

	return a, nil
}

// findAdapter looks up the adapter among the objects BlueZ manages. An empty
// device picks the lowest-sorted adapter path.
func findAdapter(ctx context.Context, bluez busObject, device string) (dbus.ObjectPath, map[string]dbus.Variant, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := bluez.CallWithContext(ctx, objectManagerInterface+".GetManagedObjects", 0).Store(&objects); err != nil {
		var dbusError dbus.Error
		if errors.As(err, &dbusError) && dbusError.Name == "org.freedesktop.DBus.Error.ServiceUnknown" {
			return "", nil, fmt.Errorf("%w: bluetooth service is not running", ErrNoAdapter)
		}
		return "", nil, fmt.Errorf("%w: could not list BlueZ objects: %w", ErrBluetooth, err)
	}

	if device != "" {
		path := dbus.ObjectPath(adapterPrefix + device)
		props, ok := objects[path][adapterInterface]
		if !ok {
			return "", nil, fmt.Errorf("%w: adapter %s does not exist", ErrNoAdapter, path)
		}
		return path, props, nil
	}

	paths := make([]string, 0, len(objects))
	for path, ifaces := range objects {
		if _, ok := ifaces[adapterInterface]; ok {
			paths = append(paths, string(path))
		}
	}
	if len(paths) == 0 {
		return "", nil, ErrNoAdapter
	}
	sort.Strings(paths)

	path := dbus.ObjectPath(paths[0])
	return path, objects[path][adapterInterface], nil
}

// Close closes the bus connection.
func (a *Adapter) Close() error {
	return a.bus.Close()
}

// ID returns the adapter name, for example "hci0".
func (a *Adapter) ID() string {
	return a.id
}

// Path returns the BlueZ object path of the adapter.
func (a *Adapter) Path() dbus.ObjectPath {
	return a.adapter.Path()
}

// Address returns the adapter's own Bluetooth address.
func (a *Adapter) Address() (MACAddress, error) {
	if a.address == "" {
		return MACAddress{}, fmt.Errorf("%w: adapter not enabled", ErrBluetooth)
	}
	mac, err := bluetooth.ParseMAC(a.address)
	if err != nil {
		return MACAddress{}, err
	}
	return MACAddress{MAC: mac}, nil
}

// MACAddress contains a Bluetooth address which is a MAC address.
type MACAddress struct {
	// MAC address of the Bluetooth device.
	bluetooth.MAC
}
