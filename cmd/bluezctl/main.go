package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/bakins/bluezctl"
	log "github.com/sirupsen/logrus"
)

func main() {
	var (
		address string
		device  string
		timeout time.Duration
		wait    time.Duration
		debug   bool
	)
	flag.StringVar(&address, "address", "", "dbus address")
	flag.StringVar(&device, "device", "", "adapter to use, for example hci0")
	flag.DurationVar(&timeout, "timeout", bluezctl.DefaultScanTimeout, "scan duration")
	flag.DurationVar(&wait, "wait", 10*time.Second, "how long to wait for a property change")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Usage = usage

	flag.Parse()

	if debug {
		log.SetLevel(log.DebugLevel)
	}

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	options := []bluezctl.AdapterOption{
		bluezctl.WithDbusAddress(address),
		bluezctl.WithLogger(log.StandardLogger()),
		bluezctl.WithPropertyTimeout(wait),
	}
	if device != "" {
		options = append(options, bluezctl.WithDevice(device))
	}

	if err := run(options, timeout, flag.Args()); err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage: %s [flags] <command> [arg]

commands:
  power [on|off]    show or change the adapter power state
  visible [on|off]  show or change adapter discoverability
  name [NAME]       show or change the adapter name
  scan              list nearby devices

flags:
`, os.Args[0])
	flag.PrintDefaults()
}

func run(options []bluezctl.AdapterOption, timeout time.Duration, args []string) error {
	adapter, err := bluezctl.NewAdapter(options...)
	if err != nil {
		return err
	}

	defer adapter.Close()

	ctx := context.Background()

	switch args[0] {
	case "power":
		if len(args) > 1 {
			on, err := parseSwitch(args[1])
			if err != nil {
				return err
			}
			return adapter.SetPowered(ctx, on)
		}
		on, err := adapter.Powered(ctx)
		if err != nil {
			return err
		}
		fmt.Println(formatSwitch(on))

	case "visible":
		if len(args) > 1 {
			on, err := parseSwitch(args[1])
			if err != nil {
				return err
			}
			return adapter.SetDiscoverable(ctx, on)
		}
		on, err := adapter.Discoverable(ctx)
		if err != nil {
			return err
		}
		fmt.Println(formatSwitch(on))

	case "name":
		if len(args) > 1 {
			return adapter.SetName(ctx, args[1])
		}
		name, err := adapter.Name(ctx)
		if err != nil {
			return err
		}
		fmt.Println(name)

	case "scan":
		devices, err := adapter.Scan(ctx, timeout)
		if err != nil {
			return err
		}
		if devices == nil {
			fmt.Println("no devices found")
			return nil
		}
		for _, d := range devices {
			fmt.Printf("%s\t%q\t%s\t0x%06x\t%d\n", d.Address.String(), d.Name, d.Icon, d.Class, d.RSSI)
		}

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}

	return nil
}

func parseSwitch(s string) (bool, error) {
	switch s {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func formatSwitch(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
