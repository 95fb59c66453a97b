// Command exoskernel is the hosted simulator: a hosted test harness that
// links the virtual-memory, network, and device-context subsystems
// together behind a software NIC, the same way a booted kernel would
// link them behind real hardware. See SPEC_FULL.md 0 for the mapping
// from kernel subsystem to hosted package.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"devctx"
	"ethernet"
	"klog"
	"netif"
	"netmgr"
	"wire"

	"config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "exoskernel:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to a config file (Network.* keys); omitted means use -local-ip/-netmask/-gateway")
		localIP    = flag.String("local-ip", "10.0.2.15", "static local IPv4 address, dotted quad")
		netmask    = flag.String("netmask", "255.255.255.0", "static netmask, dotted quad")
		gateway    = flag.String("gateway", "10.0.2.2", "static gateway, dotted quad")
		deviceName = flag.String("device", "eth0", "simulated device name")
		loopback   = flag.Bool("loopback", false, "loop every transmitted frame back in as received, for exercising the stack without a peer")
		poll       = flag.Duration("poll-interval", netmgr.DefaultPollInterval, "NetworkManager poll interval")
		verbose    = flag.Bool("v", false, "verbose logging")
		memDemo    = flag.Bool("mem-demo", false, "run the virtual-memory subsystem demo and exit")
		fsDemo     = flag.Bool("fs-demo", false, "run the FAT filesystem subsystem demo and exit")
	)
	flag.Parse()

	log := klog.NewFuncr(os.Stdout, *verbose)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = klog.NewContext(ctx, log)

	if *memDemo {
		return runMemoryDemo(log)
	}
	if *fsDemo {
		return runFilesystemDemo(log)
	}

	net := config.Network{
		LocalIP: parseDottedQuadOrFatal(*localIP),
		Netmask: parseDottedQuadOrFatal(*netmask),
		Gateway: parseDottedQuadOrFatal(*gateway),
	}
	if *configPath != "" {
		f, err := os.Open(*configPath)
		if err != nil {
			return fmt.Errorf("opening config: %w", err)
		}
		defer f.Close()
		cfg, err := config.Parse(f)
		if err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
		net = cfg.Network
	}

	registry := devctx.NewRegistry()
	dev := &devctx.Device{Name: *deviceName}
	nic := newVirtualNIC(log, ethernet.MAC{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}, 1500, *loopback)

	iface, err := netif.New(registry, dev, nic, net.LocalIP, net.Netmask, net.Gateway, netif.Options{UseDHCP: net.UseDHCP})
	if err != nil {
		return fmt.Errorf("building interface: %w", err)
	}

	log.Info("interface up", "device", dev.Name, "localIP", net.LocalIP.String(), "dhcp", net.UseDHCP)

	mgr := netmgr.New(log, *poll, iface)
	if err := mgr.Run(ctx); err != nil {
		return fmt.Errorf("network manager: %w", err)
	}
	log.Info("shutting down")
	return nil
}

func parseDottedQuadOrFatal(s string) wire.Addr {
	var b [4]byte
	var a, c, d, e int
	if _, err := fmt.Sscanf(s, "%d.%d.%d.%d", &a, &c, &d, &e); err != nil {
		fmt.Fprintf(os.Stderr, "exoskernel: bad address %q: %v\n", s, err)
		os.Exit(2)
	}
	b[0], b[1], b[2], b[3] = byte(a), byte(c), byte(d), byte(e)
	return wire.ParseAddr(b[:])
}
