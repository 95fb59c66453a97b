// Package netif builds one Device's full protocol stack (ARP, IPv4, UDP,
// DHCP, TCP, sockets) and owns the single DF_NT_SETRXCB slot every NIC
// driver exposes, demultiplexing received frames to the right protocol
// by EtherType.
//
// This is the redesign spec.md 9 calls for under "Global mutable
// protocol state": instead of a GlobalArp/g_UDPDevice singleton, each
// Device gets one Interface bundling its protocol contexts, registered
// in devctx.Registry so NetworkManager (package netmgr) can route work
// to it without module-level globals.
package netif

import (
	"arp"
	"defs"
	"devctx"
	"dhcp"
	"ethernet"
	"ipv4"
	"socket"
	"tcp"
	"udp"
	"wire"
)

// / Interface is one Device's attached protocol state plus the demux that
// / routes DF_NT_SETRXCB callbacks to ARP and IPv4 (UDP/TCP dispatch
// / further from inside IPv4 by protocol number).
type Interface struct {
	Device *devctx.Device
	Driver ethernet.Driver
	ARP    *arp.Context
	IPv4   *ipv4.Context
	UDP    *udp.Context
	DHCP   *dhcp.Context
	TCP    *tcp.Context
	Socket *socket.Context
}

// / Options configures the pieces of an Interface that aren't always
// / wanted: a statically-addressed device has no use for a DHCP client.
type Options struct {
	// UseDHCP, when true, builds a dhcp.Context bound to the interface
	// and calls Start() immediately instead of relying on the static
	// localIP/netmask/gateway triple.
	UseDHCP bool
	DHCP    []dhcp.Option
}

// / New builds and wires an Interface: ARP, IPv4, UDP, TCP and the socket
// / layer, then DHCP when opts.UseDHCP is set, registers every context in registry
// / under its TypeID, and claims the device's one RX callback slot with a
// / demuxer.
func New(registry *devctx.Registry, dev *devctx.Device, drv ethernet.Driver, localIP, netmask, gateway wire.Addr, opts Options) (*Interface, error) {
	a, err := arp.Initialize(drv, localIP)
	if err != nil {
		return nil, err
	}
	ip, err := ipv4.Initialize(drv, a, localIP, netmask, gateway)
	if err != nil {
		return nil, err
	}
	u := udp.Initialize(ip)
	tc := tcp.Initialize(ip)
	sc := socket.Initialize(tc)

	iface := &Interface{Device: dev, Driver: drv, ARP: a, IPv4: ip, UDP: u, TCP: tc, Socket: sc}

	if opts.UseDHCP {
		d, err := dhcp.Initialize(dev.Name, drv, ip, u, opts.DHCP...)
		if err != nil {
			return nil, err
		}
		iface.DHCP = d
		if err := registry.SetDeviceContext(dev, defs.KOID_DHCP, d); err != nil {
			return nil, err
		}
		d.Start()
	}

	if err := registry.SetDeviceContext(dev, defs.KOID_ARP, a); err != nil {
		return nil, err
	}
	if err := registry.SetDeviceContext(dev, defs.KOID_IPV4, ip); err != nil {
		return nil, err
	}
	if err := registry.SetDeviceContext(dev, defs.KOID_UDP, u); err != nil {
		return nil, err
	}
	if err := registry.SetDeviceContext(dev, defs.KOID_TCP, tc); err != nil {
		return nil, err
	}
	if err := registry.SetDeviceContext(dev, defs.KOID_SOCKET, sc); err != nil {
		return nil, err
	}

	if err := ethernet.SetRxCallback(drv, iface.demux); err != nil {
		return nil, err
	}
	return iface, nil
}

func (i *Interface) demux(frame []byte) {
	eh, ok := ethernet.ParseHeader(frame)
	if !ok {
		return
	}
	switch eh.EtherType {
	case ethernet.ETHERTYPE_ARP:
		i.ARP.OnEthernetFrame(frame)
	case ethernet.ETHERTYPE_IPV4:
		i.IPv4.OnEthernetFrame(frame)
	}
}

// / Tick advances this interface's per-second maintenance: ARP aging and,
// / if present, the DHCP client's retry/renewal timers and TCP's
// / retransmit/time-wait timers (spec.md 5).
func (i *Interface) Tick() {
	i.ARP.Tick()
	if i.DHCP != nil {
		i.DHCP.Tick()
	}
	i.TCP.Update()
}
