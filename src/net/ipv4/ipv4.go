// Package ipv4 implements IPv4 protocol dispatch and the ARP-gated
// pending-packet queue of spec.md 4.7: it is the layer every other
// protocol (UDP, TCP, DHCP's broadcast path) sends through, and the
// layer ARP notifies when a resolution unblocks queued datagrams.
//
// Grounded on original_source's NetworkManager.c dispatch-by-protocol
// pattern and ARP.h's header layout conventions, generalized from
// ARP's fixed packet struct to a 20-byte-no-options IPv4 header
// (spec.md 6 "no options").
package ipv4

import (
	"encoding/binary"
	"sync"

	"arp"
	"ethernet"
	"wire"
)

const (
	HeaderLen  = 20
	version4   = 4
	ihl5       = 5
	defaultTTL = 64

	// PendingSlots is spec.md 3's fixed 16-slot pending-packet ring.
	PendingSlots = 16
	maxPayload   = 1500 - HeaderLen
)

// / Protocol numbers used by the handler table.
const (
	ProtoUDP = 17
	ProtoTCP = 6
)

// / SendResult is the tri-state spec.md 4.7's Send returns.
type SendResult int

const (
	IMMEDIATE SendResult = iota
	PENDING
	FAILED
)

// / Handler receives a fully validated IPv4 payload for its protocol.
type Handler func(src, dst wire.Addr, payload []byte)

type pendingSlot struct {
	valid   bool
	dest    wire.Addr
	nextHop wire.Addr
	proto   byte
	payload []byte
}

// / Context is the per-device IPv4 state registered under
// / defs.KOID_IPV4.
type Context struct {
	mu       sync.Mutex
	drv      ethernet.Driver
	localMAC ethernet.MAC
	arp      *arp.Context

	LocalIP wire.Addr
	Netmask wire.Addr
	Gateway wire.Addr

	handlers [256]Handler
	pending  [PendingSlots]pendingSlot
}

// / Initialize binds an IPv4 context to a device's ARP context. Like
// / arp.Initialize, it does not claim the device's single RX slot
// / itself; a netif.Interface demuxer routes ETHERTYPE_IPV4 frames to
// / OnEthernetFrame.
func Initialize(drv ethernet.Driver, a *arp.Context, localIP, netmask, gateway wire.Addr) (*Context, error) {
	info, err := ethernet.GetInfo(drv)
	if err != nil {
		return nil, err
	}
	c := &Context{
		drv:      drv,
		localMAC: info.MAC,
		arp:      a,
		LocalIP:  localIP,
		Netmask:  netmask,
		Gateway:  gateway,
	}
	a.SetResolvedCallback(c.OnArpResolved)
	return c, nil
}

// / Destroy satisfies devctx.Destroyable.
func (c *Context) Destroy() {}

// / RegisterHandler attaches a protocol handler for the given IP
// / protocol number (e.g. ProtoUDP, ProtoTCP).
func (c *Context) RegisterHandler(proto byte, h Handler) {
	c.mu.Lock()
	c.handlers[proto] = h
	c.mu.Unlock()
}

// / Reconfigure applies a new IP/mask/gateway (DHCP's BOUND action) and
// / flushes ARP + pending queue so no stale routing state survives a
// / lease change (spec.md 4.9 "On ACK").
func (c *Context) Reconfigure(localIP, netmask, gateway wire.Addr) {
	c.mu.Lock()
	c.LocalIP = localIP
	c.Netmask = netmask
	c.Gateway = gateway
	for i := range c.pending {
		c.pending[i] = pendingSlot{}
	}
	c.mu.Unlock()
	c.arp.Flush()
}

func (c *Context) nextHop(dest wire.Addr) wire.Addr {
	if dest == wire.Broadcast {
		return wire.Broadcast
	}
	if wire.MaskedEqual(dest, c.LocalIP, c.Netmask) {
		return dest
	}
	return c.Gateway
}

func checksumIPv4Header(hdr []byte) uint16 {
	saved := [2]byte{hdr[10], hdr[11]}
	hdr[10], hdr[11] = 0, 0
	cs := wire.Checksum(hdr)
	hdr[10], hdr[11] = saved[0], saved[1]
	return cs
}

func buildHeader(src, dst wire.Addr, proto byte, payloadLen int) []byte {
	hdr := make([]byte, HeaderLen)
	hdr[0] = (version4 << 4) | ihl5
	hdr[1] = 0 // DSCP/ECN
	binary.BigEndian.PutUint16(hdr[2:4], uint16(HeaderLen+payloadLen))
	binary.BigEndian.PutUint16(hdr[4:6], 0) // identification
	binary.BigEndian.PutUint16(hdr[6:8], 0) // flags/fragment offset
	hdr[8] = defaultTTL
	hdr[9] = proto
	binary.BigEndian.PutUint16(hdr[10:12], 0) // checksum, filled below
	src.Put(hdr[12:16])
	dst.Put(hdr[16:20])
	cs := checksumIPv4Header(hdr)
	binary.BigEndian.PutUint16(hdr[10:12], cs)
	return hdr
}

// / Send builds and transmits an IPv4 datagram, or queues it pending ARP
// / resolution (spec.md 4.7).
func (c *Context) Send(dest wire.Addr, proto byte, payload []byte) SendResult {
	if len(payload) > maxPayload {
		return FAILED
	}
	nextHop := c.nextHop(dest)

	var mac ethernet.MAC
	var ok bool
	if nextHop == wire.Broadcast {
		mac, ok = ethernet.Broadcast, true
	} else {
		mac, ok = c.arp.Resolve(nextHop)
	}
	if ok {
		c.transmit(mac, dest, proto, payload)
		return IMMEDIATE
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.pending {
		if !c.pending[i].valid {
			buf := append([]byte(nil), payload...)
			c.pending[i] = pendingSlot{valid: true, dest: dest, nextHop: nextHop, proto: proto, payload: buf}
			return PENDING
		}
	}
	return FAILED
}

func (c *Context) transmit(mac ethernet.MAC, dest wire.Addr, proto byte, payload []byte) {
	hdr := buildHeader(c.LocalIP, dest, proto, len(payload))
	datagram := append(hdr, payload...)
	frame := make([]byte, ethernet.HeaderLen+len(datagram))
	ethernet.PutHeader(frame, ethernet.Header{Destination: mac, Source: c.localMAC, EtherType: ethernet.ETHERTYPE_IPV4})
	copy(frame[ethernet.HeaderLen:], datagram)
	ethernet.Send(c.drv, frame)
}

// / OnArpResolved drains any pending slot keyed on nextHop, resending
// / each through Send (spec.md 4.7).
func (c *Context) OnArpResolved(nextHop wire.Addr) {
	var drained []pendingSlot
	c.mu.Lock()
	for i := range c.pending {
		if c.pending[i].valid && c.pending[i].nextHop == nextHop {
			drained = append(drained, c.pending[i])
			c.pending[i] = pendingSlot{}
		}
	}
	c.mu.Unlock()
	for _, p := range drained {
		c.Send(p.dest, p.proto, p.payload)
	}
}

// / OnEthernetFrame processes a received Ethernet frame whose EtherType
// / is 0x0800.
func (c *Context) OnEthernetFrame(frame []byte) {
	eh, ok := ethernet.ParseHeader(frame)
	if !ok || eh.EtherType != ethernet.ETHERTYPE_IPV4 {
		return
	}
	datagram := frame[ethernet.HeaderLen:]
	if len(datagram) < HeaderLen {
		return
	}
	ihl := int(datagram[0]&0x0f) * 4
	version := datagram[0] >> 4
	if version != version4 || ihl < HeaderLen || ihl > len(datagram) {
		return
	}
	totalLen := int(binary.BigEndian.Uint16(datagram[2:4]))
	if totalLen < ihl || totalLen > len(datagram) {
		return
	}
	if checksumIPv4Header(append([]byte(nil), datagram[:ihl]...)) != binary.BigEndian.Uint16(datagram[10:12]) {
		return
	}
	proto := datagram[9]
	src := wire.ParseAddr(datagram[12:16])
	dst := wire.ParseAddr(datagram[16:20])
	payload := datagram[ihl:totalLen]

	c.mu.Lock()
	h := c.handlers[proto]
	c.mu.Unlock()
	if h != nil {
		h(src, dst, payload)
	}
}
