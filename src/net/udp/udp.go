// Package udp implements the UDP binding table and RFC 768 checksum of
// spec.md 4.8: a fixed 16-slot (port, handler) table per device, built
// on top of ipv4.Context.
package udp

import (
	"encoding/binary"
	"sync"

	"ipv4"
	"wire"
)

const (
	HeaderLen = 8

	// BindingSlots is spec.md 3's fixed 16-slot binding table.
	BindingSlots = 16
)

// / Handler receives a UDP datagram's payload.
type Handler func(src wire.Addr, srcPort uint16, payload []byte)

type binding struct {
	valid   bool
	port    uint16
	handler Handler
}

// / Context is the per-device UDP state registered under defs.KOID_UDP.
type Context struct {
	mu       sync.Mutex
	ip       *ipv4.Context
	bindings [BindingSlots]binding
}

// / Initialize attaches UDP protocol dispatch (IP protocol 17) to ip.
func Initialize(ip *ipv4.Context) *Context {
	c := &Context{ip: ip}
	ip.RegisterHandler(ipv4.ProtoUDP, c.onIPv4Payload)
	return c
}

// / Destroy satisfies devctx.Destroyable.
func (c *Context) Destroy() {}

// / Bind reserves a binding slot for port, dispatching future datagrams
// / addressed to it to handler. Returns false if the table is full or
// / port is already bound.
func (c *Context) Bind(port uint16, handler Handler) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	free := -1
	for i, b := range c.bindings {
		if b.valid && b.port == port {
			return false
		}
		if !b.valid && free == -1 {
			free = i
		}
	}
	if free == -1 {
		return false
	}
	c.bindings[free] = binding{valid: true, port: port, handler: handler}
	return true
}

// / Unbind releases the binding for port, if any.
func (c *Context) Unbind(port uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.bindings {
		if c.bindings[i].valid && c.bindings[i].port == port {
			c.bindings[i] = binding{}
			return
		}
	}
}

func pseudoHeaderChecksum(src, dst wire.Addr, udpLen uint16) uint32 {
	buf := make([]byte, 12)
	src.Put(buf[0:4])
	dst.Put(buf[4:8])
	buf[8] = 0
	buf[9] = ipv4.ProtoUDP
	binary.BigEndian.PutUint16(buf[10:12], udpLen)
	return wire.ChecksumAccumulate(0, buf)
}

// / Send builds a UDP datagram and hands it to IPv4.
func (c *Context) Send(dest wire.Addr, srcPort, dstPort uint16, payload []byte) ipv4.SendResult {
	udpLen := uint16(HeaderLen + len(payload))
	hdr := make([]byte, HeaderLen)
	binary.BigEndian.PutUint16(hdr[0:2], srcPort)
	binary.BigEndian.PutUint16(hdr[2:4], dstPort)
	binary.BigEndian.PutUint16(hdr[4:6], udpLen)
	binary.BigEndian.PutUint16(hdr[6:8], 0)

	acc := pseudoHeaderChecksum(c.ip.LocalIP, dest, udpLen)
	acc = wire.ChecksumAccumulate(acc, hdr)
	acc = wire.ChecksumAccumulate(acc, payload)
	cs := wire.ChecksumFinish(acc)
	if cs == 0 {
		cs = 0xFFFF
	}
	binary.BigEndian.PutUint16(hdr[6:8], cs)

	datagram := append(hdr, payload...)
	return c.ip.Send(dest, ipv4.ProtoUDP, datagram)
}

func (c *Context) onIPv4Payload(src, dst wire.Addr, payload []byte) {
	if len(payload) < HeaderLen {
		return
	}
	srcPort := binary.BigEndian.Uint16(payload[0:2])
	dstPort := binary.BigEndian.Uint16(payload[2:4])
	length := binary.BigEndian.Uint16(payload[4:6])
	checksum := binary.BigEndian.Uint16(payload[6:8])
	if int(length) > len(payload) {
		return
	}
	datagram := payload[:length]

	if checksum != 0 {
		acc := pseudoHeaderChecksum(src, dst, length)
		hdr := append([]byte(nil), datagram[:HeaderLen]...)
		binary.BigEndian.PutUint16(hdr[6:8], 0)
		acc = wire.ChecksumAccumulate(acc, hdr)
		acc = wire.ChecksumAccumulate(acc, datagram[HeaderLen:])
		if wire.ChecksumFinish(acc) != checksum {
			return
		}
	}

	c.mu.Lock()
	var h Handler
	for _, b := range c.bindings {
		if b.valid && b.port == dstPort {
			h = b.handler
			break
		}
	}
	c.mu.Unlock()
	if h != nil {
		h(src, srcPort, datagram[HeaderLen:])
	}
}
