// Package arp implements the ARP cache and wire protocol of spec.md
// 4.6: a fixed 32-entry cache with TTL aging and paced probing, wired to
// a Device through the devctx registry so IPv4 and every other protocol
// module can share one Device without a global ARP singleton (spec.md 9
// "Global mutable protocol state").
//
// Grounded on original_source/kernel/include/ARP.h's ArpPacket layout
// and Initialize/Resolve/Tick/OnEthernetFrame API. The cache is a fixed
// array of CacheSize entries, searched linearly under one mutex.
package arp

import (
	"encoding/binary"
	"sync"

	"defs"
	"ethernet"
	"wire"
)

const (
	htypeEth  = 1
	ptypeIPv4 = 0x0800
	hlenEth   = 6
	plenIPv4  = 4
	opRequest = 1
	opReply   = 2

	packetLen = 28 // ARP payload length on the wire

	// CacheSize and TTLTicks/ProbeIntervalTicks are spec.md 4.6's fixed
	// constants (1 tick ~= 1s).
	CacheSize           = 32
	TTLTicks            = 600
	ProbeIntervalTicks  = 3
)

// / Entry is one ARP cache slot (spec.md 3 "ArpEntry").
type Entry struct {
	IP      wire.Addr
	MAC     ethernet.MAC
	TTL     int
	Valid   bool
	Probing bool
}

// / Context is the per-Device ARP state registered under defs.KOID_ARP.
type Context struct {
	mu         sync.Mutex
	drv        ethernet.Driver
	localIP    wire.Addr
	localMAC   ethernet.MAC
	cache      [CacheSize]Entry
	onResolved func(wire.Addr)
}

// / Initialize reads the device's MAC via DF_NT_GETINFO and zeroes the
// / cache. The caller (typically a netif.Interface demuxer shared with
// / IPv4) is responsible for registering DF_NT_SETRXCB and routing
// / ETHERTYPE_ARP frames to OnEthernetFrame -- a single device has only
// / one RX slot, so ARP cannot claim it exclusively.
func Initialize(drv ethernet.Driver, localIP wire.Addr) (*Context, error) {
	info, err := ethernet.GetInfo(drv)
	if err != nil {
		return nil, err
	}
	return &Context{drv: drv, localIP: localIP, localMAC: info.MAC}, nil
}

// / Destroy satisfies devctx.Destroyable.
func (c *Context) Destroy() {}

func parsePacket(payload []byte) (op int, senderMAC ethernet.MAC, senderIP wire.Addr, targetMAC ethernet.MAC, targetIP wire.Addr, ok bool) {
	if len(payload) < packetLen {
		return
	}
	htype := binary.BigEndian.Uint16(payload[0:2])
	ptype := binary.BigEndian.Uint16(payload[2:4])
	hlen := payload[4]
	plen := payload[5]
	if htype != htypeEth || ptype != ptypeIPv4 || hlen != hlenEth || plen != plenIPv4 {
		return
	}
	op = int(binary.BigEndian.Uint16(payload[6:8]))
	copy(senderMAC[:], payload[8:14])
	senderIP = wire.ParseAddr(payload[14:18])
	copy(targetMAC[:], payload[18:24])
	targetIP = wire.ParseAddr(payload[24:28])
	ok = true
	return
}

func buildPacket(op int, senderMAC ethernet.MAC, senderIP wire.Addr, targetMAC ethernet.MAC, targetIP wire.Addr) []byte {
	buf := make([]byte, packetLen)
	binary.BigEndian.PutUint16(buf[0:2], htypeEth)
	binary.BigEndian.PutUint16(buf[2:4], ptypeIPv4)
	buf[4] = hlenEth
	buf[5] = plenIPv4
	binary.BigEndian.PutUint16(buf[6:8], uint16(op))
	copy(buf[8:14], senderMAC[:])
	senderIP.Put(buf[14:18])
	copy(buf[18:24], targetMAC[:])
	targetIP.Put(buf[24:28])
	return buf
}

func (c *Context) sendFrame(dst ethernet.MAC, payload []byte) error {
	frame := make([]byte, ethernet.HeaderLen+len(payload))
	ethernet.PutHeader(frame, ethernet.Header{
		Destination: dst,
		Source:      c.localMAC,
		EtherType:   ethernet.ETHERTYPE_ARP,
	})
	copy(frame[ethernet.HeaderLen:], payload)
	return ethernet.Send(c.drv, frame)
}

// OnArpResolved is set by IPv4 so the ARP cache can notify the pending
// queue when a resolution completes (spec.md 4.7 "OnArpResolved").
func (c *Context) SetResolvedCallback(cb func(wire.Addr)) {
	c.mu.Lock()
	c.onResolved = cb
	c.mu.Unlock()
}

// / OnEthernetFrame processes a received Ethernet frame that was
// / dispatched to ARP because its EtherType is 0x0806.
func (c *Context) OnEthernetFrame(frame []byte) {
	eh, ok := ethernet.ParseHeader(frame)
	if !ok || eh.EtherType != ethernet.ETHERTYPE_ARP {
		return
	}
	op, senderMAC, senderIP, _, targetIP, ok := parsePacket(frame[ethernet.HeaderLen:])
	if !ok {
		return
	}

	c.mu.Lock()
	c.updateLocked(senderIP, senderMAC)
	var resolved func(wire.Addr)
	if c.onResolved != nil {
		resolved = c.onResolved
	}
	c.mu.Unlock()
	if resolved != nil {
		resolved(senderIP)
	}

	if op == opRequest && targetIP == c.localIP {
		reply := buildPacket(opReply, c.localMAC, c.localIP, senderMAC, senderIP)
		c.sendFrame(senderMAC, reply)
	}
}

func (c *Context) updateLocked(ip wire.Addr, mac ethernet.MAC) {
	for i := range c.cache {
		e := &c.cache[i]
		if e.Valid && e.IP == ip {
			e.MAC = mac
			e.TTL = TTLTicks
			e.Probing = false
			return
		}
	}
	// no existing entry for a gratuitous update; only Resolve allocates
	// fresh slots, matching the source's "update cache" semantics which
	// never grows the table on an unsolicited frame alone unless a slot
	// is already probing for that IP.
	for i := range c.cache {
		e := &c.cache[i]
		if e.Valid && !e.Probing && e.TTL == 0 {
			*e = Entry{IP: ip, MAC: mac, TTL: TTLTicks, Valid: true}
			return
		}
	}
}

// / Resolve returns (mac, true) on a cache hit. On a miss it allocates
// / (or reuses) a slot and, if not already probing, broadcasts a
// / REQUEST and arms the probe-interval TTL; it then returns (zero,
// / false).
func (c *Context) Resolve(target wire.Addr) (ethernet.MAC, bool) {
	c.mu.Lock()
	for i := range c.cache {
		e := &c.cache[i]
		if e.Valid && e.IP == target && !e.Probing {
			mac := e.MAC
			c.mu.Unlock()
			return mac, true
		}
	}

	idx := c.findOrAllocLocked(target)
	e := &c.cache[idx]
	shouldProbe := !e.Probing
	if shouldProbe {
		e.IP = target
		e.Valid = true
		e.Probing = true
		e.TTL = ProbeIntervalTicks
	}
	c.mu.Unlock()

	if shouldProbe {
		req := buildPacket(opRequest, c.localMAC, c.localIP, ethernet.MAC{}, target)
		c.sendFrame(ethernet.Broadcast, req)
	}
	return ethernet.MAC{}, false
}

func (c *Context) findOrAllocLocked(target wire.Addr) int {
	for i := range c.cache {
		if c.cache[i].Valid && c.cache[i].IP == target {
			return i
		}
	}
	lowest, lowestTTL := 0, int(^uint(0)>>1)
	for i := range c.cache {
		if !c.cache[i].Valid {
			return i
		}
		if c.cache[i].TTL < lowestTTL {
			lowest, lowestTTL = i, c.cache[i].TTL
		}
	}
	return lowest
}

// / Tick ages the cache, invalidating any entry whose TTL reaches zero
// / (spec.md 4.6).
func (c *Context) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.cache {
		e := &c.cache[i]
		if !e.Valid {
			continue
		}
		if e.TTL > 0 {
			e.TTL--
		}
		if e.TTL == 0 {
			*e = Entry{}
		}
	}
}

// / Flush invalidates every cache entry (DHCP calls this on a new lease,
// / spec.md 4.9 "On ACK").
func (c *Context) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.cache {
		c.cache[i] = Entry{}
	}
}

// / Dump returns a snapshot of the valid cache entries, a supplemented
// / debug helper mirroring ARP_DumpCache from original_source.
func (c *Context) Dump() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Entry
	for _, e := range c.cache {
		if e.Valid {
			out = append(out, e)
		}
	}
	return out
}

var _ = defs.KOID_ARP
