// Package dhcp implements the RFC 2131 client state machine of spec.md
// 4.9: INIT -> SELECTING -> REQUESTING -> BOUND -> RENEWING/REBINDING,
// falling back to a static configuration after MaxRetries failed
// attempts. One Context is owned per network device; it is registered
// under defs.KOID_DHCP rather than kept in a package-global, per the
// same per-device ownership model as net/arp and net/ipv4.
package dhcp

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	badger "github.com/dgraph-io/badger/v4"

	"ethernet"
	"ipv4"
	"udp"
	"wire"
)

// State is a DHCP client state per spec.md 4.9.
type State int

const (
	StateInit State = iota
	StateSelecting
	StateRequesting
	StateBound
	StateRenewing
	StateRebinding
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSelecting:
		return "SELECTING"
	case StateRequesting:
		return "REQUESTING"
	case StateBound:
		return "BOUND"
	case StateRenewing:
		return "RENEWING"
	case StateRebinding:
		return "REBINDING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

const (
	clientPort = 68
	serverPort = 67

	opRequest = 1
	opReply   = 2

	htypeEthernet = 1
	hlenEthernet  = 6

	magicCookie uint32 = 0x63825363

	msgDiscover = 1
	msgOffer    = 2
	msgRequest  = 3
	msgDecline  = 4
	msgAck      = 5
	msgNak      = 6
	msgRelease  = 7
	msgInform   = 8

	optPad            = 0
	optSubnetMask     = 1
	optRouter         = 3
	optDNSServer      = 6
	optRequestedIP    = 50
	optLeaseTime      = 51
	optRenewalTime    = 58
	optRebindTime     = 59
	optMessageType    = 53
	optServerID       = 54
	optParameterList  = 55
	optClientID       = 61
	optEnd            = 255
	clientIDLength    = 7
	fixedFieldsLength = 236 // up to and including the magic cookie

	broadcastFlag uint16 = 0x8000

	// RetryTimeout is the base retry interval; RetryMaxShift caps the
	// doubling so the backoff never exceeds RetryTimeout<<RetryMaxShift.
	RetryTimeout  = time.Second
	RetryMaxShift = 6
	MaxRetries    = 5
)

var broadcastIP = wire.Addr(0xFFFFFFFF)

// StaticFallback is the configuration applied when DHCP exhausts
// MaxRetries without reaching StateBound.
type StaticFallback struct {
	LocalIP wire.Addr
	Netmask wire.Addr
	Gateway wire.Addr
}

// Lease is the subset of an active lease persisted across restarts.
type Lease struct {
	OfferedIP    wire.Addr
	SubnetMask   wire.Addr
	Gateway      wire.Addr
	DNSServer    wire.Addr
	ServerID     wire.Addr
	LeaseSeconds uint32
	BoundAt      time.Time
}

// Context is the per-device DHCP client state registered under
// defs.KOID_DHCP.
type Context struct {
	deviceName string
	localMAC   ethernet.MAC
	ip         *ipv4.Context
	udp        *udp.Context
	store      *badger.DB

	state         State
	xid           uint32
	retryCount    int
	startedAt     time.Time
	backoff       *backoff.ExponentialBackOff
	staticConfig  StaticFallback
	hasStaticConf bool

	offeredIP  wire.Addr
	subnetMask wire.Addr
	gateway    wire.Addr
	dnsServer  wire.Addr
	serverID   wire.Addr

	leaseSeconds   uint32
	renewalSeconds uint32
	rebindSeconds  uint32
	boundAt        time.Time

	onBound func(Lease)
}

// Option configures Initialize.
type Option func(*Context)

// WithLeaseStore persists the active lease to db under deviceName,
// restoring it on the next Initialize call for the same device.
func WithLeaseStore(db *badger.DB) Option {
	return func(c *Context) { c.store = db }
}

// WithStaticFallback records the configuration DHCP falls back to once
// MaxRetries is exhausted without a bound lease.
func WithStaticFallback(fallback StaticFallback) Option {
	return func(c *Context) {
		c.staticConfig = fallback
		c.hasStaticConf = fallback.LocalIP != 0 && fallback.Netmask != 0
	}
}

// WithBoundCallback invokes cb whenever the client reaches StateBound.
func WithBoundCallback(cb func(Lease)) Option {
	return func(c *Context) { c.onBound = cb }
}

// Initialize attaches a DHCP client to ip/u and registers the UDP client
// binding (port 68). deviceName identifies the device for lease
// persistence; it must be stable across restarts.
func Initialize(deviceName string, drv ethernet.Driver, ip *ipv4.Context, u *udp.Context, opts ...Option) (*Context, error) {
	info, err := ethernet.GetInfo(drv)
	if err != nil {
		return nil, fmt.Errorf("dhcp: get info: %w", err)
	}

	c := &Context{
		deviceName: deviceName,
		localMAC:   info.MAC,
		ip:         ip,
		udp:        u,
		state:      StateInit,
		xid:        generateXID(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if !u.Bind(clientPort, c.onDatagram) {
		return nil, fmt.Errorf("dhcp: port %d already bound", clientPort)
	}

	if c.store != nil {
		if lease, ok := c.loadLease(); ok {
			c.offeredIP = lease.OfferedIP
			c.subnetMask = lease.SubnetMask
			c.gateway = lease.Gateway
			c.dnsServer = lease.DNSServer
			c.serverID = lease.ServerID
			c.leaseSeconds = lease.LeaseSeconds
			c.boundAt = lease.BoundAt
		}
	}

	return c, nil
}

// Destroy satisfies devctx.Destroyable.
func (c *Context) Destroy() {
	c.udp.Unbind(clientPort)
}

var xidCounter uint32 = 0x12345678

func generateXID() uint32 {
	xidCounter = xidCounter*1103515245 + 12345
	return xidCounter & 0x7FFFFFFF
}

func (c *Context) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryTimeout
	b.Multiplier = 2
	b.MaxInterval = RetryTimeout << RetryMaxShift
	b.RandomizationFactor = 0
	return b
}

func retryTimeout(retryCount int) time.Duration {
	shift := retryCount
	if shift > RetryMaxShift {
		shift = RetryMaxShift
	}
	return RetryTimeout << shift
}

// Start begins (or restarts) DHCP negotiation from StateInit.
func (c *Context) Start() {
	c.state = StateInit
	c.retryCount = 0
	c.backoff = c.newBackoff()
	c.sendDiscover()
}

func writeOption(buf []byte, code, length byte, data []byte) []byte {
	buf = append(buf, code, length)
	return append(buf, data[:length]...)
}

func (c *Context) writeClientID(buf []byte) []byte {
	id := make([]byte, clientIDLength)
	id[0] = htypeEthernet
	copy(id[1:], c.localMAC[:])
	return writeOption(buf, optClientID, clientIDLength, id)
}

func putAddr(a wire.Addr) []byte {
	b := make([]byte, 4)
	a.Put(b)
	return b
}

func (c *Context) buildMessage(flags uint16, clientIP wire.Addr) []byte {
	msg := make([]byte, fixedFieldsLength)
	msg[0] = opRequest
	msg[1] = htypeEthernet
	msg[2] = hlenEthernet
	binary.BigEndian.PutUint32(msg[4:8], c.xid)
	binary.BigEndian.PutUint16(msg[10:12], flags)
	clientIP.Put(msg[12:16])
	copy(msg[28:34], c.localMAC[:])
	binary.BigEndian.PutUint32(msg[232:236], magicCookie)
	return msg
}

func (c *Context) sendDiscover() {
	msg := c.buildMessage(broadcastFlag, 0)
	msg = writeOption(msg, optMessageType, 1, []byte{msgDiscover})
	msg = c.writeClientID(msg)
	msg = writeOption(msg, optParameterList, 6, []byte{
		optSubnetMask, optRouter, optDNSServer, optLeaseTime, optRenewalTime, optRebindTime,
	})
	msg = append(msg, optEnd)

	c.udp.Send(broadcastIP, clientPort, serverPort, msg)
	c.state = StateSelecting
	c.startedAt = time.Now()
}

func (c *Context) sendRequest(target State) bool {
	flags := broadcastFlag
	dest := broadcastIP
	clientIP := wire.Addr(0)
	requestedIP := c.offeredIP
	serverID := c.serverID
	hasClientIP := c.offeredIP != 0

	switch target {
	case StateRenewing:
		flags = 0
		clientIP = c.offeredIP
		if serverID != 0 {
			dest = serverID
		}
	case StateRebinding:
		clientIP = c.offeredIP
		serverID = 0
	}

	if !hasClientIP && requestedIP == 0 {
		return false
	}
	if serverID == 0 && target != StateRebinding {
		return false
	}

	msg := c.buildMessage(flags, clientIP)
	msg = writeOption(msg, optMessageType, 1, []byte{msgRequest})
	msg = c.writeClientID(msg)
	if requestedIP != 0 {
		msg = writeOption(msg, optRequestedIP, 4, putAddr(requestedIP))
	}
	if serverID != 0 {
		msg = writeOption(msg, optServerID, 4, putAddr(serverID))
	}
	msg = append(msg, optEnd)

	c.udp.Send(dest, clientPort, serverPort, msg)
	if c.state != target {
		c.retryCount = 0
	}
	c.state = target
	c.startedAt = time.Now()
	return true
}

// Release sends a DHCPRELEASE for the current lease, if any.
func (c *Context) Release() {
	if c.offeredIP == 0 {
		return
	}
	dest := broadcastIP
	if c.serverID != 0 {
		dest = c.serverID
	}

	msg := c.buildMessage(0, c.offeredIP)
	msg = writeOption(msg, optMessageType, 1, []byte{msgRelease})
	msg = c.writeClientID(msg)
	if c.serverID != 0 {
		msg = writeOption(msg, optServerID, 4, putAddr(c.serverID))
	}
	msg = append(msg, optEnd)

	c.udp.Send(dest, clientPort, serverPort, msg)
	c.state = StateInit
	c.retryCount = 0
}

func (c *Context) resetRoutingState() {
	c.ip.Reconfigure(c.ip.LocalIP, c.ip.Netmask, c.ip.Gateway)
}

func (c *Context) applyStaticFallback() bool {
	if !c.hasStaticConf {
		return false
	}
	c.ip.Reconfigure(c.staticConfig.LocalIP, c.staticConfig.Netmask, c.staticConfig.Gateway)
	return true
}

func (c *Context) clearNetworkReady() {
	c.ip.Reconfigure(0, 0, 0)
}

func (c *Context) parseOptions(options []byte) (byte, bool) {
	var msgType byte
	i := 0
	for i < len(options) {
		code := options[i]
		i++
		if code == optEnd {
			break
		}
		if code == optPad {
			continue
		}
		if i >= len(options) {
			return 0, false
		}
		length := int(options[i])
		i++
		if i+length > len(options) {
			return 0, false
		}
		data := options[i : i+length]

		switch code {
		case optMessageType:
			if length == 1 {
				msgType = data[0]
			}
		case optSubnetMask:
			if length == 4 {
				c.subnetMask = wire.ParseAddr(data)
			}
		case optRouter:
			if length >= 4 {
				c.gateway = wire.ParseAddr(data[:4])
			}
		case optDNSServer:
			if length >= 4 {
				c.dnsServer = wire.ParseAddr(data[:4])
			}
		case optLeaseTime:
			if length == 4 {
				c.leaseSeconds = binary.BigEndian.Uint32(data)
			}
		case optRenewalTime:
			if length == 4 {
				c.renewalSeconds = binary.BigEndian.Uint32(data)
			}
		case optRebindTime:
			if length == 4 {
				c.rebindSeconds = binary.BigEndian.Uint32(data)
			}
		case optServerID:
			if length == 4 {
				c.serverID = wire.ParseAddr(data)
			}
		}
		i += length
	}
	return msgType, true
}

func (c *Context) applyAck(yiaddr, siaddr wire.Addr, sourceIP wire.Addr) {
	assigned := yiaddr
	if assigned == 0 {
		assigned = c.offeredIP
	}
	if assigned == 0 {
		return
	}
	c.offeredIP = assigned
	if c.serverID == 0 {
		if siaddr != 0 {
			c.serverID = siaddr
		} else {
			c.serverID = sourceIP
		}
	}

	c.resetRoutingState()
	c.ip.Reconfigure(c.offeredIP, c.subnetMask, c.gateway)

	c.state = StateBound
	c.boundAt = time.Now()
	c.retryCount = 0

	if c.renewalSeconds == 0 {
		c.renewalSeconds = c.leaseSeconds / 2
	}
	if c.rebindSeconds == 0 {
		c.rebindSeconds = c.leaseSeconds * 7 / 8
	}

	if c.store != nil {
		c.saveLease()
	}
	if c.onBound != nil {
		c.onBound(c.CurrentLease())
	}
}

// CurrentLease returns the lease currently held, if in StateBound.
func (c *Context) CurrentLease() Lease {
	return Lease{
		OfferedIP:    c.offeredIP,
		SubnetMask:   c.subnetMask,
		Gateway:      c.gateway,
		DNSServer:    c.dnsServer,
		ServerID:     c.serverID,
		LeaseSeconds: c.leaseSeconds,
		BoundAt:      c.boundAt,
	}
}

// State returns the client's current state.
func (c *Context) State() State { return c.state }

func (c *Context) onDatagram(src wire.Addr, srcPort uint16, payload []byte) {
	if len(payload) < fixedFieldsLength {
		return
	}
	if binary.BigEndian.Uint32(payload[232:236]) != magicCookie {
		return
	}
	xid := binary.BigEndian.Uint32(payload[4:8])
	if xid != c.xid {
		return
	}

	yiaddr := wire.ParseAddr(payload[16:20])
	siaddr := wire.ParseAddr(payload[20:24])

	msgType, ok := c.parseOptions(payload[fixedFieldsLength:])
	if !ok {
		return
	}

	if msgType == msgDecline {
		c.clearNetworkReady()
		c.Start()
		return
	}
	if msgType == msgInform {
		return
	}

	switch c.state {
	case StateSelecting:
		if msgType == msgOffer && yiaddr != 0 {
			c.offeredIP = yiaddr
			if siaddr != 0 {
				c.serverID = siaddr
			} else if src != 0 {
				c.serverID = src
			}
			if c.serverID != 0 {
				c.sendRequest(StateRequesting)
			}
		}
	case StateRequesting, StateRenewing, StateRebinding:
		switch msgType {
		case msgAck:
			c.applyAck(yiaddr, siaddr, src)
		case msgNak:
			c.clearNetworkReady()
			c.Start()
		}
	}
}

// Tick drives retry/backoff and lease-renewal timing; it should be
// called periodically (see netmgr).
func (c *Context) Tick() {
	switch c.state {
	case StateSelecting, StateRequesting, StateRenewing, StateRebinding:
		c.handleTimeout()
	case StateBound:
		elapsed := time.Since(c.boundAt)
		if elapsed >= time.Duration(c.rebindSeconds)*time.Second {
			c.sendRequest(StateRebinding)
		} else if elapsed >= time.Duration(c.renewalSeconds)*time.Second {
			c.sendRequest(StateRenewing)
		}
	}
}

func (c *Context) handleTimeout() {
	if time.Since(c.startedAt) < retryTimeout(c.retryCount) {
		return
	}

	if c.retryCount >= MaxRetries {
		if c.state == StateRenewing || c.state == StateRebinding {
			c.clearNetworkReady()
			c.Start()
		} else if c.applyStaticFallback() {
			c.state = StateFailed
		} else {
			c.state = StateFailed
		}
		return
	}

	c.retryCount++
	switch c.state {
	case StateSelecting:
		c.sendDiscover()
	case StateRequesting, StateRenewing, StateRebinding:
		c.sendRequest(c.state)
	}
}

func leaseKey(deviceName string) []byte {
	return []byte("dhcp-lease:" + deviceName)
}

func (c *Context) saveLease() {
	lease := c.CurrentLease()
	buf := make([]byte, 28)
	binary.BigEndian.PutUint32(buf[0:4], uint32(lease.OfferedIP))
	binary.BigEndian.PutUint32(buf[4:8], uint32(lease.SubnetMask))
	binary.BigEndian.PutUint32(buf[8:12], uint32(lease.Gateway))
	binary.BigEndian.PutUint32(buf[12:16], uint32(lease.DNSServer))
	binary.BigEndian.PutUint32(buf[16:20], uint32(lease.ServerID))
	binary.BigEndian.PutUint32(buf[20:24], lease.LeaseSeconds)
	binary.BigEndian.PutUint32(buf[24:28], uint32(lease.BoundAt.Unix()))

	_ = c.store.Update(func(txn *badger.Txn) error {
		return txn.Set(leaseKey(c.deviceName), buf)
	})
}

func (c *Context) loadLease() (Lease, bool) {
	var buf []byte
	err := c.store.View(func(txn *badger.Txn) error {
		item, err := txn.Get(leaseKey(c.deviceName))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			buf = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil || len(buf) < 28 {
		return Lease{}, false
	}

	return Lease{
		OfferedIP:    wire.Addr(binary.BigEndian.Uint32(buf[0:4])),
		SubnetMask:   wire.Addr(binary.BigEndian.Uint32(buf[4:8])),
		Gateway:      wire.Addr(binary.BigEndian.Uint32(buf[8:12])),
		DNSServer:    wire.Addr(binary.BigEndian.Uint32(buf[12:16])),
		ServerID:     wire.Addr(binary.BigEndian.Uint32(buf[16:20])),
		LeaseSeconds: binary.BigEndian.Uint32(buf[20:24]),
		BoundAt:      time.Unix(int64(binary.BigEndian.Uint32(buf[24:28])), 0),
	}, true
}
