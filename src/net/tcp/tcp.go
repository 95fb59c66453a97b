// Package tcp implements the RFC 793 connection state machine of spec.md
// 4.10: CLOSED/LISTEN/SYN_SENT/SYN_RECEIVED/ESTABLISHED/FIN_WAIT_1/
// FIN_WAIT_2/CLOSE_WAIT/CLOSING/LAST_ACK/TIME_WAIT, a sliding send/recv
// window with hysteresis-gated window-update acks, and a retransmit /
// time-wait timer pair driven by Context.Update.
//
// Grounded on original_source/kernel/include/TCP.h's TCP_CONNECTION (the
// Go Connection keeps its field names and buffer-size constants) and on
// the teacher's circbuf.Circbuf_t for the send/recv rings.
package tcp

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"circbuf"
	"fdops"
	"ipv4"
	"wire"
)

// State is a TCP connection state per RFC 793.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastAck:
		return "LAST_ACK"
	case StateTimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}

const (
	FlagFIN = 0x01
	FlagSYN = 0x02
	FlagRST = 0x04
	FlagPSH = 0x08
	FlagACK = 0x10
	FlagURG = 0x20
	FlagECE = 0x40
	FlagCWR = 0x80

	HeaderLen = 20

	SendBufferSize = 8192
	RecvBufferSize = 32768

	RetransmitTimeout = 3 * time.Second
	TimeWaitTimeout    = 30 * time.Second
	MaxRetransmits     = 5
)

// Header is a TCP segment header (options not modeled).
type Header struct {
	SourcePort uint16
	DestPort   uint16
	Seq        uint32
	Ack        uint32
	Flags      uint8
	Window     uint16
	Checksum   uint16
	Urgent     uint16
}

// PutHeader serializes h into the first HeaderLen bytes of buf.
func PutHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint16(buf[0:2], h.SourcePort)
	binary.BigEndian.PutUint16(buf[2:4], h.DestPort)
	binary.BigEndian.PutUint32(buf[4:8], h.Seq)
	binary.BigEndian.PutUint32(buf[8:12], h.Ack)
	buf[12] = 5 << 4 // data offset: 5 words, no options
	buf[13] = h.Flags
	binary.BigEndian.PutUint16(buf[14:16], h.Window)
	binary.BigEndian.PutUint16(buf[16:18], 0) // checksum filled by caller
	binary.BigEndian.PutUint16(buf[18:20], h.Urgent)
}

// ParseHeader reads a TCP header from the front of segment.
func ParseHeader(segment []byte) (Header, bool) {
	if len(segment) < HeaderLen {
		return Header{}, false
	}
	var h Header
	h.SourcePort = binary.BigEndian.Uint16(segment[0:2])
	h.DestPort = binary.BigEndian.Uint16(segment[2:4])
	h.Seq = binary.BigEndian.Uint32(segment[4:8])
	h.Ack = binary.BigEndian.Uint32(segment[8:12])
	h.Flags = segment[13]
	h.Window = binary.BigEndian.Uint16(segment[14:16])
	h.Checksum = binary.BigEndian.Uint16(segment[16:18])
	h.Urgent = binary.BigEndian.Uint16(segment[18:20])
	return h, true
}

func dataOffsetWords(segment []byte) int {
	return int(segment[12]>>4) * 4
}

func pseudoHeaderChecksum(src, dst wire.Addr, tcpLen int) uint32 {
	buf := make([]byte, 12)
	src.Put(buf[0:4])
	dst.Put(buf[4:8])
	buf[8] = 0
	buf[9] = ipv4.ProtoTCP
	binary.BigEndian.PutUint16(buf[10:12], uint16(tcpLen))
	return wire.ChecksumAccumulate(0, buf)
}

func checksumSegment(src, dst wire.Addr, segment []byte) uint16 {
	acc := pseudoHeaderChecksum(src, dst, len(segment))
	acc = wire.ChecksumAccumulate(acc, segment)
	return wire.ChecksumFinish(acc)
}

// verifyChecksum recomputes the checksum over segment with its checksum
// field zeroed and compares it to the value segment actually carries.
func verifyChecksum(src, dst wire.Addr, segment []byte) bool {
	saved := [2]byte{segment[16], segment[17]}
	segment[16], segment[17] = 0, 0
	cs := checksumSegment(src, dst, segment)
	segment[16], segment[17] = saved[0], saved[1]
	return cs == binary.BigEndian.Uint16(saved[:])
}

// hysteresis gates window-update acks so a slowly-draining receive
// buffer doesn't advertise every single byte it frees (silly window
// avoidance). A new window is only advertised once it has grown by at
// least threshold bytes since the last advertisement.
type hysteresis struct {
	lastAdvertised uint32
	threshold      uint32
}

func newHysteresis(bufSize int) hysteresis {
	t := bufSize / 4
	if t < 1 {
		t = 1
	}
	return hysteresis{threshold: uint32(t)}
}

func (h *hysteresis) shouldUpdate(newWindow uint32) bool {
	if newWindow == 0 || h.lastAdvertised == 0 {
		return true
	}
	if newWindow > h.lastAdvertised && newWindow-h.lastAdvertised >= h.threshold {
		return true
	}
	return false
}

func (h *hysteresis) record(window uint32) { h.lastAdvertised = window }

// Endpoint identifies one end of a connection by IP and port.
type Endpoint struct {
	IP   wire.Addr
	Port uint16
}

func (e Endpoint) String() string { return fmt.Sprintf("%s:%d", e.IP, e.Port) }

type fourTuple struct {
	local, remote Endpoint
}

// Connection is a single TCP connection's state, named after
// original_source's TCP_CONNECTION.
type Connection struct {
	mu sync.Mutex

	ctx *Context

	Local  Endpoint
	Remote Endpoint

	state State

	sendNext    uint32
	sendUnacked uint32
	recvNext    uint32

	sendWindow uint16
	recvWindow uint16
	windowHys  hysteresis

	sendBuf *circbuf.Circbuf_t
	recvBuf *circbuf.Circbuf_t

	retransmitDeadline time.Time
	retransmitCount    int
	timeWaitDeadline   time.Time

	lastSegment []byte // unacked bytes last sent, for retransmission
	finSent     bool

	pendingListener *listener // set while a passively-opened connection awaits its final handshake ACK

	onStateChange func(State)
	onData        func([]byte)
}

// OnData registers a callback invoked with each in-order payload as it
// arrives, in addition to it being queued in the connection's own recv
// buffer. The socket layer uses this to mirror incoming bytes into its
// own circular buffer instead of pulling through Receive.
func (c *Connection) OnData(cb func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onData = cb
}

// Context owns every Connection for one device and the listen backlog,
// registered under defs.KOID_TCP.
type Context struct {
	mu          sync.Mutex
	ip          *ipv4.Context
	localMAC    [6]byte
	connections map[fourTuple]*Connection
	listeners   map[uint16]*listener
	isnCounter  uint32
}

type listener struct {
	port    uint16
	backlog chan *Connection
}

// Initialize attaches the TCP protocol handler (IP protocol 6) to ip.
func Initialize(ip *ipv4.Context) *Context {
	c := &Context{
		ip:          ip,
		connections: make(map[fourTuple]*Connection),
		listeners:   make(map[uint16]*listener),
		isnCounter:  0x1000,
	}
	ip.RegisterHandler(ipv4.ProtoTCP, c.onIPv4Payload)
	return c
}

// Destroy satisfies devctx.Destroyable.
func (c *Context) Destroy() {}

func (c *Context) nextISN() uint32 {
	c.isnCounter += 64000
	return c.isnCounter
}

// Listen opens a passive listening endpoint on port, with the given
// backlog depth for pending (not yet Accept-ed) connections.
func (c *Context) Listen(port uint16, backlog int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.listeners[port]; exists {
		return fmt.Errorf("tcp: port %d already listening", port)
	}
	c.listeners[port] = &listener{port: port, backlog: make(chan *Connection, backlog)}
	return nil
}

// Accept returns the next connection that has completed its handshake
// against a listening port. It does not block: it returns false when the
// port is not listening or when no completed connection is waiting in the
// backlog that the handshake's final ACK fills.
func (c *Context) Accept(port uint16) (*Connection, bool) {
	c.mu.Lock()
	l, ok := c.listeners[port]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case conn := <-l.backlog:
		return conn, true
	default:
		return nil, false
	}
}

// Connect performs an active open to remote from the local address/port
// ip owns, returning the connection in StateSynSent.
func (c *Context) Connect(localPort uint16, remote Endpoint) *Connection {
	conn := &Connection{
		ctx:         c,
		Local:       Endpoint{IP: c.ip.LocalIP, Port: localPort},
		Remote:      remote,
		state:       StateSynSent,
		sendBuf:     circbuf.MkCircbuf(SendBufferSize),
		recvBuf:     circbuf.MkCircbuf(RecvBufferSize),
		recvWindow:  RecvBufferSize,
		windowHys:   newHysteresis(RecvBufferSize),
	}
	conn.sendNext = c.nextISN()
	conn.sendUnacked = conn.sendNext

	c.mu.Lock()
	c.connections[fourTuple{conn.Local, conn.Remote}] = conn
	c.mu.Unlock()

	conn.sendSegment(FlagSYN, nil)
	conn.sendNext++
	conn.retransmitDeadline = time.Now().Add(RetransmitTimeout)
	return conn
}

func (c *Connection) sendSegment(flags uint8, payload []byte) {
	hdr := make([]byte, HeaderLen)
	PutHeader(hdr, Header{
		SourcePort: c.Local.Port,
		DestPort:   c.Remote.Port,
		Seq:        c.sendNext,
		Ack:        c.recvNext,
		Flags:      flags,
		Window:     c.recvWindow,
	})
	segment := append(hdr, payload...)
	cs := checksumSegment(c.Local.IP, c.Remote.IP, segment)
	binary.BigEndian.PutUint16(segment[16:18], cs)

	if flags&FlagACK != 0 {
		c.windowHys.record(uint32(c.recvWindow))
	}
	c.ctx.ip.Send(c.Remote.IP, ipv4.ProtoTCP, segment)
}

// State returns the connection's current RFC 793 state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SendNext returns the sequence number of the next byte this connection
// will send, letting a caller that stands in for the peer (the socket
// layer's tests) build an ACK for the SYN that Connect sent.
func (c *Connection) SendNext() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendNext
}

func (c *Connection) setState(s State) {
	c.state = s
	if c.onStateChange != nil {
		c.onStateChange(s)
	}
}

// OnStateChange registers a callback invoked on every state transition.
func (c *Connection) OnStateChange(cb func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = cb
}

// Send enqueues data for transmission, pushing what fits in the send
// window immediately.
func (c *Connection) Send(data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateEstablished && c.state != StateCloseWait {
		return 0, fmt.Errorf("tcp: send on connection in state %s", c.state)
	}
	n, _ := c.sendBuf.Copyin(fdops.MkBytesio(data))
	c.flushSendLocked()
	return n, nil
}

func (c *Connection) flushSendLocked() {
	if c.sendBuf.Empty() {
		return
	}
	window := int(c.sendWindow)
	if window == 0 {
		return
	}
	used := c.sendBuf.Used()
	n := used
	if n > window {
		n = window
	}
	payload := make([]byte, n)
	buf := fdops.MkBytesio(payload)
	c.sendBuf.CopyoutN(buf, n)

	c.lastSegment = payload
	c.sendSegment(FlagACK, payload)
	c.sendNext += uint32(n)
	c.retransmitDeadline = time.Now().Add(RetransmitTimeout)
}

// Receive copies up to len(buf) bytes of received data into buf.
func (c *Connection) Receive(buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recvBuf.Empty() {
		if c.state == StateCloseWait || c.state == StateClosing || c.state == StateTimeWait {
			return 0, nil
		}
		return 0, nil
	}
	n, _ := c.recvBuf.CopyoutN(fdops.MkBytesio(buf), len(buf))
	c.processDataConsumption(uint32(n))
	return n, nil
}

// processDataConsumption grows the advertised receive window as buffer
// space frees up, subject to hysteresis (original_source's
// TCP_ProcessDataConsumption / TCP_ShouldSendWindowUpdate).
func (c *Connection) processDataConsumption(consumed uint32) {
	if consumed == 0 {
		return
	}
	newWindow := uint32(c.recvBuf.Left())
	if newWindow > 0xFFFF {
		newWindow = 0xFFFF
	}
	c.recvWindow = uint16(newWindow)
	if c.windowHys.shouldUpdate(newWindow) {
		c.sendSegment(FlagACK, nil)
	}
}

// Close initiates an active close (sends FIN).
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateEstablished:
		c.sendSegment(FlagFIN|FlagACK, nil)
		c.sendNext++
		c.finSent = true
		c.setState(StateFinWait1)
	case StateCloseWait:
		c.sendSegment(FlagFIN|FlagACK, nil)
		c.sendNext++
		c.finSent = true
		c.setState(StateLastAck)
	case StateListen, StateSynSent:
		c.setState(StateClosed)
		c.ctx.remove(c)
	default:
		return fmt.Errorf("tcp: close on connection in state %s", c.state)
	}
	return nil
}

func (c *Context) remove(conn *Connection) {
	c.mu.Lock()
	delete(c.connections, fourTuple{conn.Local, conn.Remote})
	c.mu.Unlock()
}

func (c *Context) onIPv4Payload(src, dst wire.Addr, payload []byte) {
	hdr, ok := ParseHeader(payload)
	if !ok {
		return
	}
	segLen := len(payload)
	if !verifyChecksum(src, dst, append([]byte(nil), payload...)) {
		return
	}
	hdrLen := dataOffsetWords(payload)
	if hdrLen < HeaderLen || hdrLen > segLen {
		return
	}
	body := payload[hdrLen:]

	local := Endpoint{IP: dst, Port: hdr.DestPort}
	remote := Endpoint{IP: src, Port: hdr.SourcePort}

	c.mu.Lock()
	conn, exists := c.connections[fourTuple{local, remote}]
	l, listening := c.listeners[hdr.DestPort]
	c.mu.Unlock()

	if !exists {
		if listening && hdr.Flags&FlagSYN != 0 {
			c.acceptNewConnection(l, local, remote, hdr)
		}
		return
	}
	conn.onSegment(hdr, body)
}

func (c *Context) acceptNewConnection(l *listener, local, remote Endpoint, hdr Header) {
	conn := &Connection{
		ctx:        c,
		Local:      local,
		Remote:     remote,
		state:      StateSynReceived,
		sendBuf:    circbuf.MkCircbuf(SendBufferSize),
		recvBuf:    circbuf.MkCircbuf(RecvBufferSize),
		recvWindow: RecvBufferSize,
		windowHys:  newHysteresis(RecvBufferSize),
		recvNext:   hdr.Seq + 1,
	}
	conn.sendNext = c.nextISN()
	conn.sendUnacked = conn.sendNext

	c.mu.Lock()
	c.connections[fourTuple{local, remote}] = conn
	c.mu.Unlock()

	conn.sendSegment(FlagSYN|FlagACK, nil)
	conn.sendNext++
	conn.retransmitDeadline = time.Now().Add(RetransmitTimeout)

	// Stash the listener so the handshake's final ACK can push this
	// connection into the accept backlog.
	conn.pendingListener = l
}

func (c *Connection) onSegment(hdr Header, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if hdr.Flags&FlagRST != 0 {
		c.setState(StateClosed)
		c.ctx.remove(c)
		return
	}

	switch c.state {
	case StateSynSent:
		if hdr.Flags&FlagSYN != 0 && hdr.Flags&FlagACK != 0 {
			c.recvNext = hdr.Seq + 1
			c.sendUnacked = hdr.Ack
			c.sendWindow = hdr.Window
			c.sendSegment(FlagACK, nil)
			c.setState(StateEstablished)
		}
		return

	case StateSynReceived:
		if hdr.Flags&FlagACK != 0 {
			c.sendUnacked = hdr.Ack
			c.sendWindow = hdr.Window
			c.setState(StateEstablished)
			if c.pendingListener != nil {
				select {
				case c.pendingListener.backlog <- c:
				default:
				}
				c.pendingListener = nil
			}
		}
		return
	}

	if hdr.Flags&FlagACK != 0 && hdr.Ack != c.sendUnacked {
		c.sendUnacked = hdr.Ack
		c.sendWindow = hdr.Window
		if c.sendUnacked == c.sendNext {
			c.retransmitCount = 0
		}
		c.flushSendLocked()
	}

	if len(body) > 0 && hdr.Seq == c.recvNext {
		c.recvBuf.Copyin(fdops.MkBytesio(body))
		c.recvNext += uint32(len(body))
		newWindow := uint32(c.recvBuf.Left())
		if newWindow > 0xFFFF {
			newWindow = 0xFFFF
		}
		c.recvWindow = uint16(newWindow)
		c.sendSegment(FlagACK, nil)
		if c.onData != nil {
			c.onData(body)
		}
	}

	if hdr.Flags&FlagFIN != 0 {
		c.recvNext++
		switch c.state {
		case StateEstablished:
			c.sendSegment(FlagACK, nil)
			c.setState(StateCloseWait)
		case StateFinWait1:
			c.sendSegment(FlagACK, nil)
			c.setState(StateClosing)
		case StateFinWait2:
			c.sendSegment(FlagACK, nil)
			c.setState(StateTimeWait)
			c.timeWaitDeadline = time.Now().Add(TimeWaitTimeout)
		}
		return
	}

	if hdr.Flags&FlagACK != 0 {
		switch c.state {
		case StateFinWait1:
			if c.finSent && c.sendUnacked == c.sendNext {
				c.setState(StateFinWait2)
			}
		case StateClosing:
			c.setState(StateTimeWait)
			c.timeWaitDeadline = time.Now().Add(TimeWaitTimeout)
		case StateLastAck:
			c.setState(StateClosed)
			c.ctx.remove(c)
		}
	}
}

// Update drives retransmission and time-wait timers; it should be
// called periodically (see netmgr).
func (c *Context) Update() {
	c.mu.Lock()
	conns := make([]*Connection, 0, len(c.connections))
	for _, conn := range c.connections {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	for _, conn := range conns {
		conn.tick()
	}
}

func (c *Connection) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateTimeWait && !c.timeWaitDeadline.IsZero() && time.Now().After(c.timeWaitDeadline) {
		c.setState(StateClosed)
		c.ctx.remove(c)
		return
	}

	if c.sendUnacked == c.sendNext || c.retransmitDeadline.IsZero() {
		return
	}
	if time.Now().Before(c.retransmitDeadline) {
		return
	}

	if c.retransmitCount >= MaxRetransmits {
		c.setState(StateClosed)
		c.ctx.remove(c)
		return
	}
	c.retransmitCount++
	if c.lastSegment != nil {
		c.sendSegment(FlagACK, c.lastSegment)
	}
	c.retransmitDeadline = time.Now().Add(RetransmitTimeout)
}
