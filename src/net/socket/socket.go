// Package socket implements the Berkeley-style API described by
// original_source's Socket.c: non-blocking send/receive over a TCP
// connection, a listen backlog, and the handful of storage-only socket
// options the original keeps alongside the one that actually changes
// behavior (SO_RCVTIMEO). Grounded on tcp.Connection/Context for the
// transport and circbuf.Circbuf_t for the receive-side buffering.
package socket

import (
	"sync"
	"time"

	"circbuf"
	"defs"
	"fdops"
	"limits"
	"netstats"
	"tcp"
)

// State is a socket's Berkeley-API lifecycle state.
type State int

const (
	StateClosed State = iota
	StateCreated
	StateBound
	StateListening
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateCreated:
		return "CREATED"
	case StateBound:
		return "BOUND"
	case StateListening:
		return "LISTENING"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// ConnectTimeout bounds how long Connect waits for the handshake to reach
// ESTABLISHED before PollConnect reports ETIMEDOUT.
const ConnectTimeout = 30 * time.Second

// recvBufferSize sizes the socket-owned mirror buffer fed by the TCP
// receive-path callback; independent of tcp.RecvBufferSize since the two
// layers drain at different rates.
const recvBufferSize = 16384

// Options holds the socket option flags original_source's Socket.c
// stores, whether or not they currently drive any behavior.
type Options struct {
	ReuseAddress   bool
	KeepAlive      bool
	NoDelay        bool
	ReceiveTimeout time.Duration
	SendTimeout    time.Duration
}

// Socket is a single Berkeley-API endpoint, optionally backed by a
// tcp.Connection.
type Socket struct {
	mu sync.Mutex

	ctx *Context

	state  State
	local  tcp.Endpoint
	remote tcp.Endpoint

	conn *tcp.Connection

	recvBuf *circbuf.Circbuf_t
	opts    Options

	receiveTimeoutStart time.Time
	connectDeadline     time.Time
}

// Context owns ephemeral port allocation over one device's TCP stack and
// the set of live sockets Update expires CONNECTING timeouts on.
type Context struct {
	mu       sync.Mutex
	tcp      *tcp.Context
	nextPort uint16
	sockets  map[*Socket]struct{}

	Stats netstats.Socket
}

// Initialize returns a socket Context layered over an already-initialized
// TCP stack.
func Initialize(t *tcp.Context) *Context {
	return &Context{tcp: t, nextPort: 49152, sockets: make(map[*Socket]struct{})}
}

// Update is netmgr's SocketUpdate (spec.md 5's every-100-iterations
// maintenance tick): it expires any CONNECTING socket whose
// ConnectTimeout has elapsed, the same transition PollConnect applies
// lazily when a caller happens to ask. Running it here means a socket
// nobody is polling still times out instead of staying CONNECTING
// forever.
func (c *Context) Update() {
	c.mu.Lock()
	sockets := make([]*Socket, 0, len(c.sockets))
	for s := range c.sockets {
		sockets = append(sockets, s)
	}
	c.mu.Unlock()

	now := time.Now()
	for _, s := range sockets {
		s.mu.Lock()
		if s.state == StateConnecting && now.After(s.connectDeadline) {
			s.state = StateClosed
			s.ctx.Stats.Timeouts.Inc()
		}
		s.mu.Unlock()
	}
}

func (c *Context) track(s *Socket) {
	c.mu.Lock()
	c.sockets[s] = struct{}{}
	c.mu.Unlock()
}

func (c *Context) untrack(s *Socket) {
	c.mu.Lock()
	delete(c.sockets, s)
	c.mu.Unlock()
}

func (c *Context) allocPort() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.nextPort
	if c.nextPort == 0xFFFF {
		c.nextPort = 49152
	} else {
		c.nextPort++
	}
	return p
}

// SocketCreate allocates a new socket in CREATED state, charged against
// limits.Syslimit.Socks.
func (c *Context) SocketCreate() (*Socket, error) {
	if !limits.Syslimit.Socks.Take() {
		return nil, defs.ENOMEM
	}
	s := &Socket{
		ctx:     c,
		state:   StateCreated,
		recvBuf: circbuf.MkCircbuf(recvBufferSize),
	}
	c.track(s)
	return s, nil
}

// Bind fixes the socket's local address.
func (s *Socket) Bind(local tcp.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreated {
		return defs.EBADPARAM
	}
	s.local = local
	s.state = StateBound
	return nil
}

// Listen puts the socket's local port into TCP LISTEN and starts
// accumulating completed handshakes in the pending-connection queue.
func (s *Socket) Listen(backlog int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBound {
		return defs.EBADPARAM
	}
	if s.local.Port == 0 {
		s.local.Port = s.ctx.allocPort()
	}
	if err := s.ctx.tcp.Listen(s.local.Port, backlog); err != nil {
		return err
	}
	s.state = StateListening
	return nil
}

// Accept dequeues one completed passive-open connection, wrapping it in a
// new CONNECTED socket. Non-blocking: reports false if nothing is ready.
func (s *Socket) Accept() (*Socket, bool, error) {
	s.mu.Lock()
	port := s.local.Port
	listening := s.state == StateListening
	s.mu.Unlock()
	if !listening {
		return nil, false, defs.ENOTCONN
	}

	conn, ok := s.ctx.tcp.Accept(port)
	if !ok {
		return nil, false, nil
	}

	child, err := s.ctx.SocketCreate()
	if err != nil {
		return nil, false, err
	}
	child.mu.Lock()
	child.state = StateConnected
	child.local = conn.Local
	child.remote = conn.Remote
	child.conn = conn
	child.mu.Unlock()
	conn.OnData(child.onData)
	s.ctx.Stats.Accepted.Inc()
	return child, true, nil
}

// Connect begins an active open toward remote. Non-blocking: returns
// immediately in CONNECTING state; the caller polls PollConnect.
func (s *Socket) Connect(remote tcp.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreated && s.state != StateBound {
		return defs.EBADPARAM
	}
	if s.local.Port == 0 {
		s.local.Port = s.ctx.allocPort()
	}
	conn := s.ctx.tcp.Connect(s.local.Port, remote)
	s.conn = conn
	s.remote = remote
	s.state = StateConnecting
	s.connectDeadline = time.Now().Add(ConnectTimeout)

	conn.OnData(s.onData)
	conn.OnStateChange(func(ns tcp.State) {
		if ns == tcp.StateEstablished {
			s.mu.Lock()
			if s.state == StateConnecting {
				s.state = StateConnected
				s.ctx.Stats.Connected.Inc()
			}
			s.mu.Unlock()
		}
	})
	return nil
}

// PollConnect reports whether a Connect begun earlier has reached
// CONNECTED, is still pending, or has timed out per spec.md's 30s bound.
func (s *Socket) PollConnect() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateConnected:
		return true, nil
	case StateConnecting:
		if time.Now().After(s.connectDeadline) {
			s.state = StateClosed
			s.ctx.Stats.Timeouts.Inc()
			return false, defs.ETIMEDOUT
		}
		return false, defs.EWOULDBLOCK
	default:
		return false, defs.ENOTCONN
	}
}

// onData is the receive-path callback registered against the owned
// tcp.Connection: it mirrors in-order payload bytes into the socket's own
// recv buffer, dropping whatever does not fit per spec.md 4.11.
func (s *Socket) onData(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := s.recvBuf.Copyin(fdops.MkBytesio(payload))
	s.ctx.Stats.BytesReceived.Add(int64(n))
	if dropped := len(payload) - n; dropped > 0 {
		s.ctx.Stats.ReceiveDropped.Add(int64(dropped))
	}
}

// Send writes data to the connected peer through the owned TCP
// connection's own send buffer.
func (s *Socket) Send(data []byte) (int, error) {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected || conn == nil {
		return 0, defs.ENOTCONN
	}
	n, err := conn.Send(data)
	s.ctx.Stats.BytesSent.Add(int64(n))
	return n, err
}

// Receive drains the socket's recv buffer. Non-blocking: returns
// EWOULDBLOCK when empty (unless ReceiveTimeout elapses, returning
// ETIMEDOUT) and returns (0, nil) once the underlying connection reaches
// CLOSED with nothing left buffered, signaling EOF.
func (s *Socket) Receive(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return 0, defs.ENOTCONN
	}

	if !s.recvBuf.Empty() {
		n, err := s.recvBuf.CopyoutN(fdops.MkBytesio(buf), len(buf))
		if err != nil {
			return n, err
		}
		s.receiveTimeoutStart = time.Time{}
		return n, nil
	}

	if s.conn.State() == tcp.StateClosed {
		return 0, nil
	}

	if s.opts.ReceiveTimeout > 0 {
		if s.receiveTimeoutStart.IsZero() {
			s.receiveTimeoutStart = time.Now()
		} else if time.Since(s.receiveTimeoutStart) >= s.opts.ReceiveTimeout {
			s.ctx.Stats.Timeouts.Inc()
			return 0, defs.ETIMEDOUT
		}
	}
	s.ctx.Stats.WouldBlock.Inc()
	return 0, defs.EWOULDBLOCK
}

// Shutdown half-closes the socket; this stack only supports a full
// bidirectional close, so Shutdown begins the same FIN sequence Close
// does and moves the socket to CLOSING.
func (s *Socket) Shutdown() error {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return defs.ENOTCONN
	}
	s.state = StateClosing
	s.mu.Unlock()
	return conn.Close()
}

// Close tears the socket down, destroying its owned TcpConnection (if
// any) and releasing its budget slot.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	s.state = StateClosed
	s.mu.Unlock()

	var err error
	if conn != nil && conn.State() != tcp.StateClosed {
		err = conn.Close()
	}
	limits.Syslimit.Socks.Give()
	s.ctx.Stats.Closed.Inc()
	s.ctx.untrack(s)
	return err
}

// SetOption applies one of the recognized option names: SO_RCVTIMEO
// (functional), SO_KEEPALIVE/TCP_NODELAY/SO_REUSEADDR (storage only).
func (s *Socket) SetOption(name string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch name {
	case "SO_RCVTIMEO":
		d, ok := value.(time.Duration)
		if !ok {
			return defs.EBADPARAM
		}
		s.opts.ReceiveTimeout = d
	case "SO_KEEPALIVE":
		b, ok := value.(bool)
		if !ok {
			return defs.EBADPARAM
		}
		s.opts.KeepAlive = b
	case "TCP_NODELAY":
		b, ok := value.(bool)
		if !ok {
			return defs.EBADPARAM
		}
		s.opts.NoDelay = b
	case "SO_REUSEADDR":
		b, ok := value.(bool)
		if !ok {
			return defs.EBADPARAM
		}
		s.opts.ReuseAddress = b
	default:
		return defs.ENOSYS
	}
	return nil
}

// GetOption returns the current value of one of the recognized options.
func (s *Socket) GetOption(name string) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch name {
	case "SO_RCVTIMEO":
		return s.opts.ReceiveTimeout, nil
	case "SO_KEEPALIVE":
		return s.opts.KeepAlive, nil
	case "TCP_NODELAY":
		return s.opts.NoDelay, nil
	case "SO_REUSEADDR":
		return s.opts.ReuseAddress, nil
	default:
		return nil, defs.ENOSYS
	}
}

// GetPeerName returns the connected remote address.
func (s *Socket) GetPeerName() (tcp.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return tcp.Endpoint{}, defs.ENOTCONN
	}
	return s.remote, nil
}

// GetSocketName returns the socket's bound local address.
func (s *Socket) GetSocketName() (tcp.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.state == StateCreated {
		return tcp.Endpoint{}, defs.EBADPARAM
	}
	return s.local, nil
}

// State returns the socket's current lifecycle state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
