package tcp

import (
	"testing"
	"time"

	"arp"
	"defs"
	"ethernet"
	"ipv4"
	"wire"

	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	info ethernet.Info
	sent [][]byte
}

func (f *fakeDriver) Info() ethernet.Info { return f.info }

func (f *fakeDriver) Command(code defs.DriverCmd, param interface{}) (defs.DriverReturn, error) {
	switch code {
	case defs.DF_NT_GETINFO:
		return defs.DF_RETURN_SUCCESS, nil
	case defs.DF_NT_SETRXCB:
		return defs.DF_RETURN_SUCCESS, nil
	case defs.DF_NT_SEND:
		f.sent = append(f.sent, param.([]byte))
		return defs.DF_RETURN_SUCCESS, nil
	}
	return defs.DF_RETURN_NOTIMPL, defs.ENOSYS
}

func newStack(t *testing.T, localIP wire.Addr) (*Context, *ipv4.Context, *fakeDriver) {
	t.Helper()
	d := &fakeDriver{info: ethernet.Info{MAC: ethernet.MAC{1, 1, 1, 1, 1, 1}, MTU: 1500}}
	a, err := arp.Initialize(d, localIP)
	require.NoError(t, err)
	ip, err := ipv4.Initialize(d, a, localIP, wire.ParseAddr([]byte{255, 255, 255, 0}), wire.Addr(0))
	require.NoError(t, err)
	return Initialize(ip), ip, d
}

// lastSegment strips the Ethernet+IPv4 headers off the most recent
// transmitted frame to recover the raw TCP segment.
func lastSegment(d *fakeDriver) []byte {
	frame := d.sent[len(d.sent)-1]
	ipStart := ethernet.HeaderLen
	ihl := int(frame[ipStart]&0x0F) * 4
	return frame[ipStart+ihl:]
}

func TestConnectSendsSYN(t *testing.T) {
	c, _, d := newStack(t, wire.ParseAddr([]byte{10, 0, 0, 1}))
	conn := c.Connect(5000, Endpoint{IP: wire.ParseAddr([]byte{10, 0, 0, 2}), Port: 80})
	require.Equal(t, StateSynSent, conn.State())
	require.Len(t, d.sent, 1)

	hdr, ok := ParseHeader(lastSegment(d))
	require.True(t, ok)
	require.Equal(t, uint8(FlagSYN), hdr.Flags)
}

func TestThreeWayHandshakeReachesEstablished(t *testing.T) {
	c, _, d := newStack(t, wire.ParseAddr([]byte{10, 0, 0, 1}))
	remote := Endpoint{IP: wire.ParseAddr([]byte{10, 0, 0, 2}), Port: 80}
	conn := c.Connect(5000, remote)

	synAckHdr := Header{SourcePort: 80, DestPort: 5000, Seq: 9000, Ack: conn.sendNext, Flags: FlagSYN | FlagACK, Window: 4096}
	conn.onSegment(synAckHdr, nil)

	require.Equal(t, StateEstablished, conn.State())
	require.Len(t, d.sent, 2) // SYN, then ACK completing handshake
}

func TestListenAndAcceptCompletesPassiveOpen(t *testing.T) {
	c, ip, _ := newStack(t, wire.ParseAddr([]byte{10, 0, 0, 1}))
	require.NoError(t, c.Listen(80, 4))

	clientSeq := uint32(500)
	synHdr := Header{SourcePort: 6000, DestPort: 80, Seq: clientSeq, Flags: FlagSYN, Window: 4096}
	c.onIPv4Payload(wire.ParseAddr([]byte{10, 0, 0, 9}), ip.LocalIP, rawSegment(synHdr, nil))

	_, ok := c.Accept(80)
	require.False(t, ok, "connection should not be acceptable before the handshake completes")

	c.mu.Lock()
	var conn *Connection
	for _, v := range c.connections {
		conn = v
	}
	c.mu.Unlock()
	require.NotNil(t, conn)
	require.Equal(t, StateSynReceived, conn.State())

	ackHdr := Header{SourcePort: 6000, DestPort: 80, Seq: clientSeq + 1, Ack: conn.sendNext, Flags: FlagACK, Window: 4096}
	conn.onSegment(ackHdr, nil)
	require.Equal(t, StateEstablished, conn.State())

	accepted, ok := c.Accept(80)
	require.True(t, ok)
	require.Same(t, conn, accepted)
}

func TestSendAndReceiveDataAfterEstablished(t *testing.T) {
	c, _, _ := newStack(t, wire.ParseAddr([]byte{10, 0, 0, 1}))
	conn := c.Connect(5000, Endpoint{IP: wire.ParseAddr([]byte{10, 0, 0, 2}), Port: 80})
	conn.onSegment(Header{SourcePort: 80, DestPort: 5000, Seq: 9000, Ack: conn.sendNext, Flags: FlagSYN | FlagACK, Window: 4096}, nil)
	require.Equal(t, StateEstablished, conn.State())

	n, err := conn.Send([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	// simulate peer echoing data back
	conn.onSegment(Header{SourcePort: 80, DestPort: 5000, Seq: 9001, Ack: conn.sendNext, Flags: FlagACK, Window: 4096}, []byte("world"))
	out := make([]byte, 16)
	got, err := conn.Receive(out)
	require.NoError(t, err)
	require.Equal(t, "world", string(out[:got]))
}

func TestCloseFromEstablishedSendsFIN(t *testing.T) {
	c, _, d := newStack(t, wire.ParseAddr([]byte{10, 0, 0, 1}))
	conn := c.Connect(5000, Endpoint{IP: wire.ParseAddr([]byte{10, 0, 0, 2}), Port: 80})
	conn.onSegment(Header{SourcePort: 80, DestPort: 5000, Seq: 9000, Ack: conn.sendNext, Flags: FlagSYN | FlagACK, Window: 4096}, nil)

	require.NoError(t, conn.Close())
	require.Equal(t, StateFinWait1, conn.State())

	hdr, ok := ParseHeader(lastSegment(d))
	require.True(t, ok)
	require.NotZero(t, hdr.Flags&FlagFIN)
}

func TestRetransmitOnTimeoutThenGivesUp(t *testing.T) {
	c, _, d := newStack(t, wire.ParseAddr([]byte{10, 0, 0, 1}))
	conn := c.Connect(5000, Endpoint{IP: wire.ParseAddr([]byte{10, 0, 0, 2}), Port: 80})
	require.Len(t, d.sent, 1)

	conn.retransmitDeadline = time.Now().Add(-time.Second)
	conn.lastSegment = []byte{}
	for i := 0; i <= MaxRetransmits; i++ {
		conn.tick()
		conn.retransmitDeadline = time.Now().Add(-time.Second)
	}
	require.Equal(t, StateClosed, conn.State())
}

// rawSegment builds a TCP segment byte slice from a Header and payload
// for feeding into Context.onIPv4Payload, with a correct checksum.
func rawSegment(h Header, payload []byte) []byte {
	hdr := make([]byte, HeaderLen)
	PutHeader(hdr, h)
	segment := append(hdr, payload...)
	cs := checksumSegment(wire.ParseAddr([]byte{10, 0, 0, 9}), wire.ParseAddr([]byte{10, 0, 0, 1}), segment)
	copyUint16(segment[16:18], cs)
	return segment
}

func copyUint16(dst []byte, v uint16) {
	dst[0] = byte(v >> 8)
	dst[1] = byte(v)
}
