package ipv4

import (
	"testing"

	"arp"
	"defs"
	"ethernet"
	"wire"

	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	info ethernet.Info
	sent [][]byte
	rx   ethernet.RxCallback
}

func (f *fakeDriver) Info() ethernet.Info { return f.info }

func (f *fakeDriver) Command(code defs.DriverCmd, param interface{}) (defs.DriverReturn, error) {
	switch code {
	case defs.DF_NT_GETINFO:
		return defs.DF_RETURN_SUCCESS, nil
	case defs.DF_NT_SETRXCB:
		f.rx = param.(ethernet.RxCallback)
		return defs.DF_RETURN_SUCCESS, nil
	case defs.DF_NT_SEND:
		f.sent = append(f.sent, param.([]byte))
		return defs.DF_RETURN_SUCCESS, nil
	}
	return defs.DF_RETURN_NOTIMPL, defs.ENOSYS
}

func newCtx(t *testing.T) (*Context, *arp.Context, *fakeDriver) {
	t.Helper()
	d := &fakeDriver{info: ethernet.Info{MAC: ethernet.MAC{0, 1, 2, 3, 4, 5}, MTU: 1500}}
	a, err := arp.Initialize(d, wire.ParseAddr([]byte{192, 168, 1, 10}))
	require.NoError(t, err)
	c, err := Initialize(d, a, wire.ParseAddr([]byte{192, 168, 1, 10}),
		wire.ParseAddr([]byte{255, 255, 255, 0}), wire.ParseAddr([]byte{192, 168, 1, 1}))
	require.NoError(t, err)
	return c, a, d
}

func TestSendSameSubnetPendsUntilArpResolved(t *testing.T) {
	c, a, d := newCtx(t)
	dest := wire.ParseAddr([]byte{192, 168, 1, 50})
	res := c.Send(dest, ProtoUDP, []byte("hi"))
	require.Equal(t, PENDING, res)

	// simulate ARP reply for dest
	replyMAC := ethernet.MAC{9, 9, 9, 9, 9, 9}
	a.Resolve(dest) // no-op, already probing
	frame := arpReplyFrame(t, c.localMAC, replyMAC, dest, c.LocalIP)
	a.OnEthernetFrame(frame)

	require.Len(t, d.sent, 2) // 1 ARP request + 1 drained IPv4 datagram
}

func TestSendBroadcastIsImmediate(t *testing.T) {
	c, _, d := newCtx(t)
	res := c.Send(wire.Broadcast, ProtoUDP, []byte("x"))
	require.Equal(t, IMMEDIATE, res)
	require.Len(t, d.sent, 1)
}

func TestOnEthernetFrameDispatchesToHandler(t *testing.T) {
	c, _, d := newCtx(t)
	var got []byte
	c.RegisterHandler(ProtoUDP, func(src, dst wire.Addr, payload []byte) {
		got = payload
	})

	peer := wire.ParseAddr([]byte{192, 168, 1, 99})
	c.Send(peer, ProtoUDP, []byte("ignored-outbound"))
	// build an inbound datagram addressed to us from peer, bypassing ARP
	hdr := buildHeader(peer, c.LocalIP, ProtoUDP, 5)
	payload := []byte("hello")
	datagram := append(hdr, payload...)
	frame := make([]byte, ethernet.HeaderLen+len(datagram))
	ethernet.PutHeader(frame, ethernet.Header{Destination: c.localMAC, Source: ethernet.MAC{1, 1, 1, 1, 1, 1}, EtherType: ethernet.ETHERTYPE_IPV4})
	copy(frame[ethernet.HeaderLen:], datagram)

	c.OnEthernetFrame(frame)
	require.Equal(t, "hello", string(got))
}

func TestReconfigureFlushesArpAndPending(t *testing.T) {
	c, a, _ := newCtx(t)
	c.Send(wire.ParseAddr([]byte{192, 168, 1, 77}), ProtoUDP, []byte("q"))
	require.NotEmpty(t, a.Dump())

	c.Reconfigure(wire.ParseAddr([]byte{10, 0, 0, 5}), wire.ParseAddr([]byte{255, 0, 0, 0}), wire.ParseAddr([]byte{10, 0, 0, 1}))
	require.Empty(t, a.Dump())
}

func arpReplyFrame(t *testing.T, myMAC, replyMAC ethernet.MAC, senderIP, targetIP wire.Addr) []byte {
	t.Helper()
	// minimal ARP reply frame built by hand since arp's internals are
	// package-private to arp_test, not this package.
	payload := make([]byte, 28)
	payload[0], payload[1] = 0, 1
	payload[2], payload[3] = 0x08, 0x00
	payload[4] = 6
	payload[5] = 4
	payload[6], payload[7] = 0, 2
	copy(payload[8:14], replyMAC[:])
	senderIP.Put(payload[14:18])
	copy(payload[18:24], myMAC[:])
	targetIP.Put(payload[24:28])

	frame := make([]byte, ethernet.HeaderLen+len(payload))
	ethernet.PutHeader(frame, ethernet.Header{Destination: myMAC, Source: replyMAC, EtherType: ethernet.ETHERTYPE_ARP})
	copy(frame[ethernet.HeaderLen:], payload)
	return frame
}
