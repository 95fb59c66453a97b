package arp

import (
	"testing"

	"defs"
	"ethernet"
	"wire"

	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	info Info
	sent [][]byte
	rx   ethernet.RxCallback
}

type Info = ethernet.Info

func (f *fakeDriver) Info() Info { return f.info }

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

func newCtx(t *testing.T) (*Context, *fakeDriver) {
	t.Helper()
	d := &fakeDriver{info: Info{MAC: ethernet.MAC{0, 1, 2, 3, 4, 5}, MTU: 1500}}
	c, err := Initialize(d, wire.ParseAddr([]byte{192, 168, 56, 10}))
	require.NoError(t, err)
	return c, d
}

func TestResolveMissSendsBroadcastRequest(t *testing.T) {
	c, d := newCtx(t)
	target := wire.ParseAddr([]byte{192, 168, 56, 1})
	_, ok := c.Resolve(target)
	require.False(t, ok)
	require.Len(t, d.sent, 1)

	frame := d.sent[0]
	eh, ok := ethernet.ParseHeader(frame)
	require.True(t, ok)
	require.Equal(t, ethernet.Broadcast, eh.Destination)
	require.Equal(t, uint16(ethernet.ETHERTYPE_ARP), eh.EtherType)

	op, _, _, _, gotTarget, ok := parsePacket(frame[ethernet.HeaderLen:])
	require.True(t, ok)
	require.Equal(t, opRequest, op)
	require.Equal(t, target, gotTarget)
}

func TestResolveHitAfterReply(t *testing.T) {
	c, d := newCtx(t)
	target := wire.ParseAddr([]byte{192, 168, 56, 1})
	_, ok := c.Resolve(target)
	require.False(t, ok)

	replyMAC := ethernet.MAC{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	reply := buildPacket(opReply, replyMAC, target, c.localMAC, c.localIP)
	frame := make([]byte, ethernet.HeaderLen+len(reply))
	ethernet.PutHeader(frame, ethernet.Header{Destination: c.localMAC, Source: replyMAC, EtherType: ethernet.ETHERTYPE_ARP})
	copy(frame[ethernet.HeaderLen:], reply)

	c.OnEthernetFrame(frame)

	mac, ok := c.Resolve(target)
	require.True(t, ok)
	require.Equal(t, replyMAC, mac)
}

func TestRequestForLocalIPTriggersReply(t *testing.T) {
	c, d := newCtx(t)
	senderMAC := ethernet.MAC{1, 1, 1, 1, 1, 1}
	senderIP := wire.ParseAddr([]byte{192, 168, 56, 50})
	req := buildPacket(opRequest, senderMAC, senderIP, ethernet.MAC{}, c.localIP)
	frame := make([]byte, ethernet.HeaderLen+len(req))
	ethernet.PutHeader(frame, ethernet.Header{Destination: ethernet.Broadcast, Source: senderMAC, EtherType: ethernet.ETHERTYPE_ARP})
	copy(frame[ethernet.HeaderLen:], req)

	c.OnEthernetFrame(frame)

	require.Len(t, d.sent, 1)
	op, _, _, _, targetIP, ok := parsePacket(d.sent[0][ethernet.HeaderLen:])
	require.True(t, ok)
	require.Equal(t, opReply, op)
	require.Equal(t, senderIP, targetIP)
}

func TestTickExpiresEntries(t *testing.T) {
	c, _ := newCtx(t)
	target := wire.ParseAddr([]byte{10, 0, 0, 1})
	c.Resolve(target)
	for i := 0; i < ProbeIntervalTicks; i++ {
		c.Tick()
	}
	require.Empty(t, c.Dump())
}

func TestFlushClearsCache(t *testing.T) {
	c, _ := newCtx(t)
	c.Resolve(wire.ParseAddr([]byte{10, 0, 0, 1}))
	require.NotEmpty(t, c.Dump())
	c.Flush()
	require.Empty(t, c.Dump())
}
