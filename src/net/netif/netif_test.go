package netif

import (
	"encoding/binary"
	"testing"

	"defs"
	"devctx"
	"ethernet"
	"ipv4"
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

func TestNewWiresARPAndIPv4UnderOneRxSlot(t *testing.T) {
	d := &fakeDriver{info: ethernet.Info{MAC: ethernet.MAC{1, 2, 3, 4, 5, 6}, MTU: 1500}}
	reg := devctx.NewRegistry()
	dev := &devctx.Device{Name: "eth0"}

	iface, err := New(reg, dev, d,
		wire.ParseAddr([]byte{192, 168, 1, 10}),
		wire.ParseAddr([]byte{255, 255, 255, 0}),
		wire.ParseAddr([]byte{192, 168, 1, 1}),
		Options{})
	require.NoError(t, err)
	require.NotNil(t, d.rx)

	_, ok := reg.GetDeviceContext(dev, defs.KOID_ARP)
	require.True(t, ok)
	_, ok = reg.GetDeviceContext(dev, defs.KOID_IPV4)
	require.True(t, ok)
	_, ok = reg.GetDeviceContext(dev, defs.KOID_UDP)
	require.True(t, ok)
	_, ok = reg.GetDeviceContext(dev, defs.KOID_TCP)
	require.True(t, ok)
	_, ok = reg.GetDeviceContext(dev, defs.KOID_SOCKET)
	require.True(t, ok)
	_, ok = reg.GetDeviceContext(dev, defs.KOID_DHCP)
	require.False(t, ok, "DHCP is opt-in via Options.UseDHCP")

	var got []byte
	iface.IPv4.RegisterHandler(ipv4.ProtoUDP, func(src, dst wire.Addr, payload []byte) {
		got = payload
	})

	// deliver an IPv4 datagram through the single demuxed rx callback.
	peer := wire.ParseAddr([]byte{192, 168, 1, 99})
	frame := buildUDPFrame(t, iface, peer)
	d.rx(frame)
	require.Equal(t, "hi", string(got))
}

func TestNewWithDHCPStartsNegotiationAndRegistersContext(t *testing.T) {
	d := &fakeDriver{info: ethernet.Info{MAC: ethernet.MAC{1, 2, 3, 4, 5, 6}, MTU: 1500}}
	reg := devctx.NewRegistry()
	dev := &devctx.Device{Name: "eth0"}

	iface, err := New(reg, dev, d, wire.Addr(0), wire.Addr(0), wire.Addr(0), Options{UseDHCP: true})
	require.NoError(t, err)
	require.NotNil(t, iface.DHCP)
	require.NotEmpty(t, d.sent, "Start should have broadcast a DISCOVER")

	_, ok := reg.GetDeviceContext(dev, defs.KOID_DHCP)
	require.True(t, ok)
}

func buildUDPFrame(t *testing.T, iface *Interface, peer wire.Addr) []byte {
	t.Helper()
	payload := []byte("hi")
	hdr := make([]byte, ipv4.HeaderLen)
	hdr[0] = 0x45
	binary.BigEndian.PutUint16(hdr[2:4], uint16(ipv4.HeaderLen+len(payload)))
	hdr[8] = 64
	hdr[9] = ipv4.ProtoUDP
	peer.Put(hdr[12:16])
	iface.IPv4.LocalIP.Put(hdr[16:20])
	cs := wire.Checksum(hdr)
	binary.BigEndian.PutUint16(hdr[10:12], cs)
	datagram := append(hdr, payload...)
	frame := make([]byte, ethernet.HeaderLen+len(datagram))
	ethernet.PutHeader(frame, ethernet.Header{
		Destination: ethernet.MAC{1, 2, 3, 4, 5, 6},
		Source:      ethernet.MAC{9, 9, 9, 9, 9, 9},
		EtherType:   ethernet.ETHERTYPE_IPV4,
	})
	copy(frame[ethernet.HeaderLen:], datagram)
	return frame
}
