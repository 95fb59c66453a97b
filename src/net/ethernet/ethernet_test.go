package ethernet

import (
	"testing"

	"defs"

	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	info    Info
	sent    [][]byte
	rx      RxCallback
	reset   bool
	polled  int
}

func (f *fakeDriver) Info() Info { return f.info }

func (f *fakeDriver) Command(code defs.DriverCmd, param interface{}) (defs.DriverReturn, error) {
	switch code {
	case defs.DF_NT_GETINFO:
		return defs.DF_RETURN_SUCCESS, nil
	case defs.DF_NT_SETRXCB:
		f.rx = param.(RxCallback)
		return defs.DF_RETURN_SUCCESS, nil
	case defs.DF_NT_SEND:
		f.sent = append(f.sent, param.([]byte))
		return defs.DF_RETURN_SUCCESS, nil
	case defs.DF_NT_POLL:
		f.polled++
		return defs.DF_RETURN_SUCCESS, nil
	case defs.DF_NT_RESET:
		f.reset = true
		return defs.DF_RETURN_SUCCESS, nil
	}
	return defs.DF_RETURN_NOTIMPL, defs.ENOSYS
}

func TestHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, HeaderLen+4)
	h := Header{
		Destination: Broadcast,
		Source:      MAC{1, 2, 3, 4, 5, 6},
		EtherType:   ETHERTYPE_ARP,
	}
	PutHeader(buf, h)
	got, ok := ParseHeader(buf)
	require.True(t, ok)
	require.Equal(t, h, got)
}

func TestParseHeaderRejectsShortFrame(t *testing.T) {
	_, ok := ParseHeader(make([]byte, 10))
	require.False(t, ok)
}

func TestGetInfoDelegatesToDriver(t *testing.T) {
	d := &fakeDriver{info: Info{MAC: MAC{9, 9, 9, 9, 9, 9}, MTU: 1500}}
	info, err := GetInfo(d)
	require.NoError(t, err)
	require.Equal(t, d.info, info)
}

func TestSendAndPollAndResetDelegate(t *testing.T) {
	d := &fakeDriver{}
	require.NoError(t, Send(d, []byte{1, 2, 3}))
	require.NoError(t, Poll(d))
	require.NoError(t, Reset(d))
	require.Len(t, d.sent, 1)
	require.Equal(t, 1, d.polled)
	require.True(t, d.reset)
}

func TestSetRxCallbackRegistersHandler(t *testing.T) {
	d := &fakeDriver{}
	called := false
	require.NoError(t, SetRxCallback(d, func(frame []byte) { called = true }))
	d.rx(nil)
	require.True(t, called)
}

func TestMACString(t *testing.T) {
	m := MAC{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	require.Equal(t, "aa:bb:cc:dd:ee:ff", m.String())
}
