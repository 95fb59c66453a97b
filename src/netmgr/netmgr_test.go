package netmgr

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"defs"
	"devctx"
	"ethernet"
	"netif"
	"socket"
	"tcp"
	"wire"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	info ethernet.Info

	mu   sync.Mutex
	sent [][]byte

	polls int64
}

func (f *fakeDriver) Info() ethernet.Info { return f.info }

func (f *fakeDriver) Command(code defs.DriverCmd, param interface{}) (defs.DriverReturn, error) {
	switch code {
	case defs.DF_NT_GETINFO:
		return defs.DF_RETURN_SUCCESS, nil
	case defs.DF_NT_SETRXCB:
		return defs.DF_RETURN_SUCCESS, nil
	case defs.DF_NT_SEND:
		f.mu.Lock()
		f.sent = append(f.sent, param.([]byte))
		f.mu.Unlock()
		return defs.DF_RETURN_SUCCESS, nil
	case defs.DF_NT_POLL:
		atomic.AddInt64(&f.polls, 1)
		return defs.DF_RETURN_SUCCESS, nil
	}
	return defs.DF_RETURN_NOTIMPL, defs.ENOSYS
}

func (f *fakeDriver) pollCount() int64 { return atomic.LoadInt64(&f.polls) }

func TestRunPollsEachDeviceAndStopsOnCancel(t *testing.T) {
	d := &fakeDriver{info: ethernet.Info{MAC: ethernet.MAC{1, 2, 3, 4, 5, 6}, MTU: 1500}}
	reg := devctx.NewRegistry()
	dev := &devctx.Device{Name: "eth0"}
	iface, err := netif.New(reg, dev, d, wire.ParseAddr([]byte{10, 0, 0, 1}), wire.ParseAddr([]byte{255, 255, 255, 0}), wire.Addr(0), netif.Options{})
	require.NoError(t, err)

	m := New(logr.Discard(), time.Millisecond, iface)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, m.Run(ctx))
	require.Greater(t, d.pollCount(), int64(0))
}

func TestRunTicksMaintenanceWithoutPanicking(t *testing.T) {
	d := &fakeDriver{info: ethernet.Info{MAC: ethernet.MAC{1, 2, 3, 4, 5, 6}, MTU: 1500}}
	reg := devctx.NewRegistry()
	dev := &devctx.Device{Name: "eth0"}
	iface, err := netif.New(reg, dev, d, wire.ParseAddr([]byte{10, 0, 0, 1}), wire.ParseAddr([]byte{255, 255, 255, 0}), wire.Addr(0), netif.Options{})
	require.NoError(t, err)

	s, err := iface.Socket.SocketCreate()
	require.NoError(t, err)
	remote := tcp.Endpoint{IP: wire.ParseAddr([]byte{10, 0, 0, 2}), Port: 80}
	require.NoError(t, s.Connect(remote))

	// TickEvery iterations at a 1ms poll interval comfortably elapse
	// within this deadline, driving at least one ARP/TCP/Socket
	// maintenance tick; socket_test.go's TestContextUpdateExpiresStale
	// ConnectingSocket already covers the expiry logic Update applies
	// in isolation, so this only exercises that the tick fires from the
	// run loop without panicking or deadlocking.
	m := New(logr.Discard(), time.Millisecond, iface)
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(TickEvery+50)*time.Millisecond)
	defer cancel()
	require.NoError(t, m.Run(ctx))
	require.Equal(t, socket.StateConnecting, s.State())
}
