package main

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"defs"
	"ethernet"
)

func TestVirtualNICLoopbackDeliversSentFrames(t *testing.T) {
	nic := newVirtualNIC(logr.Discard(), ethernet.MAC{1, 2, 3, 4, 5, 6}, 1500, true)

	var got []byte
	_, err := nic.Command(defs.DF_NT_SETRXCB, ethernet.RxCallback(func(frame []byte) {
		got = frame
	}))
	require.NoError(t, err)

	frame := []byte{0xaa, 0xbb, 0xcc}
	_, err = nic.Command(defs.DF_NT_SEND, frame)
	require.NoError(t, err)
	require.Equal(t, frame, got)
}

func TestVirtualNICNoLoopbackDoesNotDeliver(t *testing.T) {
	nic := newVirtualNIC(logr.Discard(), ethernet.MAC{1, 2, 3, 4, 5, 6}, 1500, false)

	called := false
	_, err := nic.Command(defs.DF_NT_SETRXCB, ethernet.RxCallback(func(frame []byte) {
		called = true
	}))
	require.NoError(t, err)

	_, err = nic.Command(defs.DF_NT_SEND, []byte{0x01})
	require.NoError(t, err)
	require.False(t, called)
}

func TestVirtualNICRejectsUnknownCommand(t *testing.T) {
	nic := newVirtualNIC(logr.Discard(), ethernet.MAC{1, 2, 3, 4, 5, 6}, 1500, false)
	_, err := nic.Command(defs.DriverCmd(99), nil)
	require.Equal(t, defs.ENOSYS, err)
}
