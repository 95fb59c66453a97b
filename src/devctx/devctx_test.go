package devctx

import (
	"testing"

	"defs"

	"github.com/stretchr/testify/require"
)

type fakeContext struct {
	destroyed *bool
}

func (f *fakeContext) Destroy() { *f.destroyed = true }

func TestSetGetRoundTrip(t *testing.T) {
	r := NewRegistry()
	dev := &Device{Name: "eth0"}
	require.NoError(t, r.SetDeviceContext(dev, defs.KOID_ARP, 42))

	v, ok := r.GetDeviceContext(dev, defs.KOID_ARP)
	require.True(t, ok)
	require.Equal(t, 42, v)
}

func TestGetMissingReturnsFalse(t *testing.T) {
	r := NewRegistry()
	dev := &Device{Name: "eth0"}
	_, ok := r.GetDeviceContext(dev, defs.KOID_TCP)
	require.False(t, ok)
}

func TestDistinctDevicesHaveIndependentContexts(t *testing.T) {
	r := NewRegistry()
	a := &Device{Name: "eth0"}
	b := &Device{Name: "eth1"}
	require.NoError(t, r.SetDeviceContext(a, defs.KOID_IPV4, "a-ctx"))
	require.NoError(t, r.SetDeviceContext(b, defs.KOID_IPV4, "b-ctx"))

	va, _ := r.GetDeviceContext(a, defs.KOID_IPV4)
	vb, _ := r.GetDeviceContext(b, defs.KOID_IPV4)
	require.Equal(t, "a-ctx", va)
	require.Equal(t, "b-ctx", vb)
}

func TestSetReplacesAndDestroysPrevious(t *testing.T) {
	r := NewRegistry()
	dev := &Device{Name: "eth0"}
	destroyed := false
	require.NoError(t, r.SetDeviceContext(dev, defs.KOID_DHCP, &fakeContext{destroyed: &destroyed}))
	require.NoError(t, r.SetDeviceContext(dev, defs.KOID_DHCP, "replacement"))
	require.True(t, destroyed)

	v, ok := r.GetDeviceContext(dev, defs.KOID_DHCP)
	require.True(t, ok)
	require.Equal(t, "replacement", v)
}

func TestRemoveDeviceContextDestroys(t *testing.T) {
	r := NewRegistry()
	dev := &Device{Name: "eth0"}
	destroyed := false
	require.NoError(t, r.SetDeviceContext(dev, defs.KOID_UDP, &fakeContext{destroyed: &destroyed}))
	r.RemoveDeviceContext(dev, defs.KOID_UDP)
	require.True(t, destroyed)
	_, ok := r.GetDeviceContext(dev, defs.KOID_UDP)
	require.False(t, ok)
}

func TestRemoveDeviceDestroysAllContexts(t *testing.T) {
	r := NewRegistry()
	dev := &Device{Name: "eth0"}
	d1, d2 := false, false
	require.NoError(t, r.SetDeviceContext(dev, defs.KOID_ARP, &fakeContext{destroyed: &d1}))
	require.NoError(t, r.SetDeviceContext(dev, defs.KOID_TCP, &fakeContext{destroyed: &d2}))
	r.RemoveDevice(dev)
	require.True(t, d1)
	require.True(t, d2)
	_, ok := r.GetDeviceContext(dev, defs.KOID_ARP)
	require.False(t, ok)
}

func TestSetDeviceContextRejectsNilDevice(t *testing.T) {
	r := NewRegistry()
	err := r.SetDeviceContext(nil, defs.KOID_ARP, 1)
	require.Error(t, err)
}
