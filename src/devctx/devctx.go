// Package devctx implements the per-Device typed context registry of
// spec.md 3 "DeviceContext registry": a TypeID -> context mapping that
// lets ARP, IPv4, UDP, DHCP, and TCP each attach their own state to one
// Device without knowing about each other.
//
// Grounded on original_source/kernel/include/Device.h's
// GetDeviceContext/SetDeviceContext/RemoveDeviceContext triplet (backed
// there by a DEVICE's Contexts LIST under its Mutex). The lookup
// structure itself is a plain map guarded by a single sync.RWMutex.
package devctx

import (
	"sync"

	"defs"
)

// / Destroyable is implemented by a context value that owns resources
// / needing explicit teardown when RemoveDeviceContext (or the owning
// / Device's own destruction) drops it.
type Destroyable interface {
	Destroy()
}

type entry struct {
	value interface{}
}

// / Device is the minimal identity a context registry keys on: distinct
// / Device values (by pointer) own distinct context sets even if they
// / otherwise describe the same physical NIC.
type Device struct {
	Name string
}

// / Registry holds every Device's per-TypeID context map. One Registry
// / is shared process-wide, mirroring the single NetworkManager device
// / list spec.md 5 describes.
type Registry struct {
	mu   sync.RWMutex
	byDev map[*Device]map[defs.TypeID]entry
}

// / NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{byDev: make(map[*Device]map[defs.TypeID]entry)}
}

// / SetDeviceContext attaches value under id on dev, replacing (and
// / destroying, if Destroyable) any context id already held.
func (r *Registry) SetDeviceContext(dev *Device, id defs.TypeID, value interface{}) error {
	if dev == nil {
		return defs.EBADPARAM
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byDev[dev]
	if !ok {
		m = make(map[defs.TypeID]entry)
		r.byDev[dev] = m
	}
	if old, ok := m[id]; ok {
		if d, ok := old.value.(Destroyable); ok {
			d.Destroy()
		}
	}
	m[id] = entry{value: value}
	return nil
}

// / GetDeviceContext returns the context previously stored under id on
// / dev, or (nil, false) if none exists.
func (r *Registry) GetDeviceContext(dev *Device, id defs.TypeID) (interface{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byDev[dev]
	if !ok {
		return nil, false
	}
	e, ok := m[id]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// / RemoveDeviceContext detaches and destroys (if Destroyable) the
// / context stored under id on dev. It is a no-op if none exists.
func (r *Registry) RemoveDeviceContext(dev *Device, id defs.TypeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byDev[dev]
	if !ok {
		return
	}
	if e, ok := m[id]; ok {
		if d, ok := e.value.(Destroyable); ok {
			d.Destroy()
		}
		delete(m, id)
	}
	if len(m) == 0 {
		delete(r.byDev, dev)
	}
}

// / RemoveDevice drops every context attached to dev, destroying each in
// / turn -- called when a Device itself is unplugged/destroyed.
func (r *Registry) RemoveDevice(dev *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byDev[dev]
	if !ok {
		return
	}
	for _, e := range m {
		if d, ok := e.value.(Destroyable); ok {
			d.Destroy()
		}
	}
	delete(r.byDev, dev)
}
