package main

import (
	"sync"

	"github.com/go-logr/logr"

	"defs"
	"ethernet"
)

// virtualNIC is the simulator's software-only network device: the
// Command(code, param) ABI spec.md 6 names, backed by nothing more than
// a logger and an optional loopback so the stack above it (ARP, IPv4,
// UDP, DHCP, TCP, sockets) can be exercised end to end without real
// hardware. A real port of this core would swap this for a PCI NIC
// driver; everything above the Driver interface is unaware of the
// difference.
type virtualNIC struct {
	mu  sync.Mutex
	log logr.Logger

	info ethernet.Info
	rx   ethernet.RxCallback

	// loopback, when true, feeds every transmitted frame straight back
	// in as a received one -- useful for demoing the stack against
	// itself without a peer on the wire.
	loopback bool
}

func newVirtualNIC(log logr.Logger, mac ethernet.MAC, mtu int, loopback bool) *virtualNIC {
	return &virtualNIC{
		log:      log.WithName("virtualnic"),
		info:     ethernet.Info{MAC: mac, MTU: mtu},
		loopback: loopback,
	}
}

func (n *virtualNIC) Info() ethernet.Info { return n.info }

func (n *virtualNIC) Command(code defs.DriverCmd, param interface{}) (defs.DriverReturn, error) {
	switch code {
	case defs.DF_NT_GETINFO:
		return defs.DF_RETURN_SUCCESS, nil
	case defs.DF_NT_RESET:
		n.mu.Lock()
		n.rx = nil
		n.mu.Unlock()
		return defs.DF_RETURN_SUCCESS, nil
	case defs.DF_NT_SETRXCB:
		cb, ok := param.(ethernet.RxCallback)
		if !ok {
			return defs.DF_RETURN_ERROR, defs.EBADPARAM
		}
		n.mu.Lock()
		n.rx = cb
		n.mu.Unlock()
		return defs.DF_RETURN_SUCCESS, nil
	case defs.DF_NT_SEND:
		frame, ok := param.([]byte)
		if !ok {
			return defs.DF_RETURN_ERROR, defs.EBADPARAM
		}
		n.log.V(1).Info("tx", "bytes", len(frame))
		if n.loopback {
			n.mu.Lock()
			cb := n.rx
			n.mu.Unlock()
			if cb != nil {
				cb(append([]byte(nil), frame...))
			}
		}
		return defs.DF_RETURN_SUCCESS, nil
	case defs.DF_NT_POLL:
		// Nothing to poll: frames only arrive via loopback's direct
		// callback above. A hardware driver would check its RX ring
		// here and invoke n.rx per completed descriptor.
		return defs.DF_RETURN_SUCCESS, nil
	}
	return defs.DF_RETURN_NOTIMPL, defs.ENOSYS
}
