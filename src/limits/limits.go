// Package limits tracks the handful of system-wide resource caps named in
// spec.md (ARP cache size, TCP segment memory, socket count). The
// Sysatomic_t budget-counter idiom is carried over from the teacher kernel
// unchanged -- it is a good fit regardless of domain.
package limits

import "sync/atomic"

// / Sysatomic_t is a numeric limit that can be atomically taken and given
// / back, used for any resource whose budget is claimed by concurrently
// / running protocol handlers (the NetworkManager task and RX callbacks).
type Sysatomic_t struct {
	n int64
}

// / Given increases the limit by the provided amount.
func (s *Sysatomic_t) Given(n uint) {
	atomic.AddInt64(&s.n, int64(n))
}

// / Taken tries to decrement the limit by n and reports whether it
// / succeeded; on failure the limit is left unchanged.
func (s *Sysatomic_t) Taken(n uint) bool {
	if atomic.AddInt64(&s.n, -int64(n)) >= 0 {
		return true
	}
	atomic.AddInt64(&s.n, int64(n))
	return false
}

// / Take decrements the limit by one and reports whether it succeeded.
func (s *Sysatomic_t) Take() bool { return s.Taken(1) }

// / Give increments the limit by one.
func (s *Sysatomic_t) Give() { s.Given(1) }

// / Remaining returns the current budget, for diagnostics only.
func (s *Sysatomic_t) Remaining() int64 { return atomic.LoadInt64(&s.n) }

// / Syslimit_t holds the system-wide resource caps spec.md names directly:
// / the ARP cache size, the UDP/DHCP per-device binding table sizes, the
// / TCP segment and socket budgets.
type Syslimit_t struct {
	// ARP cache entries (spec.md 4.6: fixed 32).
	Arpents int
	// IPv4 pending-packet ring slots per device (spec.md 4.7: 16).
	Pending int
	// UDP port-binding table slots per device (spec.md 4.8: 16).
	UDPBindings int
	// outstanding unacked TCP segments remembered for retransmit.
	Tcpsegs Sysatomic_t
	// live sockets, including TCP connections sitting in TIME_WAIT.
	Socks Sysatomic_t
}

// / Syslimit is the process-wide instance. The socket layer charges
// / Socks against it; no package consults the other budgets.
var Syslimit = MkSysLimit()

// / MkSysLimit returns the default resource budget.
func MkSysLimit() *Syslimit_t {
	l := &Syslimit_t{
		Arpents:     32,
		Pending:     16,
		UDPBindings: 16,
	}
	l.Tcpsegs.Given(4096)
	l.Socks.Given(65536)
	return l
}
