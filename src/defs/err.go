// Package defs holds the error taxonomy, device ids, and driver command ABI
// shared by every subsystem so that no two packages invent their own enum
// for the same concept.
package defs

import "fmt"

// / Err_t is a small negative-int error code, the internal currency between
// / subsystems. The public Go API wraps it in an error via Err_t.Error() /
// / ToError so callers outside the kernel core see ordinary Go errors.
type Err_t int

// / Error kinds from spec.md 7. Zero means success everywhere.
const (
	EBADPARAM Err_t = -(iota + 1)
	ENOMEM
	ENOPERM
	EIO
	ENOSPC
	EGENERIC
	ENOSYS
	EWOULDBLOCK
	ENOTCONN
	ETIMEDOUT
)

var names = map[Err_t]string{
	EBADPARAM:   "bad parameter",
	ENOMEM:      "no memory",
	ENOPERM:     "no permission",
	EIO:         "input/output error",
	ENOSPC:      "no space on filesystem",
	EGENERIC:    "generic failure",
	ENOSYS:      "not implemented",
	EWOULDBLOCK: "would block",
	ENOTCONN:    "not connected",
	ETIMEDOUT:   "timed out",
}

// / String renders the error kind for logging.
func (e Err_t) String() string {
	if e == 0 {
		return "ok"
	}
	if s, ok := names[e]; ok {
		return s
	}
	return fmt.Sprintf("err(%d)", int(e))
}

// / Error implements the standard error interface so Err_t can cross the
// / public API boundary directly.
func (e Err_t) Error() string {
	return e.String()
}

// / ToError converts a zero/non-zero Err_t into a nil/non-nil error, the
// / same translation every public entry point performs at its boundary.
func (e Err_t) ToError() error {
	if e == 0 {
		return nil
	}
	return e
}

// / FromError recovers the Err_t wrapped by ToError, or EGENERIC if err was
// / not produced by this package.
func FromError(err error) Err_t {
	if err == nil {
		return 0
	}
	if e, ok := err.(Err_t); ok {
		return e
	}
	return EGENERIC
}
