// Package fdops defines the narrow read/write interface circbuf and the
// socket layer copy through, so a circular buffer never needs to know
// whether its other end is a plain byte slice, a user-space copy, or a
// socket call -- mirrors the kernel's Userio_i split between kernel and
// user address spaces, minus the user/kernel distinction this hosted
// model has no use for.
package fdops

import "defs"

// / Userio_i abstracts the source or sink on the far side of a copy.
type Userio_i interface {
	Uioread(dst []uint8) (int, defs.Err_t)
	Uiowrite(src []uint8) (int, defs.Err_t)
}

// / Bytesio_t adapts a plain byte slice to Userio_i, the common case for
// / tests and for Socket.Send/Receive's caller-supplied buffers.
type Bytesio_t struct {
	Buf []uint8
	off int
}

// / MkBytesio wraps buf for reading or writing starting at its head.
func MkBytesio(buf []uint8) *Bytesio_t {
	return &Bytesio_t{Buf: buf}
}

// / Uioread copies from the wrapped slice into dst.
func (b *Bytesio_t) Uioread(dst []uint8) (int, defs.Err_t) {
	n := copy(dst, b.Buf[b.off:])
	b.off += n
	return n, 0
}

// / Uiowrite copies from src into the wrapped slice.
func (b *Bytesio_t) Uiowrite(src []uint8) (int, defs.Err_t) {
	n := copy(b.Buf[b.off:], src)
	b.off += n
	return n, 0
}
