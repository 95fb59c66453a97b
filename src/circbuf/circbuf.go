// Package circbuf implements the circular byte buffer backing TCP send/recv
// windows and socket buffers. Adapted from the kernel's Circbuf_t: the
// original lazily backs itself with a physical page from the buddy
// allocator and pins it via a Page_i; a hosted network stack has no MMU to
// satisfy, so the backing store here is a plain byte slice sized at
// construction. The wraparound Copyin/Copyout/Rawwrite algorithm
// is unchanged.
package circbuf

import "fdops"

// / Circbuf_t is a fixed-capacity ring buffer. Not safe for concurrent use;
// / callers serialize access the same way the kernel does -- under the
// / owning TCP connection's or socket's lock.
type Circbuf_t struct {
	buf   []uint8
	bufsz int
	head  int
	tail  int
}

// / MkCircbuf allocates a ring buffer with the given capacity in bytes.
func MkCircbuf(sz int) *Circbuf_t {
	if sz <= 0 {
		panic("bad circbuf size")
	}
	return &Circbuf_t{buf: make([]uint8, sz), bufsz: sz}
}

// / Bufsz returns the configured buffer size.
func (cb *Circbuf_t) Bufsz() int { return cb.bufsz }

// / Full returns true when the buffer cannot accept more data.
func (cb *Circbuf_t) Full() bool { return cb.head-cb.tail == cb.bufsz }

// / Empty reports whether the buffer contains any data.
func (cb *Circbuf_t) Empty() bool { return cb.head == cb.tail }

// / Left returns the remaining capacity in bytes.
func (cb *Circbuf_t) Left() int { return cb.bufsz - (cb.head - cb.tail) }

// / Used returns the current number of bytes in the buffer.
func (cb *Circbuf_t) Used() int { return cb.head - cb.tail }

// / Copyin reads from src into the circular buffer, growing the used
// / region. Returns the number of bytes accepted.
func (cb *Circbuf_t) Copyin(src fdops.Userio_i) (int, error) {
	if cb.Full() {
		return 0, nil
	}
	hi := cb.head % cb.bufsz
	ti := cb.tail % cb.bufsz
	c := 0
	if ti <= hi {
		dst := cb.buf[hi:]
		wrote, err := src.Uioread(dst)
		if err != 0 {
			return 0, err
		}
		if wrote != len(dst) {
			cb.head += wrote
			return wrote, nil
		}
		c += wrote
		hi = (cb.head + wrote) % cb.bufsz
	}
	dst := cb.buf[hi:ti]
	wrote, err := src.Uioread(dst)
	c += wrote
	if err != 0 {
		return c, err
	}
	cb.head += c
	return c, nil
}

// / Copyout writes the entire buffer contents to dst.
func (cb *Circbuf_t) Copyout(dst fdops.Userio_i) (int, error) {
	return cb.CopyoutN(dst, 0)
}

// / CopyoutN writes up to max bytes of the buffer to dst (0 means no cap).
func (cb *Circbuf_t) CopyoutN(dst fdops.Userio_i, max int) (int, error) {
	if cb.Empty() {
		return 0, nil
	}
	hi := cb.head % cb.bufsz
	ti := cb.tail % cb.bufsz
	c := 0
	if hi <= ti {
		src := cb.buf[ti:]
		if max != 0 && max < len(src) {
			src = src[:max]
		}
		wrote, err := dst.Uiowrite(src)
		if err != 0 {
			return 0, err
		}
		if wrote != len(src) || wrote == max {
			cb.tail += wrote
			return wrote, nil
		}
		c += wrote
		if max != 0 {
			max -= c
		}
		ti = (cb.tail + wrote) % cb.bufsz
	}
	src := cb.buf[ti:hi]
	if max != 0 && max < len(src) {
		src = src[:max]
	}
	wrote, err := dst.Uiowrite(src)
	if err != 0 {
		return 0, err
	}
	c += wrote
	cb.tail += c
	return c, nil
}

// / Rawwrite exposes up to two slices covering sz bytes starting at
// / head + offset, for writing directly into the buffer; the second slice
// / is non-nil only when the region wraps past the end of the buffer.
func (cb *Circbuf_t) Rawwrite(offset, sz int) ([]uint8, []uint8) {
	if cb.Left() < sz {
		panic("bad size")
	}
	if sz == 0 {
		return nil, nil
	}
	oi := (cb.head + offset) % cb.bufsz
	oe := (cb.head + offset + sz) % cb.bufsz
	var r1, r2 []uint8
	if oi <= oe || sz == 0 {
		r1 = cb.buf[oi:]
		if len(r1) > sz {
			r1 = r1[:sz]
		} else {
			r2 = cb.buf[:oe]
		}
	} else {
		r1 = cb.buf[oi:]
		r2 = cb.buf[:oe]
	}
	return r1, r2
}

// / Advhead advances the head index after Rawwrite has filled sz bytes.
func (cb *Circbuf_t) Advhead(sz int) {
	if cb.Left() < sz {
		panic("advancing full cb")
	}
	cb.head += sz
}

// / Advtail advances the tail index after data has been consumed.
func (cb *Circbuf_t) Advtail(sz int) {
	if sz != 0 && cb.Used() < sz {
		panic("advancing empty cb")
	}
	cb.tail += sz
}
