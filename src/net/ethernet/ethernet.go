// Package ethernet implements Ethernet II framing and the network
// driver ABI (spec.md 6 "Driver command ABI", 4.6-4.11's device layer):
// a single Command(code, param) entry point per NIC, plus the 14-byte
// header every higher protocol wraps its payload in.
//
// Grounded on original_source/kernel/include/ARP.h's EthernetHeader
// (packed Destination/Source/EtherType) and Network.h's DF_NT_* command
// codes, and on the teacher's device-ABI idiom (defs.DriverCmd /
// defs.DriverReturn, a single dispatch function per family).
package ethernet

import (
	"encoding/binary"
	"fmt"

	"defs"
)

// / EtherType values recognized by the core (spec.md 6).
const (
	ETHERTYPE_IPV4 = 0x0800
	ETHERTYPE_ARP  = 0x0806
)

const HeaderLen = 14

// / MAC is a 6-byte hardware address.
type MAC [6]byte

// / Broadcast is the all-ones Ethernet broadcast address.
var Broadcast = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// / Header is an Ethernet II frame header.
type Header struct {
	Destination MAC
	Source      MAC
	EtherType   uint16
}

// / PutHeader serializes h into the first HeaderLen bytes of buf.
func PutHeader(buf []byte, h Header) {
	copy(buf[0:6], h.Destination[:])
	copy(buf[6:12], h.Source[:])
	binary.BigEndian.PutUint16(buf[12:14], h.EtherType)
}

// / ParseHeader reads an Ethernet header from the front of frame.
func ParseHeader(frame []byte) (Header, bool) {
	if len(frame) < HeaderLen {
		return Header{}, false
	}
	var h Header
	copy(h.Destination[:], frame[0:6])
	copy(h.Source[:], frame[6:12])
	h.EtherType = binary.BigEndian.Uint16(frame[12:14])
	return h, true
}

// / Info is what DF_NT_GETINFO reports about a NIC.
type Info struct {
	MAC MAC
	MTU int
}

// / RxCallback is invoked by a driver when a frame arrives (the
// / registration target of DF_NT_SETRXCB).
type RxCallback func(frame []byte)

// / Driver is the network-family view of the Command(code, param) ABI:
// / a concrete NIC driver implements the single untyped Command dispatch,
// / and this package's GetInfo/Reset/SetRxCallback/Send/Poll functions
// / wrap the five DF_NT_* codes spec.md 6 names with typed parameters.
type Driver interface {
	Command(code defs.DriverCmd, param interface{}) (defs.DriverReturn, error)
}

// / GetInfo issues DF_NT_GETINFO against d.
func GetInfo(d Driver) (Info, error) {
	_, err := d.Command(defs.DF_NT_GETINFO, nil)
	if err != nil {
		return Info{}, err
	}
	info, ok := lastInfo(d)
	if !ok {
		return Info{}, defs.EGENERIC
	}
	return info, nil
}

// infoProvider lets a driver return its Info synchronously from
// DF_NT_GETINFO without forcing every implementation through a second
// out-parameter channel.
type infoProvider interface {
	Info() Info
}

func lastInfo(d Driver) (Info, bool) {
	p, ok := d.(infoProvider)
	if !ok {
		return Info{}, false
	}
	return p.Info(), true
}

// / SetRxCallback issues DF_NT_SETRXCB, registering cb to run on every
// / received frame.
func SetRxCallback(d Driver, cb RxCallback) error {
	_, err := d.Command(defs.DF_NT_SETRXCB, cb)
	return err
}

// / Send issues DF_NT_SEND with a fully framed Ethernet payload.
func Send(d Driver, frame []byte) error {
	_, err := d.Command(defs.DF_NT_SEND, frame)
	return err
}

// / Poll issues DF_NT_POLL, letting a non-interrupt-driven NIC check for
// / incoming work.
func Poll(d Driver) error {
	_, err := d.Command(defs.DF_NT_POLL, nil)
	return err
}

// / Reset issues DF_NT_RESET.
func Reset(d Driver) error {
	_, err := d.Command(defs.DF_NT_RESET, nil)
	return err
}
