package defs

// / Device command codes recognized by the Command(code, param) driver ABI
// / (spec.md 6, grounded on original_source Device.h / Driver.h). The core
// / never implements a driver itself -- it only issues these codes against
// / whatever satisfies the Driver interface in package ethernet/diskdev.
type DriverCmd int

const (
	DF_LOAD DriverCmd = iota
	DF_UNLOAD
	DF_GET_VERSION

	DF_DISK_READ
	DF_DISK_WRITE
	DF_DISK_GETINFO
	DF_DISK_SETACCESS

	DF_FS_MOUNT
	DF_FS_UNMOUNT

	DF_NT_GETINFO
	DF_NT_RESET
	DF_NT_SETRXCB
	DF_NT_SEND
	DF_NT_POLL

	DF_DEV_ENABLE_INTERRUPT
)

// / DriverReturn is the small enumeration of ABI-level return statuses; a
// / successful call returns DF_RETURN_SUCCESS, everything else is a
// / negative-style failure mirrored onto Err_t by the caller.
type DriverReturn int

const (
	DF_RETURN_SUCCESS DriverReturn = 0
	DF_RETURN_ERROR   DriverReturn = -1
	DF_RETURN_NOTIMPL DriverReturn = -2
)

// / TypeID identifies the owner of a per-device context entry (spec.md 4.5).
type TypeID uint32

const (
	KOID_ARP TypeID = iota + 1
	KOID_IPV4
	KOID_UDP
	KOID_DHCP
	KOID_TCP
	KOID_SOCKET
)

// / Device identifiers for the handful of logical devices the core core
// / names directly (console/disk are peripheral and excluded; kept for
// / Mkdev/Unmkdev callers that still need a raw-disk major/minor pair).
const (
	D_RAWDISK int = 5
	D_FIRST       = D_RAWDISK
	D_LAST        = D_RAWDISK
)

// / Mkdev encodes a major and minor device number into a single identifier.
func Mkdev(maj, min int) uint {
	if min > 0xff {
		panic("bad minor")
	}
	m := uint(maj)<<8 | uint(min)
	return m << 32
}

// / Unmkdev returns the major and minor components of a device number.
func Unmkdev(d uint) (int, int) {
	return int(d >> 40), int(uint8(d >> 32))
}
