//go:build linux

package postcopy

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl numbers for struct uffdio_api / uffdio_register / uffdio_range /
// uffdio_copy / uffdio_zeropage, computed the same way linux/userfaultfd.h's
// _IOWR/_IOR macros do (type 0xAA, nr and struct size per request) — the
// same derivation the grounding reference uses for UFFDIO_COPY/UFFDIO_ZEROPAGE.
const (
	ioctlUFFDIOAPI        = 0xc018aa3f
	ioctlUFFDIORegister   = 0xc020aa00
	ioctlUFFDIOUnregister = 0x8010aa01
	ioctlUFFDIOCopy       = 0xc028aa03
	ioctlUFFDIOZeropage   = 0xc020aa04
)

const (
	uffdioRegisterModeMissing = uint64(1) << 0
	uffdAPIFeatureFlags       = uint64(0)

	uffdMsgSize           = 32
	uffdEventPagefault    = 0x12
	uffdioCopyModeDontWake = 0
)

type uffdioAPI struct {
	api      uint64
	features uint64
	ioctls   uint64
}

type uffdioRange struct {
	start uint64
	length  uint64
}

type uffdioRegister struct {
	rng    uffdioRange
	mode   uint64
	ioctls uint64
}

type uffdioCopy struct {
	dst  uint64
	src  uint64
	len  uint64
	mode uint64
	copy int64
}

type uffdioZeropage struct {
	rng     uffdioRange
	mode    uint64
	zeropage int64
}

// uffdBackend implements Backend over userfaultfd(2) (spec §4.7). The
// syscall/ioctl shapes are grounded on the other example repo's uffd
// handler: the same UFFDIO_COPY/UFFDIO_ZEROPAGE struct layouts, the same
// poll-driven fault read loop and uffd_msg parsing.
type uffdBackend struct {
	fd int
}

// NewLinuxBackend constructs the real userfaultfd(2)-backed Backend.
func NewLinuxBackend() Backend {
	return &uffdBackend{fd: -1}
}

func (b *uffdBackend) CheckCapability(targetPageSize uint64) error {
	hostPageSize := uint64(unix.Getpagesize())
	if targetPageSize > hostPageSize {
		return fmt.Errorf("target page size %d exceeds host page size %d", targetPageSize, hostPageSize)
	}

	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, uintptr(unix.O_CLOEXEC|unix.O_NONBLOCK), 0, 0)
	if errno != 0 {
		return fmt.Errorf("userfaultfd probe: %w", errno)
	}

	defer unix.Close(int(fd))

	api := uffdioAPI{api: 0xAA, features: uffdAPIFeatureFlags}

	_, _, errno = unix.Syscall(unix.SYS_IOCTL, fd, uintptr(ioctlUFFDIOAPI), uintptr(unsafe.Pointer(&api)))
	if errno != 0 {
		return fmt.Errorf("UFFDIO_API: %w", errno)
	}

	return nil
}

func (b *uffdBackend) Open() error {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, uintptr(unix.O_CLOEXEC|unix.O_NONBLOCK), 0, 0)
	if errno != 0 {
		return fmt.Errorf("userfaultfd: %w", errno)
	}

	api := uffdioAPI{api: 0xAA, features: uffdAPIFeatureFlags}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(ioctlUFFDIOAPI), uintptr(unsafe.Pointer(&api))); errno != 0 {
		unix.Close(int(fd))

		return fmt.Errorf("UFFDIO_API: %w", errno)
	}

	b.fd = int(fd)

	return nil
}

func (b *uffdBackend) Register(addr, length uint64) error {
	reg := uffdioRegister{
		rng:  uffdioRange{start: addr, length: length},
		mode: uffdioRegisterModeMissing,
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.fd), uintptr(ioctlUFFDIORegister), uintptr(unsafe.Pointer(&reg)))
	if errno != 0 {
		return fmt.Errorf("UFFDIO_REGISTER: %w", errno)
	}

	return nil
}

func (b *uffdBackend) Unregister(addr, length uint64) error {
	rng := uffdioRange{start: addr, length: length}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.fd), uintptr(ioctlUFFDIOUnregister), uintptr(unsafe.Pointer(&rng)))
	if errno != 0 {
		return fmt.Errorf("UFFDIO_UNREGISTER: %w", errno)
	}

	return nil
}

func (b *uffdBackend) Close() error {
	if b.fd < 0 {
		return nil
	}

	err := unix.Close(b.fd)
	b.fd = -1

	return err
}

func (b *uffdBackend) ReadFaults(timeoutMs int) ([]uint64, error) {
	fds := []unix.PollFd{{Fd: int32(b.fd), Events: unix.POLLIN}}

	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}

		return nil, err
	}

	if n == 0 {
		return nil, nil
	}

	var buf [uffdMsgSize * 16]byte

	nr, err := unix.Read(b.fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return nil, nil
		}

		return nil, err
	}

	var addrs []uint64

	for i := 0; i*uffdMsgSize < nr; i++ {
		msg := buf[i*uffdMsgSize : (i+1)*uffdMsgSize]
		if msg[0] != uffdEventPagefault {
			continue
		}

		addr := *(*uint64)(unsafe.Pointer(&msg[16]))
		addrs = append(addrs, addr&^uint64(unix.Getpagesize()-1))
	}

	return addrs, nil
}

func (b *uffdBackend) Place(hostAddr uint64, src []byte, allZero bool) error {
	if allZero {
		zp := uffdioZeropage{rng: uffdioRange{start: hostAddr, length: uint64(len(src))}}

		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.fd), uintptr(ioctlUFFDIOZeropage), uintptr(unsafe.Pointer(&zp)))
		if errno != 0 {
			return fmt.Errorf("UFFDIO_ZEROPAGE: %w", errno)
		}

		return nil
	}

	cp := uffdioCopy{
		dst:  hostAddr,
		src:  uint64(uintptr(unsafe.Pointer(&src[0]))),
		len:  uint64(len(src)),
		mode: uffdioCopyModeDontWake,
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.fd), uintptr(ioctlUFFDIOCopy), uintptr(unsafe.Pointer(&cp)))
	if errno != 0 {
		return fmt.Errorf("UFFDIO_COPY: %w", errno)
	}

	return nil
}
