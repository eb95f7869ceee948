//go:build linux

package tun

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	cloneDevicePath = "/dev/net/tun"
	ifReqSize       = unix.IFNAMSIZ + 64
)

// nativeDevice is a TUN interface backed by a real /dev/net/tun file
// descriptor, configured the way upstream WireGuard's tun_linux.go
// configures NativeTun: TUNSETIFF over an ifreq, followed by ioctls on a
// throwaway AF_INET datagram socket to assign the address/netmask/MTU and
// (later, once the caller calls Up) IFF_UP.
type nativeDevice struct {
	file    *os.File
	name    string
	bufSize int
}

// Open creates (or attaches to) a TUN interface per cfg and assigns its
// address, netmask and MTU. The interface is left administratively down;
// call Up once the handshake has completed, per spec.md §4.5 step 4.
func Open(cfg Config) (Device, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	fd, err := unix.Open(cloneDevicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tun: opening %s: %w", cloneDevicePath, err)
	}

	var ifr [ifReqSize]byte
	if len(cfg.Name) >= unix.IFNAMSIZ {
		unix.Close(fd)
		return nil, fmt.Errorf("tun: interface name %q too long", cfg.Name)
	}
	copy(ifr[:], cfg.Name)
	// IFF_NO_PI: no 4-byte packet-info header, so one Read yields exactly
	// one IP packet with nothing to strip (I4).
	*(*uint16)(unsafe.Pointer(&ifr[unix.IFNAMSIZ])) = unix.IFF_TUN | unix.IFF_NO_PI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr[0]))); errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("tun: TUNSETIFF: %w", errno)
	}

	name := ifreqName(ifr[:])
	file := os.NewFile(uintptr(fd), cloneDevicePath)

	dev := &nativeDevice{file: file, name: name, bufSize: cfg.BufSize}
	if err := dev.configureAddr(cfg); err != nil {
		file.Close()
		return nil, err
	}
	if err := dev.configureMTU(cfg.BufSize); err != nil {
		file.Close()
		return nil, err
	}
	if mtu, err := dev.MTU(); err == nil && mtu > cfg.BufSize {
		file.Close()
		return nil, ErrMTUTooLarge
	}
	return dev, nil
}

func ifreqName(ifr []byte) string {
	n := 0
	for n < unix.IFNAMSIZ && ifr[n] != 0 {
		n++
	}
	return string(ifr[:n])
}

func (d *nativeDevice) withDgramSocket(fn func(fd int, ifr *[ifReqSize]byte) error) error {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("tun: opening control socket: %w", err)
	}
	defer unix.Close(sock)

	var ifr [ifReqSize]byte
	copy(ifr[:], d.name)
	return fn(sock, &ifr)
}

func (d *nativeDevice) configureAddr(cfg Config) error {
	return d.withDgramSocket(func(fd int, ifr *[ifReqSize]byte) error {
		setSockaddrIn(ifr[unix.IFNAMSIZ:], cfg.Addr)
		if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.SIOCSIFADDR), uintptr(unsafe.Pointer(ifr))); errno != 0 {
			return fmt.Errorf("tun: SIOCSIFADDR: %w", errno)
		}

		var ifr2 [ifReqSize]byte
		copy(ifr2[:], d.name)
		setSockaddrIn(ifr2[unix.IFNAMSIZ:], netmaskBytes(cfg.NetmaskBits))
		if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.SIOCSIFNETMASK), uintptr(unsafe.Pointer(&ifr2))); errno != 0 {
			return fmt.Errorf("tun: SIOCSIFNETMASK: %w", errno)
		}
		return nil
	})
}

func (d *nativeDevice) configureMTU(mtu int) error {
	return d.withDgramSocket(func(fd int, ifr *[ifReqSize]byte) error {
		binary.NativeEndian.PutUint32(ifr[unix.IFNAMSIZ:], uint32(mtu))
		if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.SIOCSIFMTU), uintptr(unsafe.Pointer(ifr))); errno != 0 {
			return fmt.Errorf("tun: SIOCSIFMTU: %w", errno)
		}
		return nil
	})
}

// MTU reads back the interface's current MTU.
func (d *nativeDevice) MTU() (int, error) {
	var mtu int
	err := d.withDgramSocket(func(fd int, ifr *[ifReqSize]byte) error {
		if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.SIOCGIFMTU), uintptr(unsafe.Pointer(ifr))); errno != 0 {
			return fmt.Errorf("tun: SIOCGIFMTU: %w", errno)
		}
		mtu = int(binary.NativeEndian.Uint32(ifr[unix.IFNAMSIZ:]))
		return nil
	})
	return mtu, err
}

// Up brings the interface administratively up (IFF_UP | IFF_RUNNING).
func (d *nativeDevice) Up() error {
	return d.withDgramSocket(func(fd int, ifr *[ifReqSize]byte) error {
		if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.SIOCGIFFLAGS), uintptr(unsafe.Pointer(ifr))); errno != 0 {
			return fmt.Errorf("tun: SIOCGIFFLAGS: %w", errno)
		}
		flags := binary.NativeEndian.Uint16(ifr[unix.IFNAMSIZ:])
		flags |= unix.IFF_UP | unix.IFF_RUNNING
		binary.NativeEndian.PutUint16(ifr[unix.IFNAMSIZ:], flags)
		if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.SIOCSIFFLAGS), uintptr(unsafe.Pointer(ifr))); errno != 0 {
			return fmt.Errorf("tun: SIOCSIFFLAGS: %w", errno)
		}
		return nil
	})
}

func setSockaddrIn(dst []byte, addr [4]byte) {
	// struct sockaddr_in: family(2) + port(2) + addr(4), network order.
	binary.LittleEndian.PutUint16(dst[0:2], unix.AF_INET)
	copy(dst[4:8], addr[:])
}

func netmaskBytes(bits uint8) [4]byte {
	mask := uint32(0xFFFFFFFF)
	if bits < 32 {
		mask = ^(uint32(1)<<(32-bits) - 1)
	}
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], mask)
	return out
}

func (d *nativeDevice) Read(buf []byte) (int, error) {
	n, err := d.file.Read(buf)
	if err != nil {
		// os.File reports a 0-byte read as io.EOF and any read after Close
		// as os.ErrClosed; both mean the device is gone.
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
			return 0, ErrClosed
		}
		return 0, fmt.Errorf("tun: read: %w", err)
	}
	if n == 0 {
		return 0, ErrClosed
	}
	return n, nil
}

func (d *nativeDevice) Write(buf []byte) (int, error) {
	n, err := d.file.Write(buf)
	if errors.Is(err, os.ErrClosed) {
		return n, ErrClosed
	}
	return n, err
}

func (d *nativeDevice) Name() string { return d.name }

// Dup returns an independent Device sharing the same underlying kernel TUN
// object via dup(2), so a read-pump and a write-pump can each own a handle
// without synchronizing access to a single *os.File (§9).
func (d *nativeDevice) Dup() (Device, error) {
	sc, err := d.file.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("tun: dup: %w", err)
	}
	var dupFd int
	var dupErr error
	err = sc.Control(func(fd uintptr) {
		dupFd, dupErr = unix.Dup(int(fd))
	})
	if err != nil {
		return nil, fmt.Errorf("tun: dup: %w", err)
	}
	if dupErr != nil {
		return nil, fmt.Errorf("tun: dup: %w", dupErr)
	}
	return &nativeDevice{
		file:    os.NewFile(uintptr(dupFd), d.file.Name()),
		name:    d.name,
		bufSize: d.bufSize,
	}, nil
}

func (d *nativeDevice) Close() error {
	return d.file.Close()
}
