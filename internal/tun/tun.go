// Package tun wraps the platform's virtual network interface behind a
// narrow Device interface, in the same spirit as upstream WireGuard's
// tun.Device: callers read/write whole IP packets and never see the
// OS-specific ioctl/netlink machinery used to create and configure it.
package tun

import (
	"errors"
	"fmt"
)

// ErrMTUTooLarge is returned by the Linux Open when the interface's MTU
// exceeds bufSize; one TUN read must yield exactly one IP packet (I4), so
// a larger MTU would silently truncate packets.
var ErrMTUTooLarge = errors.New("tun: interface MTU exceeds packet buffer size")

// ErrClosed is returned by Read/Write after Close, and by Read when the
// device reports end-of-file (a 0-byte read), which spec.md treats as a
// fatal "device closed unexpectedly" condition.
var ErrClosed = errors.New("tun: device closed")

// Device is the minimal surface the forwarding engine needs from a TUN
// interface: blocking whole-packet reads and writes, a name for logging,
// and a way to obtain an independent duplicate handle so the two
// directions of the forwarding engine can each own one (§9).
type Device interface {
	// Read blocks until exactly one IP packet is available and returns its
	// length. A return of (0, nil) never happens; Read returns ErrClosed
	// instead once the device is gone.
	Read(buf []byte) (int, error)
	// Write injects exactly one IP packet into the kernel.
	Write(buf []byte) (int, error)
	// Name reports the interface name (e.g. "tun0").
	Name() string
	// Dup returns an independent Device referring to the same kernel
	// object, so a read-pump and a write-pump can each hold their own
	// handle without sharing an *os.File across goroutines.
	Dup() (Device, error)
	// Up brings the interface administratively up. The session driver
	// calls this only after the handshake completes (spec.md §4.5 step 4).
	Up() error
	// Close releases the device.
	Close() error
}

// Config describes the virtual interface to create.
type Config struct {
	// Name is the requested interface name (e.g. "tun0"). The kernel may
	// assign a different name if this one is unavailable or empty.
	Name string
	// Addr/NetmaskBits are assigned to the interface before it is brought
	// up, in addition to (6) describing the local endpoint of the tunnel.
	Addr        [4]byte
	NetmaskBits uint8
	// BufSize is the packet scratch-buffer size the engine will use; Open
	// fails with ErrMTUTooLarge if the resulting interface's MTU exceeds
	// it (I4).
	BufSize int
}

func (c Config) validate() error {
	if c.NetmaskBits < 1 || c.NetmaskBits > 32 {
		return fmt.Errorf("tun: netmask bits %d out of range [1,32]", c.NetmaskBits)
	}
	if c.BufSize <= 0 {
		return fmt.Errorf("tun: buf size %d must be positive", c.BufSize)
	}
	return nil
}
