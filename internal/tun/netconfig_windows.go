//go:build windows

package tun

import (
	"fmt"
	"net/netip"
	"os/exec"
	"strconv"
)

// setInterfaceAddress and setInterfaceUp shell out to netsh, the same way
// the Linux/posix side of this package shells out to nothing (it uses
// ioctls directly) but the rest of the retrieved corpus configures NAT and
// forwarding via os/exec (e.g. iptables invocations) rather than linking a
// netlink-equivalent library. There is no Windows-native config library in
// the retrieved corpus, so this follows that same "shell out to the
// platform tool" convention instead of inventing a binding.
func setInterfaceAddress(luid uint64, prefix netip.Prefix) error {
	iface := strconv.FormatUint(luid, 10)
	cmd := exec.Command("netsh", "interface", "ip", "set", "address",
		fmt.Sprintf("name=%s", iface), "static", prefix.Addr().String(), netmaskString(prefix.Bits()))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("netsh set address: %w (%s)", err, out)
	}
	return nil
}

func setInterfaceUp(luid uint64) error {
	iface := strconv.FormatUint(luid, 10)
	cmd := exec.Command("netsh", "interface", "set", "interface", fmt.Sprintf("name=%s", iface), "admin=enable")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("netsh enable interface: %w (%s)", err, out)
	}
	return nil
}

func netmaskString(bits int) string {
	mask := netmaskBytesGeneric(uint8(bits))
	return fmt.Sprintf("%d.%d.%d.%d", mask[0], mask[1], mask[2], mask[3])
}

func netmaskBytesGeneric(bits uint8) [4]byte {
	mask := uint32(0xFFFFFFFF)
	if bits < 32 {
		mask = ^(uint32(1)<<(32-bits) - 1)
	}
	var out [4]byte
	out[0] = byte(mask >> 24)
	out[1] = byte(mask >> 16)
	out[2] = byte(mask >> 8)
	out[3] = byte(mask)
	return out
}
