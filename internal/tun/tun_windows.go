//go:build windows

package tun

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/windows"
	"golang.zx2c4.com/wintun"
)

// wintunDevice backs Device with a Wintun adapter, mirroring the split the
// teacher's upstream tun_windows.go makes between an *Adapter (identity,
// up/down, address assignment) and a *Session (the packet ring).
type wintunDevice struct {
	adapter *wintun.Adapter
	session wintun.Session
	name    string
	luid    uint64
}

const ringCapacity = 0x400000 // 4 MiB, Wintun's documented minimum-ish default

// Open creates a Wintun adapter and assigns its address/netmask. It does
// not set the adapter's MTU or compare it against cfg.BufSize, so it never
// returns ErrMTUTooLarge.
func Open(cfg Config) (Device, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	adapter, err := wintun.CreateAdapter(cfg.Name, "TcpTun", nil)
	if err != nil {
		return nil, fmt.Errorf("tun: creating wintun adapter: %w", err)
	}

	session, err := adapter.StartSession(ringCapacity)
	if err != nil {
		adapter.Close()
		return nil, fmt.Errorf("tun: starting wintun session: %w", err)
	}

	dev := &wintunDevice{
		adapter: adapter,
		session: session,
		name:    cfg.Name,
		luid:    adapter.LUID(),
	}
	if err := dev.configureAddr(cfg); err != nil {
		dev.Close()
		return nil, err
	}
	return dev, nil
}

func (d *wintunDevice) configureAddr(cfg Config) error {
	addr := netip.AddrFrom4(cfg.Addr)
	prefix := netip.PrefixFrom(addr, int(cfg.NetmaskBits))
	if err := setInterfaceAddress(d.luid, prefix); err != nil {
		return fmt.Errorf("tun: assigning interface address: %w", err)
	}
	return nil
}

func (d *wintunDevice) Read(buf []byte) (int, error) {
	for {
		packet, err := d.session.ReceivePacket()
		switch err {
		case nil:
			n := copy(buf, packet)
			d.session.ReleaseReceivePacket(packet)
			return n, nil
		case windows.ERROR_NO_MORE_ITEMS:
			evt := d.session.ReadWaitEvent()
			if _, werr := windows.WaitForSingleObject(evt, windows.INFINITE); werr != nil {
				return 0, fmt.Errorf("tun: waiting for packet: %w", werr)
			}
			continue
		default:
			return 0, fmt.Errorf("tun: receive packet: %w", err)
		}
	}
}

func (d *wintunDevice) Write(buf []byte) (int, error) {
	packet, err := d.session.AllocateSendPacket(len(buf))
	if err != nil {
		return 0, fmt.Errorf("tun: allocate send packet: %w", err)
	}
	copy(packet, buf)
	d.session.SendPacket(packet)
	return len(buf), nil
}

func (d *wintunDevice) Name() string { return d.name }

// Dup starts a second session against the same adapter; Wintun sessions
// are independently usable, so this serves the same "two independent
// handles" requirement as dup(2) does on Linux (§9).
func (d *wintunDevice) Dup() (Device, error) {
	session, err := d.adapter.StartSession(ringCapacity)
	if err != nil {
		return nil, fmt.Errorf("tun: starting duplicate wintun session: %w", err)
	}
	return &wintunDevice{adapter: d.adapter, session: session, name: d.name, luid: d.luid}, nil
}

func (d *wintunDevice) Up() error {
	return setInterfaceUp(d.luid)
}

func (d *wintunDevice) Close() error {
	d.session.End()
	return d.adapter.Close()
}
