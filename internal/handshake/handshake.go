// Package handshake implements the short exchange that bootstraps a
// session: each peer tells the other its virtual interface's IPv4 address
// and netmask, and the server has the final say on whether the session may
// proceed.
package handshake

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
)

// Version is the only handshake schema version this package speaks.
const Version uint8 = 1

// Error reports a handshake failure: version mismatch, an out-of-range
// netmask, a malformed message, or a non-zero server status. It is always
// fatal; the caller closes the connection.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return "handshake: " + e.Msg }

func errorf(format string, args ...any) *Error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}

// Params is what each side learns about its peer's virtual interface once
// the handshake succeeds.
type Params struct {
	Addr        netip.Addr
	NetmaskBits uint8
}

func (p Params) validate() error {
	if !p.Addr.Is4() {
		return errorf("peer address %s is not IPv4", p.Addr)
	}
	if p.NetmaskBits < 1 || p.NetmaskBits > 32 {
		return errorf("peer netmask bits %d out of range [1,32]", p.NetmaskBits)
	}
	return nil
}

// clientMsg: u8(version) . u32(ifaddr) . u8(netmask) . u8(reserved=0)
const clientMsgLen = 1 + 4 + 1 + 1

// serverMsg: u8(version) . u32(ifaddr) . u8(netmask) . u8(status)
const serverMsgLen = 1 + 4 + 1 + 1

// statusAccept/statusReject are the only two server status values this
// package produces; any other nonzero value read back is still treated as
// a rejection, per spec.md §4.3 ("nonzero rejects").
const (
	statusAccept byte = 0
	statusReject byte = 1
)

// Client performs the client side of the handshake: send our ifaddr and
// netmask, then read back the server's. Returns the server's Params on
// success.
func Client(rw io.ReadWriter, local Params) (Params, error) {
	if err := local.validate(); err != nil {
		return Params{}, err
	}

	msg := make([]byte, clientMsgLen)
	msg[0] = Version
	binary.BigEndian.PutUint32(msg[1:5], addrToUint32(local.Addr))
	msg[5] = local.NetmaskBits
	msg[6] = 0

	if _, err := rw.Write(msg); err != nil {
		return Params{}, fmt.Errorf("handshake: sending client hello: %w", err)
	}

	reply := make([]byte, serverMsgLen)
	if _, err := io.ReadFull(rw, reply); err != nil {
		return Params{}, fmt.Errorf("handshake: reading server hello: %w", err)
	}

	if reply[0] != Version {
		return Params{}, errorf("server version %d != %d", reply[0], Version)
	}
	status := reply[6]
	if status != statusAccept {
		return Params{}, errorf("server rejected handshake, status=%d", status)
	}

	server := Params{
		Addr:        uint32ToAddr(binary.BigEndian.Uint32(reply[1:5])),
		NetmaskBits: reply[5],
	}
	if err := server.validate(); err != nil {
		return Params{}, err
	}
	return server, nil
}

// Server performs the server side of the handshake: read the client's
// ifaddr/netmask, decide whether to accept, and reply with the server's own
// ifaddr/netmask. It rejects only a version mismatch or an invalid client
// address/netmask; there is no authentication in this protocol, per
// spec.md Non-goals.
func Server(rw io.ReadWriter, local Params) (Params, error) {
	if err := local.validate(); err != nil {
		return Params{}, err
	}

	msg := make([]byte, clientMsgLen)
	if _, err := io.ReadFull(rw, msg); err != nil {
		return Params{}, fmt.Errorf("handshake: reading client hello: %w", err)
	}

	client := Params{
		Addr:        uint32ToAddr(binary.BigEndian.Uint32(msg[1:5])),
		NetmaskBits: msg[5],
	}

	var reply [serverMsgLen]byte
	reply[0] = Version

	versionOK := msg[0] == Version
	clientErr := client.validate()

	if !versionOK {
		reply[6] = statusReject
	} else if clientErr != nil {
		reply[6] = statusReject
	} else {
		binary.BigEndian.PutUint32(reply[1:5], addrToUint32(local.Addr))
		reply[5] = local.NetmaskBits
		reply[6] = statusAccept
	}

	if _, err := rw.Write(reply[:]); err != nil {
		return Params{}, fmt.Errorf("handshake: sending server hello: %w", err)
	}

	if !versionOK {
		return Params{}, errorf("client version %d != %d", msg[0], Version)
	}
	if clientErr != nil {
		return Params{}, clientErr
	}
	return client, nil
}

func addrToUint32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

func uint32ToAddr(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}
