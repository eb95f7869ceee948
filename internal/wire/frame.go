// Package wire implements the tunnel's on-the-wire framing: the small
// binary protocol carried over the TCP connection once the handshake has
// completed.
//
// Every multi-byte integer field is big-endian; both peers must agree,
// and this package picks big-endian once, for both.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameType identifies the kind of message on the wire.
type FrameType uint32

const (
	// TypeData carries one IP packet.
	TypeData FrameType = 1
	// TypeExit signals peer-initiated termination.
	TypeExit FrameType = 2
)

const (
	// DefaultBufSize is the default scratch buffer size for one IP packet
	// in flight. The TUN device's MTU must not exceed this.
	DefaultBufSize = 4096

	// MaxHeaderSize bounds the largest frame header written by this
	// package (type + length + counter for a DATA frame).
	MaxHeaderSize = 4 + 4 + 8

	// ExitReasonNormal is the only currently defined EXIT reason.
	ExitReasonNormal uint32 = 0
)

// ProtocolError reports a violation of the wire framing contract: an
// unknown frame type, a non-zero exit reason, or a DATA length exceeding
// the buffer. It is always fatal to the session that observes it.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Msg }

func protoErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// EncodeData writes a DATA frame: u32(1) . u32(len(payload)) . u64(counter)
// . payload, then flushes w if it implements an explicit Flush method via
// *bufio.Writer (the caller is expected to pass a buffered writer sized at
// least MaxHeaderSize+len(payload), per the back-pressure rule in §4.4).
func EncodeData(w io.Writer, counter uint64, payload []byte) error {
	var hdr [MaxHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(TypeData))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	binary.BigEndian.PutUint64(hdr[8:16], counter)

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: writing DATA header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: writing DATA payload: %w", err)
	}
	return flushIfBuffered(w)
}

// EncodeExit writes an EXIT frame: u32(2) . u32(reason).
func EncodeExit(w io.Writer, reason uint32) error {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(TypeExit))
	binary.BigEndian.PutUint32(hdr[4:8], reason)

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: writing EXIT frame: %w", err)
	}
	return flushIfBuffered(w)
}

// flusher is implemented by *bufio.Writer; EncodeData/EncodeExit flush
// through it when present so callers can hand in a buffered writer without
// this package needing to import bufio for the concrete type.
type flusher interface {
	Flush() error
}

func flushIfBuffered(w io.Writer) error {
	if f, ok := w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("wire: flush: %w", err)
		}
	}
	return nil
}

// Decoded is the result of a single DecodeFrame call.
type Decoded struct {
	Type FrameType
	// N is the payload length for a DATA frame (0 otherwise).
	N int
	// Counter is the sender's per-direction counter for a DATA frame.
	Counter uint64
	// Reason is the EXIT reason for an EXIT frame.
	Reason uint32
}

// DecodeFrame reads exactly one frame from r into buf and returns its
// metadata. It never returns a partially-assembled frame: a short read on
// a still-open stream is surfaced as an I/O error, never as a truncated
// Decoded value (I1).
//
// buf must have length >= the largest DATA payload the caller is willing
// to accept; a DATA frame whose length exceeds len(buf) is a *ProtocolError
// and no bytes are written to the TUN device as a result (P8).
func DecodeFrame(r io.Reader, buf []byte) (Decoded, error) {
	var typeBuf [4]byte
	if _, err := io.ReadFull(r, typeBuf[:]); err != nil {
		return Decoded{}, fmt.Errorf("wire: reading frame type: %w", err)
	}
	switch FrameType(binary.BigEndian.Uint32(typeBuf[:])) {
	case TypeData:
		return decodeDataBody(r, buf)
	case TypeExit:
		return decodeExitBody(r)
	default:
		t := binary.BigEndian.Uint32(typeBuf[:])
		return Decoded{}, protoErrorf("unknown frame type %d", t)
	}
}

func decodeDataBody(r io.Reader, buf []byte) (Decoded, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Decoded{}, fmt.Errorf("wire: reading DATA length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])

	var counterBuf [8]byte
	if _, err := io.ReadFull(r, counterBuf[:]); err != nil {
		return Decoded{}, fmt.Errorf("wire: reading DATA counter: %w", err)
	}
	counter := binary.BigEndian.Uint64(counterBuf[:])

	if int(n) > len(buf) {
		// The length prefix has already been consumed; the stream is left
		// positioned at the start of the oversize payload. There is no
		// well-defined recovery, so the caller must treat this as fatal
		// and close the connection (P8).
		return Decoded{}, protoErrorf("DATA length %d exceeds buffer size %d", n, len(buf))
	}

	if _, err := io.ReadFull(r, buf[:n]); err != nil {
		return Decoded{}, fmt.Errorf("wire: reading DATA payload: %w", err)
	}
	return Decoded{Type: TypeData, N: int(n), Counter: counter}, nil
}

func decodeExitBody(r io.Reader) (Decoded, error) {
	var reasonBuf [4]byte
	if _, err := io.ReadFull(r, reasonBuf[:]); err != nil {
		return Decoded{}, fmt.Errorf("wire: reading EXIT reason: %w", err)
	}
	reason := binary.BigEndian.Uint32(reasonBuf[:])
	if reason != ExitReasonNormal {
		return Decoded{}, protoErrorf("unknown EXIT reason %d", reason)
	}
	return Decoded{Type: TypeExit, Reason: reason}, nil
}
