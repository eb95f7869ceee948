// Package engine implements the forwarding engine (spec.md §4.4): the
// bidirectional multiplexer that pumps IP packets between a TUN device and
// a TCP peer once the handshake has completed, until a local signal, a
// peer EXIT, or a transport error ends the session.
//
// It uses structuring choice (b) from spec.md §4.4: two cooperative
// pump goroutines plus a signal-waiter goroutine, joined by a single
// close-once "done" channel, in the manner of the teacher's own
// channel-closing shutdown idiom (MultihopTun.shutdownChan,
// multihopBind.socketShutdown).
package engine

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"go.uber.org/atomic"

	"go.tuntcp.dev/tcptun/internal/tun"
	"go.tuntcp.dev/tcptun/internal/vlog"
	"go.tuntcp.dev/tcptun/internal/wire"
)

// Reason classifies why Run returned.
type Reason int

const (
	// ReasonLocalExit: the local signal source fired; we sent EXIT(0).
	ReasonLocalExit Reason = iota
	// ReasonRemoteExit: the peer sent EXIT(0), or the connection was lost
	// (treated as an implicit peer hang-up, per spec.md §7).
	ReasonRemoteExit
	// ReasonError: a protocol violation or unrecoverable I/O error.
	ReasonError
)

func (r Reason) String() string {
	switch r {
	case ReasonLocalExit:
		return "local-exit"
	case ReasonRemoteExit:
		return "remote-exit"
	case ReasonError:
		return "error"
	default:
		return "unknown"
	}
}

// Outcome is Run's result: why the session ended and, for ReasonError (and
// optionally ReasonRemoteExit when it was an implicit transport hang-up),
// the error that ended it.
type Outcome struct {
	Reason Reason
	Err    error
}

// Options configures a single Run call.
type Options struct {
	// Conn is the already-handshaken TCP connection.
	Conn net.Conn
	// Tun is the TUN device; Run dups it twice (once per direction) and
	// never closes the caller's handle.
	Tun tun.Device
	// Signal delivers local shutdown requests (e.g. from signal.Notify).
	// A nil channel is valid: it simply never fires.
	Signal <-chan os.Signal
	// BufSize bounds one in-flight IP packet in each direction; must match
	// the TUN device's configured MTU (I4).
	BufSize int
	// Log receives engine diagnostics. If nil, a discarding logger is used.
	Log *vlog.Logger
}

// Run pumps packets until termination and reports why it stopped. It
// returns only after every goroutine it started has exited — no pump
// goroutine outlives Run.
func Run(opts Options) Outcome {
	if opts.Log == nil {
		opts.Log = vlog.New(vlog.LevelSilent, "engine", nil)
	}
	if opts.BufSize <= 0 {
		opts.BufSize = wire.DefaultBufSize
	}

	readDev, err := opts.Tun.Dup()
	if err != nil {
		return Outcome{Reason: ReasonError, Err: fmt.Errorf("engine: dup tun for read: %w", err)}
	}
	writeDev, err := opts.Tun.Dup()
	if err != nil {
		readDev.Close()
		return Outcome{Reason: ReasonError, Err: fmt.Errorf("engine: dup tun for write: %w", err)}
	}

	bufWriter := bufio.NewWriterSize(opts.Conn, wire.MaxHeaderSize+opts.BufSize)

	var writeMu sync.Mutex
	done := make(chan struct{})
	var once sync.Once
	var result Outcome
	// terminated is the "termination flag (atomic)" of spec.md §5: a cheap,
	// lock-free signal any goroutine can poll without contending on
	// writeMu or select-ing on done from a hot loop.
	var terminated atomic.Bool
	finish := func(o Outcome) {
		once.Do(func() {
			result = o
			terminated.Store(true)
			close(done)
		})
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		runSignalWaiter(opts.Signal, bufWriter, &writeMu, finish, done, opts.Log)
	}()
	go func() {
		defer wg.Done()
		runTunToTCP(readDev, bufWriter, &writeMu, &terminated, opts.BufSize, finish, done, opts.Log)
	}()
	go func() {
		defer wg.Done()
		runTCPToTun(opts.Conn, writeDev, opts.BufSize, finish, done, opts.Log)
	}()

	<-done
	// Unblock any goroutine parked in a blocking read/write by closing the
	// connection and the per-direction tun dups. The caller's own Tun
	// handle is untouched (only the dup'd fds are closed); the connection
	// is the caller's own, and the session driver closes it a second time
	// in its cleanup step.
	opts.Conn.Close()
	readDev.Close()
	writeDev.Close()
	wg.Wait()

	return result
}

func runSignalWaiter(sigCh <-chan os.Signal, w io.Writer, mu *sync.Mutex, finish func(Outcome), done <-chan struct{}, log *vlog.Logger) {
	select {
	case <-done:
		return
	case _, ok := <-sigCh:
		if !ok {
			return
		}
		log.Infof("local interrupt received, sending EXIT(0)")
		mu.Lock()
		err := wire.EncodeExit(w, wire.ExitReasonNormal)
		// done is closed before mu is released, so the TUN->TCP pump's
		// re-check under mu sees it and cannot emit DATA after EXIT (P6).
		finish(Outcome{Reason: ReasonLocalExit, Err: err})
		mu.Unlock()
		if err != nil {
			log.Errorf("failed to send EXIT frame: %v", err)
		}
	}
}

// runTunToTCP is the "k-th TUN read produces the k-th DATA frame" pump
// (spec.md §4.4 ordering guarantee). counter is local to this goroutine,
// so no atomic is needed: it is the single writer of this per-direction
// sequence (I3).
func runTunToTCP(dev tun.Device, w io.Writer, mu *sync.Mutex, terminated *atomic.Bool, bufSize int, finish func(Outcome), done <-chan struct{}, log *vlog.Logger) {
	buf := make([]byte, bufSize)
	var counter uint64
	for {
		// Fast pre-check: once terminated is set, don't even attempt the
		// read-encode cycle. This is an optimization, not the correctness
		// boundary — the authoritative check is the re-check under mu below.
		if terminated.Load() {
			return
		}

		n, err := dev.Read(buf)
		if err != nil {
			if isShutdownReadErr(done) {
				return
			}
			finish(Outcome{Reason: ReasonError, Err: fmt.Errorf("engine: tun read: %w", err)})
			return
		}

		mu.Lock()
		// Re-check done under the same mutex the signal goroutine uses to
		// write EXIT: this guarantees that once EXIT has been flushed, no
		// later DATA frame can still slip onto the wire (P6).
		select {
		case <-done:
			mu.Unlock()
			return
		default:
		}
		counter++
		err = wire.EncodeData(w, counter, buf[:n])
		mu.Unlock()

		if err != nil {
			finish(Outcome{Reason: ReasonError, Err: fmt.Errorf("engine: tun->tcp encode: %w", err)})
			return
		}
	}
}

// runTCPToTun decodes frames from the peer and writes DATA payloads to the
// TUN device; an inbound write failure is logged and tolerated (spec.md
// §4.4 rule 2), never terminating the session.
func runTCPToTun(conn net.Conn, dev tun.Device, bufSize int, finish func(Outcome), done <-chan struct{}, log *vlog.Logger) {
	reader := bufio.NewReaderSize(conn, wire.MaxHeaderSize+bufSize)
	buf := make([]byte, bufSize)
	for {
		d, err := wire.DecodeFrame(reader, buf)
		if err != nil {
			if isShutdownReadErr(done) {
				return
			}
			var protoErr *wire.ProtocolError
			if errors.As(err, &protoErr) {
				finish(Outcome{Reason: ReasonError, Err: err})
			} else {
				// A transport-level I/O error (including plain EOF on a
				// closed socket) is treated as an implicit peer hang-up,
				// equivalent to RemoteExit without the courtesy frame
				// (spec.md §7).
				finish(Outcome{Reason: ReasonRemoteExit, Err: err})
			}
			return
		}

		switch d.Type {
		case wire.TypeData:
			if _, werr := dev.Write(buf[:d.N]); werr != nil {
				log.Errorf("failed to write inbound packet to tun: %v", werr)
			}
		case wire.TypeExit:
			log.Infof("peer sent EXIT(%d)", d.Reason)
			finish(Outcome{Reason: ReasonRemoteExit})
			return
		}
	}
}

// isShutdownReadErr reports whether done has already fired, meaning a read
// error was caused by our own teardown closing the fd out from under a
// blocked Read, not a genuine fault.
func isShutdownReadErr(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}
