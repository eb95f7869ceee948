// Package session sequences one tunnel run end to end: establish the TCP
// connection (listen+accept for a server, dial for a client), then open
// the TUN device, run the handshake, bring the interface up, run the
// forwarding engine, and tear everything down. It is the single place
// that owns the TUN handle, the TCP socket, and the signal channel for
// their full lifetime, mirroring the teacher's pattern of a single struct
// fronting both a tun.Device-shaped role and a conn.Bind-shaped role.
package session

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"

	"go.tuntcp.dev/tcptun/internal/config"
	"go.tuntcp.dev/tcptun/internal/engine"
	"go.tuntcp.dev/tcptun/internal/handshake"
	"go.tuntcp.dev/tcptun/internal/tun"
	"go.tuntcp.dev/tcptun/internal/vlog"
)

// Driver runs a single tunnel session for one role.
type Driver struct {
	Config *config.Config
	Log    *vlog.Logger

	// openTun is overridable in tests so they need not require
	// CAP_NET_ADMIN or a real kernel TUN device.
	openTun func(cfg tun.Config) (tun.Device, error)
}

// New builds a Driver for the given configuration, wired to the real TUN
// backend (internal/tun.Open, platform-selected via build tags).
func New(cfg *config.Config, log *vlog.Logger) *Driver {
	if log == nil {
		log = vlog.NewStderr(vlog.LevelError, "tcptun")
	}
	return &Driver{Config: cfg, Log: log, openTun: tun.Open}
}

// Run dispatches to Client or Server based on Config.Server.
func (d *Driver) Run() engine.Outcome {
	if d.Config.Server {
		return d.Server()
	}
	return d.Client()
}

// Client dials the peer and runs the client side of the session.
func (d *Driver) Client() engine.Outcome {
	addr := net.JoinHostPort(d.Config.Host.String(), fmt.Sprint(d.Config.Port))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return engine.Outcome{Reason: engine.ReasonError, Err: fmt.Errorf("session: dialing %s: %w", addr, err)}
	}
	return d.runSession(conn, func(rw net.Conn, local handshake.Params) (handshake.Params, error) {
		return handshake.Client(rw, local)
	})
}

// Server listens on the configured address/port, accepts exactly one
// connection, and runs the server side of the session. Matching spec.md's
// single-peer scope, it never accepts a second connection: the listener is
// closed as soon as one peer is accepted.
func (d *Driver) Server() engine.Outcome {
	addr := net.JoinHostPort(d.Config.Host.String(), fmt.Sprint(d.Config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return engine.Outcome{Reason: engine.ReasonError, Err: fmt.Errorf("session: listening on %s: %w", addr, err)}
	}

	conn, err := ln.Accept()
	ln.Close()
	if err != nil {
		return engine.Outcome{Reason: engine.ReasonError, Err: fmt.Errorf("session: accepting connection: %w", err)}
	}
	return d.runSession(conn, func(rw net.Conn, local handshake.Params) (handshake.Params, error) {
		return handshake.Server(rw, local)
	})
}

// runSession performs the rest of the session lifecycle once a net.Conn
// exists: it opens the TUN device, runs the handshake, brings the
// interface up, runs the engine and tears down. The TUN device is not
// opened until the connection is established. doHandshake lets
// Client/Server plug in their own
// direction of the handshake while sharing every other step.
func (d *Driver) runSession(conn net.Conn, doHandshake func(net.Conn, handshake.Params) (handshake.Params, error)) (result engine.Outcome) {
	var combinedErr error
	defer func() {
		// engine.Run has already closed conn when it ran, so net.ErrClosed
		// here is expected and not a teardown failure.
		if err := conn.Close(); !errors.Is(err, net.ErrClosed) {
			combinedErr = multierr.Append(combinedErr, err)
		}
		result = wrapWithTeardown(result, &combinedErr)
	}()

	tunDev, err := d.openTun(tun.Config{
		Name:        d.Config.IfName,
		Addr:        d.Config.IfAddr.As4(),
		NetmaskBits: d.Config.NetmaskBits,
		BufSize:     wireBufSize,
	})
	if err != nil {
		return engine.Outcome{Reason: engine.ReasonError, Err: fmt.Errorf("session: opening tun device: %w", err)}
	}
	defer func() {
		combinedErr = multierr.Append(combinedErr, tunDev.Close())
	}()

	local := handshake.Params{Addr: d.Config.IfAddr, NetmaskBits: d.Config.NetmaskBits}
	peer, err := doHandshake(conn, local)
	if err != nil {
		return wrapWithTeardown(engine.Outcome{Reason: engine.ReasonError, Err: fmt.Errorf("session: handshake: %w", err)}, &combinedErr)
	}
	d.Log.Infof("handshake complete: local=%s/%d peer=%s/%d", local.Addr, local.NetmaskBits, peer.Addr, peer.NetmaskBits)

	if err := tunDev.Up(); err != nil {
		return wrapWithTeardown(engine.Outcome{Reason: engine.ReasonError, Err: fmt.Errorf("session: bringing tun up: %w", err)}, &combinedErr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	outcome := engine.Run(engine.Options{
		Conn:    conn,
		Tun:     tunDev,
		Signal:  sigCh,
		BufSize: wireBufSize,
		Log:     d.Log,
	})

	return wrapWithTeardown(outcome, &combinedErr)
}

// wireBufSize is the packet scratch buffer used across the TUN device and
// the engine for this session; it must agree everywhere, per I4.
const wireBufSize = 4096

// wrapWithTeardown folds any error accumulated by runSession's deferred
// resource teardown into the outcome, without masking the original reason
// the session ended.
func wrapWithTeardown(o engine.Outcome, combinedErr *error) engine.Outcome {
	if *combinedErr == nil {
		return o
	}
	if o.Err == nil {
		o.Err = *combinedErr
		return o
	}
	o.Err = multierr.Append(o.Err, *combinedErr)
	return o
}
