// Package config parses the command-line surface into a validated Config,
// using the same StringVarP/BoolVarP flag-binding idiom the retrieved
// corpus uses for its stdlib flag.StringVar/BoolVar calls, generalized to
// spf13/pflag for GNU-style short/long flags.
package config

import (
	"fmt"
	"net/netip"

	"github.com/spf13/pflag"
)

// ValidationError reports a malformed or out-of-range flag value. It is
// always fatal; the caller prints it and exits with a nonzero status.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "config: " + e.Msg }

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Config is the fully parsed, validated configuration for one run of the
// tunnel, for either role.
type Config struct {
	// Server selects the role: true runs a listening server, false dials
	// out as a client.
	Server bool
	// Host is the address to listen on (server) or dial (client).
	Host netip.Addr
	// Port is the TCP port to listen on or dial.
	Port uint16
	// IfName is the requested TUN interface name.
	IfName string
	// IfAddr is this side's virtual interface IPv4 address, exchanged
	// during the handshake.
	IfAddr netip.Addr
	// NetmaskBits is this side's virtual interface netmask length.
	NetmaskBits uint8
	// Verbose raises the logger to LevelVerbose when set.
	Verbose bool
}

// Parse builds a Config from the given arguments (normally os.Args[1:]).
func Parse(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("tcptun", pflag.ContinueOnError)

	var (
		server      bool
		host        string
		port        uint16
		ifName      string
		ifAddr      string
		netmaskBits uint8
		verbose     bool
	)

	fs.BoolVarP(&server, "server", "s", false, "run as the listening server instead of a client")
	fs.StringVar(&host, "host", "", "address to listen on (server) or dial (client)")
	fs.Uint16VarP(&port, "port", "p", 7777, "TCP port to listen on or dial")
	fs.StringVar(&ifName, "ifname", "tun0", "TUN interface name to request")
	fs.StringVar(&ifAddr, "ifaddr", "", "this side's virtual interface IPv4 address (required)")
	fs.Uint8VarP(&netmaskBits, "netmask", "n", 24, "this side's virtual interface netmask length, in bits")
	fs.BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if host == "" {
		return nil, validationErrorf("--host is required")
	}
	hostAddr, err := netip.ParseAddr(host)
	if err != nil {
		return nil, validationErrorf("invalid --host %q: %v", host, err)
	}
	if !hostAddr.Is4() {
		return nil, validationErrorf("--host %q must be an IPv4 address", host)
	}

	if ifAddr == "" {
		return nil, validationErrorf("--ifaddr is required")
	}
	parsedIfAddr, err := netip.ParseAddr(ifAddr)
	if err != nil {
		return nil, validationErrorf("invalid --ifaddr %q: %v", ifAddr, err)
	}
	if !parsedIfAddr.Is4() {
		return nil, validationErrorf("--ifaddr %q must be an IPv4 address", ifAddr)
	}

	if netmaskBits < 1 || netmaskBits > 32 {
		return nil, validationErrorf("--netmask %d out of range [1,32]", netmaskBits)
	}
	if port == 0 {
		return nil, validationErrorf("--port must be nonzero")
	}

	return &Config{
		Server:      server,
		Host:        hostAddr,
		Port:        port,
		IfName:      ifName,
		IfAddr:      parsedIfAddr,
		NetmaskBits: netmaskBits,
		Verbose:     verbose,
	}, nil
}
