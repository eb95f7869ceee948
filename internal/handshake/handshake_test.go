package handshake

import (
	"net"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipePair() (net.Conn, net.Conn) {
	return net.Pipe()
}

func TestHandshakeSuccess(t *testing.T) {
	clientConn, serverConn := pipePair()
	defer clientConn.Close()
	defer serverConn.Close()

	clientParams := Params{Addr: netip.MustParseAddr("10.0.0.2"), NetmaskBits: 24}
	serverParams := Params{Addr: netip.MustParseAddr("10.0.0.1"), NetmaskBits: 24}

	var wg sync.WaitGroup
	wg.Add(2)

	var gotServer Params
	var clientErr error
	var gotClient Params
	var serverErr error

	go func() {
		defer wg.Done()
		gotServer, clientErr = Client(clientConn, clientParams)
	}()
	go func() {
		defer wg.Done()
		gotClient, serverErr = Server(serverConn, serverParams)
	}()
	wg.Wait()

	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	assert.Equal(t, serverParams.Addr, gotServer.Addr)
	assert.Equal(t, serverParams.NetmaskBits, gotServer.NetmaskBits)
	assert.Equal(t, clientParams.Addr, gotClient.Addr)
	assert.Equal(t, clientParams.NetmaskBits, gotClient.NetmaskBits)
}

func TestHandshakeRejectsBadNetmask(t *testing.T) {
	clientConn, serverConn := pipePair()
	defer clientConn.Close()
	defer serverConn.Close()

	badClient := Params{Addr: netip.MustParseAddr("10.0.0.2"), NetmaskBits: 0}
	serverParams := Params{Addr: netip.MustParseAddr("10.0.0.1"), NetmaskBits: 24}

	var wg sync.WaitGroup
	wg.Add(2)

	var clientErr, serverErr error
	go func() {
		defer wg.Done()
		// Skip local validation to exercise the server's wire-level check:
		// hand-craft the wire bytes with the invalid value directly.
		msg := []byte{Version, 10, 0, 0, 2, 0, 0} // netmask byte = 0
		_, clientErr = clientConn.Write(msg)
		if clientErr == nil {
			_, clientErr = clientConn.Read(make([]byte, serverMsgLen))
		}
	}()
	go func() {
		defer wg.Done()
		_, serverErr = Server(serverConn, serverParams)
	}()
	wg.Wait()

	require.Error(t, serverErr)
	var hsErr *Error
	assert.ErrorAs(t, serverErr, &hsErr)
	_ = badClient
}

func TestHandshakeVersionMismatch(t *testing.T) {
	clientConn, serverConn := pipePair()
	defer clientConn.Close()
	defer serverConn.Close()

	serverParams := Params{Addr: netip.MustParseAddr("10.0.0.1"), NetmaskBits: 24}

	var wg sync.WaitGroup
	wg.Add(2)
	var serverErr, clientSideErr error
	go func() {
		defer wg.Done()
		msg := []byte{99, 10, 0, 0, 2, 24, 0}
		_, clientSideErr = clientConn.Write(msg)
		if clientSideErr == nil {
			_, clientSideErr = clientConn.Read(make([]byte, serverMsgLen))
		}
	}()
	go func() {
		defer wg.Done()
		_, serverErr = Server(serverConn, serverParams)
	}()
	wg.Wait()

	require.Error(t, serverErr)
	var hsErr *Error
	assert.ErrorAs(t, serverErr, &hsErr)
}

func TestHandshakeServerRejectsPropagatesToClient(t *testing.T) {
	clientConn, serverConn := pipePair()
	defer clientConn.Close()
	defer serverConn.Close()

	clientParams := Params{Addr: netip.MustParseAddr("10.0.0.2"), NetmaskBits: 24}

	var wg sync.WaitGroup
	wg.Add(2)
	var clientErr error
	go func() {
		defer wg.Done()
		_, clientErr = Client(clientConn, clientParams)
	}()
	go func() {
		defer wg.Done()
		// Act as a misbehaving server that rejects.
		buf := make([]byte, clientMsgLen)
		_, _ = serverConn.Read(buf)
		reply := []byte{Version, 10, 0, 0, 1, 24, statusReject}
		_, _ = serverConn.Write(reply)
	}()
	wg.Wait()

	require.Error(t, clientErr)
	var hsErr *Error
	assert.ErrorAs(t, clientErr, &hsErr)
}
