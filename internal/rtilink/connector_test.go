package rtilink

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/crossfed/federate/internal/netio"
	"github.com/crossfed/federate/internal/types"
	"github.com/crossfed/federate/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listenOnFreePort(t *testing.T) (net.Listener, uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln, uint16(ln.Addr().(*net.TCPAddr).Port)
}

func acceptFedIDAndRespond(t *testing.T, ln net.Listener, respond func(conn net.Conn)) {
	t.Helper()
	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	tagBuf, err := netio.ReadExact(conn, 1)
	require.NoError(t, err)
	require.Equal(t, types.TagFedID, types.Tag(tagBuf[0]))

	prefix, err := netio.ReadExact(conn, wire.SizeU16+1)
	require.NoError(t, err)
	_, fidLen, err := wire.DecodeFedIDFrame(prefix)
	require.NoError(t, err)
	if fidLen > 0 {
		_, err := netio.ReadExact(conn, int(fidLen))
		require.NoError(t, err)
	}

	respond(conn)
}

func TestConnectHappyPathAck(t *testing.T) {
	ln, port := listenOnFreePort(t)
	defer ln.Close()

	go acceptFedIDAndRespond(t, ln, func(conn net.Conn) {
		require.NoError(t, netio.WriteAll(conn, []byte{byte(types.TagAck)}))
	})

	c := New(Config{StartingPort: port, PortRangeLimit: 0, ConnectNumRetries: 2, ConnectRetryInterval: time.Millisecond})
	identity, err := types.NewFederateIdentity(1, "fed-test")
	require.NoError(t, err)

	conn, err := c.Connect("127.0.0.1", port, identity)
	require.NoError(t, err)
	defer conn.Close()
}

func TestConnectWrongServerAdvancesToNextPort(t *testing.T) {
	wrongLn, wrongPort := listenOnFreePort(t)
	defer wrongLn.Close()

	var rightLn net.Listener
	var rightPort uint16
	for i := 0; i < 20; i++ {
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(wrongPort)+1)))
		if err == nil {
			rightLn = ln
			rightPort = wrongPort + 1
			break
		}
		wrongLn.Close()
		wrongLn, wrongPort = listenOnFreePort(t)
	}
	require.NotNil(t, rightLn, "could not reserve two adjacent ports for this test")
	defer rightLn.Close()

	go acceptFedIDAndRespond(t, wrongLn, func(conn net.Conn) {
		frame := append([]byte{byte(types.TagReject)}, wire.EncodeReject(types.RejectWrongServer)...)
		require.NoError(t, netio.WriteAll(conn, frame))
	})
	go acceptFedIDAndRespond(t, rightLn, func(conn net.Conn) {
		require.NoError(t, netio.WriteAll(conn, []byte{byte(types.TagAck)}))
	})

	c := New(Config{StartingPort: wrongPort, PortRangeLimit: 1, ConnectNumRetries: 2, ConnectRetryInterval: time.Millisecond})
	identity, err := types.NewFederateIdentity(2, "fed-test")
	require.NoError(t, err)

	conn, err := c.Connect("127.0.0.1", 0, identity)
	require.NoError(t, err)
	defer conn.Close()
	_ = rightPort
}

func TestConnectExhaustsRetriesOnPersistentRefusal(t *testing.T) {
	ln, port := listenOnFreePort(t)
	ln.Close() // nobody listens on this port now; dials should be refused

	identity, err := types.NewFederateIdentity(3, "fed-test")
	require.NoError(t, err)

	c := New(Config{
		StartingPort:         port,
		PortRangeLimit:       0,
		ConnectNumRetries:    2,
		ConnectRetryInterval: time.Millisecond,
		DialTimeout:          50 * time.Millisecond,
	})

	_, err = c.Connect("127.0.0.1", port, identity)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConnectExhausted)
}
