package p2p

import (
	"net"
	"strconv"
	"testing"

	"github.com/crossfed/federate/internal/netio"
	"github.com/crossfed/federate/internal/types"
	"github.com/crossfed/federate/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialAndSendFedID(t *testing.T, addr string, remoteFed types.FedID, federation types.FederationID) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	identity, err := types.NewFederateIdentity(remoteFed, federation)
	require.NoError(t, err)
	payload, err := wire.EncodeFedIDFrame(identity)
	require.NoError(t, err)
	frame := append([]byte{byte(types.TagP2PSendingFedID)}, payload...)
	require.NoError(t, netio.WriteAll(conn, frame))
	return conn
}

func TestServerAcceptsMatchingPeer(t *testing.T) {
	ln, port, err := Bind(0, 0)
	require.NoError(t, err)
	defer ln.Close()

	s := New(Config{MyFedID: 1, Federation: "fedA"})

	done := make(chan struct{})
	var gotFed types.FedID
	go func() {
		require.NoError(t, s.Accept(ln, 1, func(remoteFed types.FedID, conn net.Conn) {
			gotFed = remoteFed
			close(done)
		}))
	}()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port)))
	conn := dialAndSendFedID(t, addr, 7, "fedA")
	defer conn.Close()

	respTag, err := netio.ReadExact(conn, 1)
	require.NoError(t, err)
	assert.Equal(t, types.TagAck, types.Tag(respTag[0]))

	<-done
	assert.Equal(t, types.FedID(7), gotFed)

	registered, ok := s.Inbound(7)
	require.True(t, ok)
	assert.NotNil(t, registered)
}

func TestServerRejectsFederationMismatch(t *testing.T) {
	ln, port, err := Bind(0, 0)
	require.NoError(t, err)
	defer ln.Close()

	s := New(Config{MyFedID: 1, Federation: "fedA"})

	go func() {
		_ = s.Accept(ln, 1, func(types.FedID, net.Conn) {})
	}()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port)))
	conn := dialAndSendFedID(t, addr, 9, "fedB")
	defer conn.Close()

	respTag, err := netio.ReadExact(conn, 1)
	require.NoError(t, err)
	require.Equal(t, types.TagReject, types.Tag(respTag[0]))

	causeBuf, err := netio.ReadExact(conn, 1)
	require.NoError(t, err)
	assert.Equal(t, types.RejectFederationIDDoesNotMatch, types.RejectCause(causeBuf[0]))

	_, ok := s.Inbound(9)
	assert.False(t, ok)
}
