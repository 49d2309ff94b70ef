package dispatch

import (
	"net"
	"sync"
	"testing"

	"github.com/crossfed/federate/internal/bridge"
	"github.com/crossfed/federate/internal/netio"
	"github.com/crossfed/federate/internal/scheduler"
	"github.com/crossfed/federate/internal/timecoord"
	"github.com/crossfed/federate/internal/types"
	"github.com/crossfed/federate/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopTriggers struct{}

func (noopTriggers) TriggerForPort(types.PortID) scheduler.Trigger { return nil }

func TestLoopPeerEOFIsClean(t *testing.T) {
	var mu sync.Mutex
	cond := sync.NewCond(&mu)
	fake := scheduler.NewFake()
	b := bridge.New(&mu, cond, fake, noopTriggers{}, 1)

	server, client := net.Pipe()
	defer server.Close()
	client.Close()

	closed := false
	err := Loop(server, RolePeer, 1, Handlers{Bridge: b}, nil, func() { closed = true })
	require.NoError(t, err)
	assert.True(t, closed)
}

func TestLoopRTIEOFIsFatal(t *testing.T) {
	var mu sync.Mutex
	cond := sync.NewCond(&mu)
	fake := scheduler.NewFake()
	b := bridge.New(&mu, cond, fake, noopTriggers{}, 1)
	coord := timecoord.New(&mu, fake, nil, timecoord.Config{MyFedID: 1})

	server, client := net.Pipe()
	defer server.Close()
	client.Close()

	err := Loop(server, RoleRTI, 1, Handlers{Bridge: b, Coord: coord}, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrRTIClosed)
}

func TestLoopDispatchesTimedMessage(t *testing.T) {
	var mu sync.Mutex
	cond := sync.NewCond(&mu)
	fake := scheduler.NewFake()
	fake.SetLogicalTime(10)
	b := bridge.New(&mu, cond, fake, noopTriggers{}, 2)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	header := wire.TimedMessageHeader{PortID: 1, DestFed: 2, Length: 2, Timestamp: 20}
	go func() {
		frame := append([]byte{byte(types.TagTimedMessage)}, header.Encode()...)
		frame = append(frame, []byte("hi")...)
		_ = netio.WriteAll(client, frame)
		client.Close()
	}()

	err := Loop(server, RolePeer, 2, Handlers{Bridge: b}, nil, nil)
	require.NoError(t, err)

	_, at, payload, ok := fake.PopHead()
	require.True(t, ok)
	assert.Equal(t, int64(20), at)
	assert.Equal(t, []byte("hi"), payload)
}

func TestLoopUnexpectedTagIsProtocolError(t *testing.T) {
	var mu sync.Mutex
	cond := sync.NewCond(&mu)
	fake := scheduler.NewFake()
	b := bridge.New(&mu, cond, fake, noopTriggers{}, 1)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		_ = netio.WriteAll(client, []byte{byte(types.TagFedID)})
	}()

	err := Loop(server, RolePeer, 1, Handlers{Bridge: b}, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrUnexpectedTag)
}

func TestLoopRejectsTimeAdvanceGrantOnPeerSocket(t *testing.T) {
	var mu sync.Mutex
	cond := sync.NewCond(&mu)
	fake := scheduler.NewFake()
	b := bridge.New(&mu, cond, fake, noopTriggers{}, 1)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		_ = netio.WriteAll(client, []byte{byte(types.TagTimeAdvanceGrant)})
	}()

	err := Loop(server, RolePeer, 1, Handlers{Bridge: b}, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrProtocol)
}
