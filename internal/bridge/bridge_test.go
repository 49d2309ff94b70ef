package bridge

import (
	"net"
	"sync"
	"testing"

	"github.com/crossfed/federate/internal/netio"
	"github.com/crossfed/federate/internal/scheduler"
	"github.com/crossfed/federate/internal/types"
	"github.com/crossfed/federate/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type portTriggers map[types.PortID]scheduler.Trigger

func (p portTriggers) TriggerForPort(port types.PortID) scheduler.Trigger { return p[port] }

func TestHandleTimedMessageSchedulesEvent(t *testing.T) {
	var mu sync.Mutex
	cond := sync.NewCond(&mu)
	fake := scheduler.NewFake()
	fake.SetLogicalTime(1000)
	triggers := portTriggers{7: "trigger-for-port-7"}

	b := New(&mu, cond, fake, triggers, 3)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	header := wire.TimedMessageHeader{PortID: 7, DestFed: 3, Length: 4, Timestamp: 1100}
	go func() {
		frame := append(header.Encode(), []byte("DATA")...)
		_ = netio.WriteAll(client, frame)
	}()

	ready := make(chan struct{})
	woken := make(chan struct{})
	go func() {
		mu.Lock()
		defer mu.Unlock()
		close(ready)
		cond.Wait()
		close(woken)
	}()

	<-ready
	require.NoError(t, b.HandleTimedMessage(server))

	<-woken

	trigger, at, payload, ok := fake.PopHead()
	require.True(t, ok)
	assert.Equal(t, scheduler.Trigger("trigger-for-port-7"), trigger)
	assert.Equal(t, int64(1100), at)
	assert.Equal(t, []byte("DATA"), payload)
}

func TestHandleTimedMessageTardyClampsToNow(t *testing.T) {
	var mu sync.Mutex
	cond := sync.NewCond(&mu)
	fake := scheduler.NewFake()
	fake.SetLogicalTime(5000)
	triggers := portTriggers{2: "trigger-2"}
	b := New(&mu, cond, fake, triggers, 1)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	header := wire.TimedMessageHeader{PortID: 2, DestFed: 1, Length: 2, Timestamp: 1000} // earlier than now
	go func() {
		frame := append(header.Encode(), []byte("hi")...)
		_ = netio.WriteAll(client, frame)
	}()

	require.NoError(t, b.HandleTimedMessage(server))

	_, at, _, ok := fake.PopHead()
	require.True(t, ok)
	assert.Equal(t, int64(5000), at, "tardy message must be scheduled at current logical time, not in the past")
}

func TestHandleTimedMessageDestinationMismatchIsFatal(t *testing.T) {
	var mu sync.Mutex
	cond := sync.NewCond(&mu)
	fake := scheduler.NewFake()
	triggers := portTriggers{}
	b := New(&mu, cond, fake, triggers, 99)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	header := wire.TimedMessageHeader{PortID: 1, DestFed: 5, Length: 0, Timestamp: 0}
	go func() {
		_ = netio.WriteAll(client, header.Encode())
	}()

	err := b.HandleTimedMessage(server)
	assert.ErrorIs(t, err, types.ErrDestinationMismatch)
}
