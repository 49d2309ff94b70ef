// Package bridge translates inbound timed-message frames into scheduled
// local events (spec §4.H). It never touches granted_tag or tag_pending —
// that is the time-advance coordinator's job — but it does share the same
// mutex and condition variable, since scheduling an event can preempt an
// outstanding next_event_time wait.
package bridge

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/crossfed/federate/internal/metrics"
	"github.com/crossfed/federate/internal/netio"
	"github.com/crossfed/federate/internal/scheduler"
	"github.com/crossfed/federate/internal/types"
	"github.com/crossfed/federate/internal/wire"
)

// Bridge delivers TIMED_MESSAGE and P2P_TIMED_MESSAGE frames to the local
// scheduler.
type Bridge struct {
	mu       *sync.Mutex
	cond     *sync.Cond
	eq       scheduler.EventQueue
	triggers scheduler.TriggerResolver
	myFedID  types.FedID
	metrics  *metrics.Collector
}

// SetMetrics wires a metrics sink into the bridge. A nil Collector (the
// default) makes every metrics call a no-op.
func (b *Bridge) SetMetrics(m *metrics.Collector) { b.metrics = m }

// New constructs a Bridge. mu and cond must be the same mutex/condvar the
// time-advance coordinator uses, so a scheduled event reliably wakes a
// blocked next_event_time call.
func New(mu *sync.Mutex, cond *sync.Cond, eq scheduler.EventQueue, triggers scheduler.TriggerResolver, myFedID types.FedID) *Bridge {
	return &Bridge{mu: mu, cond: cond, eq: eq, triggers: triggers, myFedID: myFedID}
}

// HandleTimedMessage reads a 16-byte header and its payload from conn
// (already past the leading tag byte, which the dispatcher consumed to
// decide to call here) and schedules the corresponding local event.
//
// A destination-federate mismatch is a fatal protocol error (spec §4.H:
// "assert dest_fed == my_fed is fatal"), returned to the caller so it can
// close the offending socket and, if this was the RTI socket, terminate
// the federate.
func (b *Bridge) HandleTimedMessage(conn net.Conn) error {
	headerBuf, err := netio.ReadExact(conn, wire.TimedMessageHeaderSize)
	if err != nil {
		return err
	}
	header, err := wire.DecodeTimedMessageHeader(headerBuf)
	if err != nil {
		return err
	}
	if header.DestFed != b.myFedID {
		return &types.ProtocolError{
			MyFedID: b.myFedID,
			Cause:   fmt.Errorf("%w: message for federate %d delivered to federate %d", types.ErrDestinationMismatch, header.DestFed, b.myFedID),
		}
	}

	payload, err := netio.ReadExact(conn, int(header.Length))
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	delay := time.Duration(header.Timestamp - b.eq.CurrentLogicalTime())
	trigger := b.triggers.TriggerForPort(header.PortID)
	if _, err := b.eq.Schedule(trigger, delay, payload); err != nil {
		return err
	}
	b.metrics.ObserveReceived(types.TagP2PTimedMessage.String())
	b.cond.Broadcast()
	return nil
}
