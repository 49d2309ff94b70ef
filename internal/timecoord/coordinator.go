// Package timecoord implements the federate-side time-advance protocol
// (spec §4.G): next-event-time requests, time-advance grants, and
// logical-time-complete notifications, all serialized through a single
// mutex and condition variable shared with the local scheduler.
package timecoord

import (
	"log"
	"net"
	"sync"

	"github.com/crossfed/federate/internal/metrics"
	"github.com/crossfed/federate/internal/netio"
	"github.com/crossfed/federate/internal/scheduler"
	"github.com/crossfed/federate/internal/types"
	"github.com/crossfed/federate/internal/wire"
)

// Never is the sentinel granted-tag value that compares less than every
// valid logical time (spec §3, TimeState.granted_tag initial value).
const Never int64 = -1 << 62

// Coordinator owns the granted_tag/tag_pending state machine described in
// spec §4.G. It never dials or accepts sockets itself; it is handed the RTI
// connection to read grants/stops from and to write NET/LTC/STOP frames on.
type Coordinator struct {
	mu   *sync.Mutex
	cond *sync.Cond
	eq   scheduler.EventQueue

	rti     net.Conn
	myFedID types.FedID
	logger  *log.Logger

	hasUpstream   bool
	hasDownstream bool

	grantedTag    int64
	tagPending    bool
	stopRequested bool
	stopTime      int64

	metrics *metrics.Collector
}

// SetMetrics wires a metrics sink into the coordinator. A nil Collector
// (the default) makes every metrics call a no-op.
func (c *Coordinator) SetMetrics(m *metrics.Collector) { c.metrics = m }

// Config bundles the fixed topology facts a Coordinator needs at
// construction (spec §3: fed_has_upstream/downstream are "set once at
// init, read-only afterward").
type Config struct {
	MyFedID       types.FedID
	HasUpstream   bool
	HasDownstream bool
	Logger        *log.Logger
}

// New constructs a Coordinator. mu is the single mutex shared with the
// external scheduler; eq is that scheduler's event queue view; rti is the
// already-connected RTI socket.
func New(mu *sync.Mutex, eq scheduler.EventQueue, rti net.Conn, cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[TimeCoord] ", log.LstdFlags)
	}
	return &Coordinator{
		mu:            mu,
		cond:          sync.NewCond(mu),
		eq:            eq,
		rti:           rti,
		myFedID:       cfg.MyFedID,
		logger:        logger,
		hasUpstream:   cfg.HasUpstream,
		hasDownstream: cfg.HasDownstream,
		grantedTag:    Never,
		stopTime:      Never,
	}
}

// Cond returns the condition variable shared with the scheduler and the
// message bridge; callers other than this package broadcast on it whenever
// they mutate scheduler-visible state (spec §4.H, §5).
func (c *Coordinator) Cond() *sync.Cond { return c.cond }

// GrantedTag returns the last TAG received. Caller must hold the shared
// mutex.
func (c *Coordinator) GrantedTag() int64 { return c.grantedTag }

// TagPending reports whether a NET has been sent with no TAG received
// since (spec I4). Caller must hold the shared mutex.
func (c *Coordinator) TagPending() bool { return c.tagPending }

// StopRequested reports whether a STOP has arrived from the RTI. Caller
// must hold the shared mutex.
func (c *Coordinator) StopRequested() bool { return c.stopRequested }

// NextEventTime implements spec §4.G's next_event_time contract. The
// caller must already hold the shared mutex; it is released internally
// while blocked in cond.Wait and reacquired before returning.
func (c *Coordinator) NextEventTime(t int64) (int64, error) {
	if !c.hasUpstream && !c.hasDownstream {
		// Isolated federate: nothing constrains our advance (I5).
		return t, nil
	}
	if c.grantedTag >= t {
		return t, nil
	}
	if err := c.sendFrame(types.TagNextEventTime, wire.EncodeI64Payload(t)); err != nil {
		return 0, err
	}
	if !c.hasUpstream {
		// No upstream can ever send us an earlier event; the RTI's grant
		// is purely informational to it, not a constraint on us.
		return t, nil
	}

	c.tagPending = true
	for {
		if !c.tagPending {
			return c.grantedTag, nil
		}
		if headTime, ok := c.eq.EventQueueHeadTime(); ok && headTime < t {
			// A local event preempts this NET. tag_pending stays true: the
			// eventual TAG still answers the outstanding NET, and no
			// second NET is sent for it (spec §9 open question 2,
			// preserved as specified).
			return headTime, nil
		}
		c.cond.Wait()
	}
}

// LogicalTimeComplete implements spec §4.G's logical_time_complete: a
// no-op unless this federate has a downstream to notify (P3).
func (c *Coordinator) LogicalTimeComplete(t int64) error {
	if !c.hasDownstream {
		return nil
	}
	return c.sendFrame(types.TagLogicalTimeComplete, wire.EncodeI64Payload(t))
}

// BroadcastStop implements spec §4.G's broadcast_stop. currentLogicalTime
// is sent as-is even if it is behind other federates' clocks; the RTI is
// responsible for reconciliation (spec §9 open question 4).
func (c *Coordinator) BroadcastStop(currentLogicalTime int64) error {
	return c.sendFrame(types.TagStop, wire.EncodeI64Payload(currentLogicalTime))
}

// OnTimeAdvanceGrant handles an inbound TIME_ADVANCE_GRANT: reads its i64
// payload from the RTI socket, updates granted_tag, clears tag_pending, and
// wakes every waiter. Called by the RTI listener, which does not hold the
// shared mutex when invoking this.
func (c *Coordinator) OnTimeAdvanceGrant(conn net.Conn) error {
	buf, err := netio.ReadExact(conn, wire.SizeI64)
	if err != nil {
		return err
	}
	t, err := wire.DecodeI64Payload(buf)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if t < c.grantedTag {
		c.logger.Printf("federate %d: received TAG %d older than current granted_tag %d, ignoring monotonicity violation from RTI", c.myFedID, t, c.grantedTag)
	}
	c.grantedTag = t
	c.tagPending = false
	c.metrics.ObserveReceived(types.TagTimeAdvanceGrant.String())
	c.metrics.SetGrantedTag(t)
	c.cond.Broadcast()
	c.mu.Unlock()
	return nil
}

// OnStop handles an inbound STOP: reads its i64 payload (the stop time,
// currently ignored — spec §9 open question 1) and marks stop_requested.
func (c *Coordinator) OnStop(conn net.Conn) error {
	buf, err := netio.ReadExact(conn, wire.SizeI64)
	if err != nil {
		return err
	}
	t, err := wire.DecodeI64Payload(buf)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.stopTime = t
	c.stopRequested = true
	c.metrics.ObserveReceived(types.TagStop.String())
	c.cond.Broadcast()
	c.mu.Unlock()
	return nil
}

// sendFrame writes tag+payload to the RTI socket. The caller already holds
// the shared mutex for every call site in this file, which is what
// satisfies invariant I3 (exactly one outbound RTI write at a time).
func (c *Coordinator) sendFrame(tag types.Tag, payload []byte) error {
	frame := make([]byte, 1+len(payload))
	frame[0] = byte(tag)
	copy(frame[1:], payload)
	if err := netio.WriteAll(c.rti, frame); err != nil {
		return err
	}
	c.metrics.ObserveSent(tag.String())
	return nil
}
