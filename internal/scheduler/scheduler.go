// Package scheduler declares the interfaces the federate runtime consumes
// from the local discrete-event scheduler. That scheduler — its event
// queue, its trigger table, its notion of logical time — is explicitly out
// of scope for this module (spec §1): it is code-generated and supplied by
// the surrounding application. This package only pins down the shape the
// rest of the runtime depends on, plus a small in-memory reference
// implementation used by tests, and by cmd/federate, in place of the
// generated one.
package scheduler

import (
	"time"

	"github.com/crossfed/federate/internal/types"
)

// Trigger identifies a reactor trigger to schedule an event against. Its
// concrete type is owned by the generated code; the runtime only ever
// receives one back from TriggerForPort and forwards it to Schedule.
type Trigger any

// Handle is whatever opaque value Schedule returns to identify the
// event it created; the runtime never inspects it.
type Handle any

// Clock exposes the scheduler's notion of logical time. Every call here is
// made while the caller holds the runtime's shared mutex.
type Clock interface {
	CurrentLogicalTime() int64
}

// EventQueue is the scheduler surface the time-advance coordinator and the
// message bridge drive directly. Every method is documented in the
// generated scheduler as requiring the caller to hold the shared mutex,
// mirroring spec §6.
type EventQueue interface {
	Clock

	// Schedule enqueues payload for delivery at trigger after delay,
	// transferring ownership of payload to the scheduler. Negative delays
	// are clamped to zero by the scheduler (tardy-message policy, spec
	// I2/§4.H) — this interface does not clamp on the caller's behalf.
	Schedule(trigger Trigger, delay time.Duration, payload []byte) (Handle, error)

	// EventQueueHeadTime reports the logical time of the earliest queued
	// event, if any. Used by next_event_time to detect a local event that
	// preempts an outstanding NET (spec §4.G step 5).
	EventQueueHeadTime() (t int64, ok bool)
}

// TriggerResolver maps a wire port id to the scheduler trigger generated
// code wired it to. Supplied by code generation (spec §1).
type TriggerResolver interface {
	TriggerForPort(port types.PortID) Trigger
}

// PhysicalWaiter cooperatively blocks the calling goroutine until physical
// time reaches t, or returns early if woken by the platform's wait
// primitive. Used only by the startup orchestrator (spec §4.I step 5).
type PhysicalWaiter interface {
	WaitUntil(t int64)
}

// PhysicalClock reads the platform's wall clock. Supplied externally (spec
// §1) so the runtime never calls time.Now directly for logical-time
// bookkeeping — only the platform clock is a source of truth for
// coordinated start-time negotiation.
type PhysicalClock interface {
	NowPhysical() int64
}
