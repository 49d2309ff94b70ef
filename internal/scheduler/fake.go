package scheduler

import (
	"sort"
	"time"
)

// event is one entry in a Fake's queue.
type event struct {
	trigger Trigger
	at      int64
	payload []byte
}

// Fake is a minimal in-memory stand-in for the generated event queue, used
// by this module's own tests and as the event queue of cmd/federate. It is
// deliberately not safe for
// concurrent use on its own: like the real generated scheduler, every
// method here is documented as requiring the caller to already hold the
// runtime's shared mutex (spec §6).
type Fake struct {
	now     int64
	queue   []event
	Trigger func(port int) Trigger
}

// NewFake constructs a Fake scheduler starting at logical time 0.
func NewFake() *Fake {
	return &Fake{}
}

// CurrentLogicalTime implements Clock.
func (f *Fake) CurrentLogicalTime() int64 { return f.now }

// SetLogicalTime advances the fake's notion of current logical time, as the
// real scheduler would while processing its queue.
func (f *Fake) SetLogicalTime(t int64) { f.now = t }

// Schedule implements EventQueue. Negative delays are clamped to zero,
// matching the tardy-message policy the real scheduler applies (spec I2).
func (f *Fake) Schedule(trigger Trigger, delay time.Duration, payload []byte) (Handle, error) {
	if delay < 0 {
		delay = 0
	}
	at := f.now + delay.Nanoseconds()
	f.queue = append(f.queue, event{trigger: trigger, at: at, payload: payload})
	sort.Slice(f.queue, func(i, j int) bool { return f.queue[i].at < f.queue[j].at })
	return len(f.queue), nil
}

// EventQueueHeadTime implements EventQueue.
func (f *Fake) EventQueueHeadTime() (int64, bool) {
	if len(f.queue) == 0 {
		return 0, false
	}
	return f.queue[0].at, true
}

// PopHead removes and returns the earliest queued event, used by tests that
// want to assert on delivered (trigger, payload) pairs.
func (f *Fake) PopHead() (trigger Trigger, at int64, payload []byte, ok bool) {
	if len(f.queue) == 0 {
		return nil, 0, nil, false
	}
	head := f.queue[0]
	f.queue = f.queue[1:]
	return head.trigger, head.at, head.payload, true
}

// Len reports the number of queued events.
func (f *Fake) Len() int { return len(f.queue) }
