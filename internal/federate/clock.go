package federate

import "time"

// WallClock implements orchestrator.PhysicalClock and scheduler.PhysicalWaiter/
// scheduler.PhysicalClock over the real platform clock.
type WallClock struct{}

// NowPhysical returns the current wall-clock time as nanoseconds since the
// Unix epoch.
func (WallClock) NowPhysical() int64 { return time.Now().UnixNano() }

// WaitUntil blocks until physical time t (nanoseconds since epoch) has
// passed. A t already in the past returns immediately.
func (WallClock) WaitUntil(t int64) {
	now := time.Now().UnixNano()
	if t <= now {
		return
	}
	time.Sleep(time.Duration(t - now))
}
