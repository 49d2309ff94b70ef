// Package orchestrator implements synchronize_with_other_federates (spec
// §4.I): the TIMESTAMP exchange that establishes a coordinated start time,
// and the shutdown sequence that tears sockets down in order once the
// federate has been told to stop.
package orchestrator

import (
	"fmt"
	"log"
	"net"
	"time"

	"github.com/crossfed/federate/internal/netio"
	"github.com/crossfed/federate/internal/types"
	"github.com/crossfed/federate/internal/wire"
)

// PhysicalClock is the subset of the external scheduler's interface this
// package needs: reading physical time and cooperatively blocking until a
// given physical instant (spec §6: now_physical, wait_until).
type PhysicalClock interface {
	NowPhysical() int64
	WaitUntil(t int64)
}

// Result carries the outcome of synchronizing with the RTI: the agreed
// start time and, if a run duration was configured, the computed stop
// time.
type Result struct {
	StartTime int64
	StopTime  int64 // 0 if no run duration was configured
}

// Synchronize implements spec §4.I steps 1, 2 and 5, and computes the stop
// time of step 3. It returns the agreed start time; it does not set the
// scheduler's current logical time, and it does not take a new physical
// start reading after the wait. fastMode skips the
// wait_until call (used by tests and by federates that don't need to wait
// for wall-clock alignment). runDuration of zero means "no configured stop
// time" per spec §4.I step 3.
func Synchronize(rti net.Conn, clock PhysicalClock, runDuration time.Duration, fastMode bool, myFedID types.FedID, logger *log.Logger) (Result, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[Orchestrator] ", log.LstdFlags)
	}

	startPhysical := clock.NowPhysical()
	frame := append([]byte{byte(types.TagTimestamp)}, wire.EncodeI64Payload(startPhysical)...)
	if err := netio.WriteAll(rti, frame); err != nil {
		return Result{}, err
	}

	tagBuf, err := netio.ReadExact(rti, 1)
	if err != nil {
		return Result{}, err
	}
	if types.Tag(tagBuf[0]) != types.TagTimestamp {
		return Result{}, &types.ProtocolError{
			MyFedID: myFedID,
			Cause:   fmt.Errorf("%w: expected TIMESTAMP reply from RTI, got %s", types.ErrProtocol, types.Tag(tagBuf[0])),
		}
	}
	payload, err := netio.ReadExact(rti, wire.SizeI64)
	if err != nil {
		return Result{}, err
	}
	startTime, err := wire.DecodeI64Payload(payload)
	if err != nil {
		return Result{}, err
	}

	result := Result{StartTime: startTime, StopTime: 0}
	if runDuration > 0 {
		result.StopTime = startTime + int64(runDuration)
	}

	if !fastMode {
		clock.WaitUntil(startTime)
	}

	logger.Printf("federate %d: synchronized with RTI, start_time=%d", myFedID, startTime)
	return result, nil
}

// RunSummary accumulates the counters logged at shutdown (spec §10.F
// supplement: run-summary logging).
type RunSummary struct {
	NetSent          int
	TagsReceived     int
	LtcSent          int
	TimedMessagesIn  int
	TimedMessagesOut int
}

// Shutdown closes rti, then every outbound socket, in the order spec §4.I's
// extended shutdown sequence specifies, logging a run summary. It does not
// attempt to join listener goroutines; callers that spawned them via
// dispatch.Loop rely on those goroutines observing the closed sockets and
// returning on their own.
func Shutdown(rti net.Conn, outbound map[types.FedID]net.Conn, summary RunSummary, myFedID types.FedID, logger *log.Logger) {
	if logger == nil {
		logger = log.New(log.Writer(), "[Orchestrator] ", log.LstdFlags)
	}
	if rti != nil {
		rti.Close()
	}
	for fed, conn := range outbound {
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil {
			logger.Printf("federate %d: closing outbound link to %d: %v", myFedID, fed, err)
		}
	}
	logger.Printf("federate %d: shutdown complete: net_sent=%d tags_received=%d ltc_sent=%d timed_in=%d timed_out=%d",
		myFedID, summary.NetSent, summary.TagsReceived, summary.LtcSent, summary.TimedMessagesIn, summary.TimedMessagesOut)
}
