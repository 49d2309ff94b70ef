// Package dispatch implements the inbound per-socket listener loop (spec
// §4.F): read one tag byte, then hand the socket to the bridge or the
// time-advance coordinator depending on what arrived.
package dispatch

import (
	"errors"
	"fmt"
	"log"
	"net"

	"github.com/crossfed/federate/internal/bridge"
	"github.com/crossfed/federate/internal/netio"
	"github.com/crossfed/federate/internal/timecoord"
	"github.com/crossfed/federate/internal/types"
)

// Role distinguishes the RTI socket from a peer socket: EOF and
// TIME_ADVANCE_GRANT/STOP are only meaningful on the former (spec §4.F).
type Role int

const (
	RolePeer Role = iota
	RoleRTI
)

// Handlers bundles the components a dispatch loop delivers frames to. Coord
// is nil for peer sockets, since TIME_ADVANCE_GRANT and STOP only ever
// arrive from the RTI.
type Handlers struct {
	Bridge *bridge.Bridge
	Coord  *timecoord.Coordinator
}

// Loop runs component F for a single socket until it closes or a protocol
// error occurs. onPeerClosed, if non-nil, is called after a clean peer EOF
// so the caller can clear the corresponding PeerLinks slot (spec §3).
func Loop(conn net.Conn, role Role, myFedID types.FedID, h Handlers, logger *log.Logger, onPeerClosed func()) error {
	if logger == nil {
		logger = log.New(log.Writer(), "[Dispatch] ", log.LstdFlags)
	}
	for {
		tagBuf, err := netio.ReadExact(conn, 1)
		if err != nil {
			if errors.Is(err, netio.ErrEOF) {
				conn.Close()
				if role == RoleRTI {
					return fmt.Errorf("federate %d: %w", myFedID, types.ErrRTIClosed)
				}
				if onPeerClosed != nil {
					onPeerClosed()
				}
				return nil
			}
			logger.Printf("federate %d: read tag: %v", myFedID, err)
			conn.Close()
			return err
		}

		tag := types.Tag(tagBuf[0])
		switch tag {
		case types.TagTimedMessage, types.TagP2PTimedMessage:
			if err := h.Bridge.HandleTimedMessage(conn); err != nil {
				logger.Printf("federate %d: handling %s: %v", myFedID, tag, err)
				conn.Close()
				return err
			}
		case types.TagTimeAdvanceGrant:
			if role != RoleRTI || h.Coord == nil {
				conn.Close()
				return &types.ProtocolError{MyFedID: myFedID, Cause: fmt.Errorf("%w: %s on a non-RTI socket", types.ErrProtocol, tag)}
			}
			if err := h.Coord.OnTimeAdvanceGrant(conn); err != nil {
				conn.Close()
				return err
			}
		case types.TagStop:
			if role != RoleRTI || h.Coord == nil {
				conn.Close()
				return &types.ProtocolError{MyFedID: myFedID, Cause: fmt.Errorf("%w: %s on a non-RTI socket", types.ErrProtocol, tag)}
			}
			if err := h.Coord.OnStop(conn); err != nil {
				conn.Close()
				return err
			}
		default:
			conn.Close()
			return &types.ProtocolError{MyFedID: myFedID, Cause: fmt.Errorf("%w: unexpected tag %s", types.ErrUnexpectedTag, tag)}
		}
	}
}
