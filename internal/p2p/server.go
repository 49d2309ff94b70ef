// Package p2p implements the peer-to-peer server and client (spec §4.D,
// §4.E): binding and advertising a listening port, accepting and
// validating inbound peer connections, and dialing outbound ones.
package p2p

import (
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"

	"github.com/crossfed/federate/internal/metrics"
	"github.com/crossfed/federate/internal/netio"
	"github.com/crossfed/federate/internal/types"
	"github.com/crossfed/federate/internal/wire"
)

// InboundHandler is invoked once per accepted, validated peer socket; it is
// expected to run the inbound dispatcher (component F) for that socket and
// block until the socket is closed.
type InboundHandler func(remoteFed types.FedID, conn net.Conn)

// Server accepts and validates a given number of inbound P2P links on a
// listener obtained from Bind (spec §4.D); binding and advertising the port
// are done by the package-level Bind and AdvertisePort.
type Server struct {
	myFedID    types.FedID
	federation types.FederationID
	logger     *log.Logger
	metrics    *metrics.Collector

	mu      sync.Mutex
	inbound map[types.FedID]net.Conn
}

// SetMetrics wires a metrics sink into the server. A nil Collector (the
// default) makes every metrics call a no-op.
func (s *Server) SetMetrics(m *metrics.Collector) { s.metrics = m }

// Config bundles a Server's fixed identity and port-scan knobs.
type Config struct {
	MyFedID        types.FedID
	Federation     types.FederationID
	StartingPort   uint16
	PortRangeLimit uint16
	Logger         *log.Logger
}

// New constructs a Server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[P2PServer] ", log.LstdFlags)
	}
	return &Server{
		myFedID:    cfg.MyFedID,
		federation: cfg.Federation,
		logger:     logger,
		inbound:    make(map[types.FedID]net.Conn),
	}
}

// Bind listens on the first free port in StartingPort..StartingPort+PortRangeLimit
// and returns both the listener and the bound port, mirroring §4.C's range
// scan (§4.D: "port selection mirrors §4.C").
func Bind(startingPort, portRangeLimit uint16) (net.Listener, uint16, error) {
	for port := startingPort; port <= startingPort+portRangeLimit; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return ln, uint16(ln.Addr().(*net.TCPAddr).Port), nil
		}
	}
	return nil, 0, fmt.Errorf("%w: no free port in [%d, %d]", types.ErrAddressUnavailable, startingPort, startingPort+portRangeLimit)
}

// AdvertisePort sends ADDRESS_AD | port:u32 to the RTI (spec §4.D step 2).
func AdvertisePort(rti net.Conn, port uint16) error {
	frame := append([]byte{byte(types.TagAddressAd)}, wire.EncodeAddressAd(uint32(port))...)
	return netio.WriteAll(rti, frame)
}

// Accept runs the accept loop (spec §4.D): it accepts and validates exactly
// numExpectedPeers connections, invoking onAccepted for each one it
// registers on its own goroutine. Once all expected peers have connected it
// waits for every onAccepted call to return, then returns nil. A closed
// listener ends the loop early with an error, without waiting for the
// handlers already started.
func (s *Server) Accept(ln net.Listener, numExpectedPeers int, onAccepted InboundHandler) error {
	var wg sync.WaitGroup
	accepted := 0
	for accepted < numExpectedPeers {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("federate %d: P2P accept loop: %w", s.myFedID, err)
		}
		remoteFed, ok := s.validate(conn)
		if !ok {
			continue
		}
		accepted++
		wg.Add(1)
		go func(remoteFed types.FedID, conn net.Conn) {
			defer wg.Done()
			onAccepted(remoteFed, conn)
		}(remoteFed, conn)
	}
	wg.Wait()
	return nil
}

// validate implements spec §4.D steps 1-4: read P2P_SENDING_FED_ID, check
// the tag and federation id, and either reject-and-close or register the
// peer and ACK it.
func (s *Server) validate(conn net.Conn) (types.FedID, bool) {
	tagBuf, err := netio.ReadExact(conn, 1)
	if err != nil {
		s.logger.Printf("federate %d: P2P accept: read tag: %v", s.myFedID, err)
		conn.Close()
		return 0, false
	}
	if types.Tag(tagBuf[0]) != types.TagP2PSendingFedID {
		s.reject(conn, types.RejectWrongServer)
		return 0, false
	}

	prefix, err := netio.ReadExact(conn, wire.SizeU16+1)
	if err != nil {
		conn.Close()
		return 0, false
	}
	remoteFed, fidLen, err := wire.DecodeFedIDFrame(prefix)
	if err != nil {
		conn.Close()
		return 0, false
	}
	federation := make([]byte, fidLen)
	if fidLen > 0 {
		federation, err = netio.ReadExact(conn, int(fidLen))
		if err != nil {
			conn.Close()
			return 0, false
		}
	}
	if types.FederationID(federation) != s.federation {
		s.reject(conn, types.RejectFederationIDDoesNotMatch)
		return 0, false
	}

	if err := netio.WriteAll(conn, []byte{byte(types.TagAck)}); err != nil {
		conn.Close()
		return 0, false
	}

	s.mu.Lock()
	s.inbound[remoteFed] = conn
	s.mu.Unlock()
	s.metrics.ObserveP2PConnect(strconv.Itoa(int(remoteFed)), true)
	return remoteFed, true
}

func (s *Server) reject(conn net.Conn, cause types.RejectCause) {
	frame := append([]byte{byte(types.TagReject)}, wire.EncodeReject(cause)...)
	_ = netio.WriteAll(conn, frame)
	conn.Close()
}

// ClearInbound drops the socket slot for remoteFed (spec §3 PeerLinks:
// "cleared on EOF/error by (F)"). Called by the inbound dispatcher, not by
// the server itself.
func (s *Server) ClearInbound(remoteFed types.FedID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inbound, remoteFed)
}

// Inbound returns the socket currently registered for remoteFed, if any.
func (s *Server) Inbound(remoteFed types.FedID) (net.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.inbound[remoteFed]
	return conn, ok
}
