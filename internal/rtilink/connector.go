// Package rtilink implements the RTI connector (spec §4.C): discovering
// the RTI's listening port, performing the FED_ID handshake, and retrying
// across a configured port range when the wrong server answers.
package rtilink

import (
	"fmt"
	"log"
	"net"
	"time"

	"github.com/crossfed/federate/internal/metrics"
	"github.com/crossfed/federate/internal/netio"
	"github.com/crossfed/federate/internal/types"
	"github.com/crossfed/federate/internal/wire"
)

// Config bundles the port-scan and retry knobs from spec §6's constants
// list.
type Config struct {
	StartingPort         uint16
	PortRangeLimit       uint16
	ConnectNumRetries    int
	ConnectRetryInterval time.Duration // applied between full sweeps of the port range
	DialTimeout          time.Duration
	Logger               *log.Logger
}

// Connector performs the RTI bootstrap handshake described in spec §4.C.
type Connector struct {
	cfg     Config
	metrics *metrics.Collector
}

// SetMetrics wires a metrics sink into the connector. A nil Collector (the
// default) makes every metrics call a no-op.
func (c *Connector) SetMetrics(m *metrics.Collector) { c.metrics = m }

// New constructs a Connector, filling in sensible defaults for any
// zero-valued Config fields.
func New(cfg Config) *Connector {
	if cfg.ConnectNumRetries <= 0 {
		cfg.ConnectNumRetries = 10
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[RTIConnector] ", log.LstdFlags)
	}
	return &Connector{cfg: cfg}
}

// Connect implements spec §4.C's algorithm. port == 0 means "unspecified":
// the connector scans StartingPort..StartingPort+PortRangeLimit, advancing
// on a wrong-RTI rejection or a refused connection, and wrapping back to
// the start of the range (after sleeping ConnectRetryInterval) each time it
// passes the end of the range. Either way it gives up after at most
// ConnectNumRetries*(PortRangeLimit+1) connect attempts (P6).
func (c *Connector) Connect(hostname string, port uint16, identity types.FederateIdentity) (net.Conn, error) {
	specified := port != 0
	if !specified {
		port = c.cfg.StartingPort
	}

	maxAttempts := c.cfg.ConnectNumRetries * (int(c.cfg.PortRangeLimit) + 1)
	if maxAttempts <= 0 {
		maxAttempts = c.cfg.ConnectNumRetries
	}

	for attempt := 1; ; attempt++ {
		addr := fmt.Sprintf("%s:%d", hostname, port)
		conn, err := net.DialTimeout("tcp", addr, c.cfg.DialTimeout)
		if err != nil {
			if !netio.IsRetryable(err) {
				return nil, fmt.Errorf("federate %d: fatal error connecting to RTI at %s: %w", identity.FedID, addr, err)
			}
			c.cfg.Logger.Printf("federate %d: connect to RTI at %s failed: %v", identity.FedID, addr, err)
			c.metrics.IncRTIConnectRetry()
		} else {
			ok, cause, herr := c.handshake(conn, identity)
			if herr != nil {
				conn.Close()
				return nil, fmt.Errorf("federate %d: RTI handshake at %s failed: %w", identity.FedID, addr, herr)
			}
			if ok {
				return conn, nil
			}
			conn.Close()
			if specified || (cause != types.RejectFederationIDDoesNotMatch && cause != types.RejectWrongServer) {
				return nil, fmt.Errorf("federate %d: RTI at %s rejected connection: %s", identity.FedID, addr, cause)
			}
			c.cfg.Logger.Printf("federate %d: %s answered on port %d, trying next port in range", identity.FedID, cause, port)
			c.metrics.IncRTIConnectRetry()
		}

		if attempt >= maxAttempts {
			return nil, fmt.Errorf("%w: %d attempts against %s", types.ErrConnectExhausted, attempt, hostname)
		}

		if !specified {
			port++
			if port > c.cfg.StartingPort+c.cfg.PortRangeLimit {
				port = c.cfg.StartingPort
				time.Sleep(c.cfg.ConnectRetryInterval)
			}
		} else {
			time.Sleep(c.cfg.ConnectRetryInterval)
		}
	}
}

// handshake sends the FED_ID frame and interprets the RTI's one-byte
// response, per spec §4.C steps 3-4.
func (c *Connector) handshake(conn net.Conn, identity types.FederateIdentity) (ok bool, cause types.RejectCause, err error) {
	payload, err := wire.EncodeFedIDFrame(identity)
	if err != nil {
		return false, 0, err
	}
	frame := append([]byte{byte(types.TagFedID)}, payload...)
	if err := netio.WriteAll(conn, frame); err != nil {
		return false, 0, err
	}
	c.metrics.ObserveSent(types.TagFedID.String())

	respTag, err := netio.ReadExact(conn, 1)
	if err != nil {
		return false, 0, err
	}
	switch types.Tag(respTag[0]) {
	case types.TagAck:
		c.metrics.ObserveReceived(types.TagAck.String())
		return true, 0, nil
	case types.TagReject:
		causeBuf, err := netio.ReadExact(conn, 1)
		if err != nil {
			return false, 0, err
		}
		c.metrics.ObserveReceived(types.TagReject.String())
		return false, types.RejectCause(causeBuf[0]), nil
	default:
		return false, 0, fmt.Errorf("%w: expected ACK or REJECT, got tag %d", types.ErrProtocol, respTag[0])
	}
}
