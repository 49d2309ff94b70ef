package p2p

import (
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/crossfed/federate/internal/metrics"
	"github.com/crossfed/federate/internal/netio"
	"github.com/crossfed/federate/internal/types"
	"github.com/crossfed/federate/internal/wire"
)

// ClientConfig bundles a Client's identity and the retry knobs from spec §6.
type ClientConfig struct {
	MyIdentity                types.FederateIdentity
	ConnectNumRetries         int
	AddressQueryRetryInterval time.Duration
	DialTimeout               time.Duration
	Logger                    *log.Logger
}

// Client resolves and connects outbound P2P links (spec §4.E). It is used
// only during startup, before the RTI listener thread is spawned (spec §3
// lifecycle steps 5 precedes 7), so it is safe for it to read/write the RTI
// socket synchronously without coordinating with the time-advance
// coordinator's mutex.
type Client struct {
	cfg     ClientConfig
	metrics *metrics.Collector

	mu       sync.Mutex
	outbound map[types.FedID]net.Conn
}

// SetMetrics wires a metrics sink into the client. A nil Collector (the
// default) makes every metrics call a no-op.
func (c *Client) SetMetrics(m *metrics.Collector) { c.metrics = m }

// NewClient constructs a Client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ConnectNumRetries <= 0 {
		cfg.ConnectNumRetries = 10
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[P2PClient] ", log.LstdFlags)
	}
	return &Client{cfg: cfg, outbound: make(map[types.FedID]net.Conn)}
}

// ConnectToPeer implements spec §4.E for a single outbound peer id r: query
// the RTI for its address, dial it, and perform the P2P handshake. Failure
// after retry exhaustion is a soft error — per spec §9 open question 3 the
// caller logs it and continues without this link, it does not abort the
// federate.
func (c *Client) ConnectToPeer(rti net.Conn, r types.FedID) error {
	endpoint, err := c.resolveAddress(rti, r)
	if err != nil {
		return err
	}

	addr := endpoint.String()
	var lastErr error
	for attempt := 1; attempt <= c.cfg.ConnectNumRetries; attempt++ {
		conn, dialErr := net.DialTimeout("tcp", addr, c.cfg.DialTimeout)
		if dialErr != nil {
			lastErr = dialErr
			c.cfg.Logger.Printf("federate %d: connect to peer %d at %s failed (attempt %d): %v", c.cfg.MyIdentity.FedID, r, addr, attempt, dialErr)
			continue
		}
		if hsErr := c.handshake(conn, r); hsErr != nil {
			conn.Close()
			lastErr = hsErr
			c.cfg.Logger.Printf("federate %d: P2P handshake with peer %d at %s failed (attempt %d): %v", c.cfg.MyIdentity.FedID, r, addr, attempt, hsErr)
			continue
		}
		c.mu.Lock()
		c.outbound[r] = conn
		c.mu.Unlock()
		c.metrics.ObserveP2PConnect(strconv.Itoa(int(r)), true)
		return nil
	}
	c.metrics.ObserveP2PConnect(strconv.Itoa(int(r)), false)
	return fmt.Errorf("federate %d: giving up connecting to peer %d at %s after %d attempts: %w", c.cfg.MyIdentity.FedID, r, addr, c.cfg.ConnectNumRetries, lastErr)
}

// resolveAddress implements spec §4.E step 1: ADDRESS_QUERY the RTI,
// retrying while the RTI reports no known address for r (port == -1).
func (c *Client) resolveAddress(rti net.Conn, r types.FedID) (types.Endpoint, error) {
	for attempt := 1; attempt <= c.cfg.ConnectNumRetries; attempt++ {
		frame := append([]byte{byte(types.TagAddressQuery)}, wire.EncodeAddressQuery(r)...)
		if err := netio.WriteAll(rti, frame); err != nil {
			return types.Endpoint{}, err
		}
		replyBuf, err := netio.ReadExact(rti, wire.AddressQueryReplySize)
		if err != nil {
			return types.Endpoint{}, err
		}
		port, ipv4, err := wire.DecodeAddressQueryReply(replyBuf)
		if err != nil {
			return types.Endpoint{}, err
		}
		if port != -1 {
			host := make(net.IP, 4)
			host[0] = byte(ipv4)
			host[1] = byte(ipv4 >> 8)
			host[2] = byte(ipv4 >> 16)
			host[3] = byte(ipv4 >> 24)
			return types.Endpoint{Host: host, Port: uint16(port)}, nil
		}
		time.Sleep(c.cfg.AddressQueryRetryInterval)
	}
	return types.Endpoint{}, fmt.Errorf("federate %d: RTI never reported an address for peer %d after %d queries", c.cfg.MyIdentity.FedID, r, c.cfg.ConnectNumRetries)
}

// handshake implements spec §4.E steps 3-4: send P2P_SENDING_FED_ID, then
// read the ACK/REJECT response.
func (c *Client) handshake(conn net.Conn, r types.FedID) error {
	payload, err := wire.EncodeFedIDFrame(c.cfg.MyIdentity)
	if err != nil {
		return err
	}
	frame := append([]byte{byte(types.TagP2PSendingFedID)}, payload...)
	if err := netio.WriteAll(conn, frame); err != nil {
		return err
	}

	respTag, err := netio.ReadExact(conn, 1)
	if err != nil {
		return err
	}
	if types.Tag(respTag[0]) == types.TagAck {
		return nil
	}
	if types.Tag(respTag[0]) != types.TagReject {
		return fmt.Errorf("%w: expected ACK or REJECT from peer %d, got tag %d", types.ErrProtocol, r, respTag[0])
	}
	causeBuf, err := netio.ReadExact(conn, 1)
	if err != nil {
		return err
	}
	return fmt.Errorf("federate %d: peer %d rejected P2P handshake: %s", c.cfg.MyIdentity.FedID, r, types.RejectCause(causeBuf[0]))
}

// Outbound returns the socket registered for peer r, if any.
func (c *Client) Outbound(r types.FedID) (net.Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.outbound[r]
	return conn, ok
}
