// Package federate wires components A-I of the federate runtime together
// (spec §9's "owned coordinator" redesign): the RTI connector, the P2P
// server and client, the time-advance coordinator, the message bridge, and
// the startup/shutdown orchestrator, all sharing one mutex and condition
// variable with the externally supplied scheduler.
package federate

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/crossfed/federate/internal/bridge"
	"github.com/crossfed/federate/internal/config"
	"github.com/crossfed/federate/internal/dispatch"
	"github.com/crossfed/federate/internal/metrics"
	"github.com/crossfed/federate/internal/orchestrator"
	"github.com/crossfed/federate/internal/p2p"
	"github.com/crossfed/federate/internal/rtilink"
	"github.com/crossfed/federate/internal/scheduler"
	"github.com/crossfed/federate/internal/timecoord"
	"github.com/crossfed/federate/internal/types"
)

// PhysicalClock is the wall-clock source the runtime needs for §4.I's
// TIMESTAMP exchange. WallClock in this package is the production
// implementation; tests inject a fake that satisfies the same interface.
type PhysicalClock interface {
	NowPhysical() int64
	WaitUntil(t int64)
}

// Runtime holds the full lifecycle state of a single federate: its
// connections to the RTI and its peers, the shared mutex/condvar, and the
// components built on top of them. The zero value is not usable; construct
// one with New.
type Runtime struct {
	cfg      *config.Config
	identity types.FederateIdentity
	logger   *log.Logger
	clock    PhysicalClock

	mu       sync.Mutex
	eq       scheduler.EventQueue
	triggers scheduler.TriggerResolver

	connector *rtilink.Connector
	p2pServer *p2p.Server
	p2pClient *p2p.Client
	coord     *timecoord.Coordinator
	bridge    *bridge.Bridge
	metrics   *metrics.Collector

	rti      net.Conn
	listener net.Listener

	wg       sync.WaitGroup
	peerWg   sync.WaitGroup
	runErrMu sync.Mutex
	runErr   error
}

// New constructs a Runtime from a loaded configuration and the generated
// scheduler's event queue and trigger table (spec §1: the scheduler is an
// out-of-scope external collaborator, supplied by the caller). clock and
// logger may be nil, in which case a WallClock and a default log.Logger are
// used.
func New(cfg *config.Config, eq scheduler.EventQueue, triggers scheduler.TriggerResolver, clock PhysicalClock, logger *log.Logger) (*Runtime, error) {
	identity, err := cfg.Identity()
	if err != nil {
		return nil, fmt.Errorf("building federate identity: %w", err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), fmt.Sprintf("[Federate %d] ", cfg.FedID), log.LstdFlags)
	}
	if clock == nil {
		clock = WallClock{}
	}

	r := &Runtime{
		cfg:      cfg,
		identity: identity,
		logger:   logger,
		clock:    clock,
		eq:       eq,
		triggers: triggers,
	}

	r.connector = rtilink.New(rtilink.Config{
		StartingPort:         cfg.Network.StartingPort,
		PortRangeLimit:       cfg.Network.PortRangeLimit,
		ConnectNumRetries:    cfg.Network.ConnectNumRetries,
		ConnectRetryInterval: cfg.Network.ConnectRetryInterval,
		Logger:               log.New(logger.Writer(), fmt.Sprintf("[Federate %d][RTIConnector] ", cfg.FedID), log.LstdFlags),
	})
	r.p2pServer = p2p.New(p2p.Config{
		MyFedID:        identity.FedID,
		Federation:     identity.Federation,
		StartingPort:   cfg.Network.StartingPort,
		PortRangeLimit: cfg.Network.PortRangeLimit,
		Logger:         log.New(logger.Writer(), fmt.Sprintf("[Federate %d][P2PServer] ", cfg.FedID), log.LstdFlags),
	})
	r.p2pClient = p2p.NewClient(p2p.ClientConfig{
		MyIdentity:                identity,
		ConnectNumRetries:         cfg.Network.ConnectNumRetries,
		AddressQueryRetryInterval: cfg.Network.AddressQueryRetryInterval,
		Logger:                    log.New(logger.Writer(), fmt.Sprintf("[Federate %d][P2PClient] ", cfg.FedID), log.LstdFlags),
	})
	return r, nil
}

// SetMetrics wires a Prometheus collector into every component that reports
// to it. A nil Collector leaves every metrics call a no-op.
func (r *Runtime) SetMetrics(m *metrics.Collector) {
	r.metrics = m
	r.connector.SetMetrics(m)
	r.p2pServer.SetMetrics(m)
	r.p2pClient.SetMetrics(m)
	if r.coord != nil {
		r.coord.SetMetrics(m)
	}
	if r.bridge != nil {
		r.bridge.SetMetrics(m)
	}
}

// Identity returns this runtime's federate identity.
func (r *Runtime) Identity() types.FederateIdentity { return r.identity }

// Run executes the full federate lifecycle (spec §3, §4.I): connect to the
// RTI, bind and advertise a P2P listening port, establish inbound and
// outbound peer links, synchronize a start time, run until ctx is canceled
// or a STOP arrives from the RTI, then shut every socket down in order.
func (r *Runtime) Run(ctx context.Context) error {
	rti, err := r.connector.Connect(r.cfg.RTIHost, r.cfg.RTIPort, r.identity)
	if err != nil {
		return fmt.Errorf("federate %d: %w", r.identity.FedID, err)
	}
	r.rti = rti

	r.coord = timecoord.New(&r.mu, r.eq, rti, timecoord.Config{
		MyFedID:       r.identity.FedID,
		HasUpstream:   r.cfg.HasUpstream(),
		HasDownstream: r.cfg.HasDownstream(),
		Logger:        log.New(r.logger.Writer(), fmt.Sprintf("[Federate %d][TimeCoord] ", r.cfg.FedID), log.LstdFlags),
	})
	r.bridge = bridge.New(&r.mu, r.coord.Cond(), r.eq, r.triggers, r.identity.FedID)
	if r.metrics != nil {
		r.coord.SetMetrics(r.metrics)
		r.bridge.SetMetrics(r.metrics)
	}

	if err := r.bootstrapP2P(); err != nil {
		r.closeAll()
		return err
	}

	result, err := orchestrator.Synchronize(rti, r.clock, r.cfg.RunDuration, r.cfg.FastMode, r.identity.FedID, r.logger)
	if err != nil {
		r.closeAll()
		return err
	}
	r.logger.Printf("federate %d: start_time=%d stop_time=%d", r.identity.FedID, result.StartTime, result.StopTime)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := dispatch.Loop(rti, dispatch.RoleRTI, r.identity.FedID, dispatch.Handlers{Bridge: r.bridge, Coord: r.coord}, r.logger, nil)
		r.setRunErr(err)
	}()

	r.waitForStop(ctx)
	r.shutdown()
	return r.runErrResult()
}

// bootstrapP2P implements spec §4.D/§4.E's link establishment: bind and
// advertise this federate's listening port, accept its configured number of
// inbound peers in the background, and dial every configured outbound peer.
// A failed outbound dial is logged and skipped (spec §9 open question 3):
// the federate proceeds without that link rather than aborting.
func (r *Runtime) bootstrapP2P() error {
	ln, port, err := p2p.Bind(r.cfg.Network.StartingPort, r.cfg.Network.PortRangeLimit)
	if err != nil {
		return fmt.Errorf("federate %d: %w", r.identity.FedID, err)
	}
	r.listener = ln

	if err := p2p.AdvertisePort(r.rti, port); err != nil {
		return fmt.Errorf("federate %d: advertising P2P port: %w", r.identity.FedID, err)
	}

	if len(r.cfg.InboundPeers) > 0 {
		r.peerWg.Add(1)
		go func() {
			defer r.peerWg.Done()
			if err := r.p2pServer.Accept(ln, len(r.cfg.InboundPeers), r.runInboundDispatch); err != nil {
				r.logger.Printf("federate %d: P2P accept loop ended: %v", r.identity.FedID, err)
			}
		}()
	}

	for _, id := range r.cfg.OutboundPeers {
		peer := types.FedID(id)
		if err := r.p2pClient.ConnectToPeer(r.rti, peer); err != nil {
			r.logger.Printf("federate %d: proceeding without outbound link to peer %d: %v", r.identity.FedID, peer, err)
			continue
		}
		conn, _ := r.p2pClient.Outbound(peer)
		r.runOutboundDispatch(peer, conn)
	}
	return nil
}

// runInboundDispatch is the p2p.InboundHandler passed to Server.Accept: it
// runs component F for an accepted peer socket until EOF, then clears the
// peer's PeerLinks slot.
func (r *Runtime) runInboundDispatch(remoteFed types.FedID, conn net.Conn) {
	h := dispatch.Handlers{Bridge: r.bridge}
	if err := dispatch.Loop(conn, dispatch.RolePeer, r.identity.FedID, h, r.logger, func() {
		r.p2pServer.ClearInbound(remoteFed)
	}); err != nil {
		r.logger.Printf("federate %d: inbound link to peer %d: %v", r.identity.FedID, remoteFed, err)
	}
}

// runOutboundDispatch spawns component F for a successfully dialed outbound
// peer socket.
func (r *Runtime) runOutboundDispatch(remoteFed types.FedID, conn net.Conn) {
	r.peerWg.Add(1)
	go func() {
		defer r.peerWg.Done()
		h := dispatch.Handlers{Bridge: r.bridge}
		if err := dispatch.Loop(conn, dispatch.RolePeer, r.identity.FedID, h, r.logger, nil); err != nil {
			r.logger.Printf("federate %d: outbound link to peer %d: %v", r.identity.FedID, remoteFed, err)
		}
	}()
}

// waitForStop blocks until ctx is canceled or the RTI sends STOP (spec §4.G:
// stop_requested), whichever happens first. canceled is also set on a ctx
// cancellation so the background waiter, which shares the coordinator's
// condition variable, wakes up and exits instead of leaking.
func (r *Runtime) waitForStop(ctx context.Context) {
	done := make(chan struct{})
	var canceled atomic.Bool
	go func() {
		r.mu.Lock()
		for !r.coord.StopRequested() && !canceled.Load() {
			r.coord.Cond().Wait()
		}
		r.mu.Unlock()
		close(done)
	}()

	select {
	case <-ctx.Done():
		canceled.Store(true)
		r.mu.Lock()
		r.coord.Cond().Broadcast()
		r.mu.Unlock()
		<-done
	case <-done:
	}
}

// shutdown implements the extended shutdown sequence of spec §4.I: announce
// our own stop (if we weren't the one who received it), then tear every
// socket down in order.
func (r *Runtime) shutdown() {
	r.mu.Lock()
	currentTime := r.eq.CurrentLogicalTime()
	stopAlreadyRequested := r.coord != nil && r.coord.StopRequested()
	if !stopAlreadyRequested {
		if err := r.coord.BroadcastStop(currentTime); err != nil {
			r.logger.Printf("federate %d: broadcasting stop: %v", r.identity.FedID, err)
		}
	}
	r.mu.Unlock()

	outbound := make(map[types.FedID]net.Conn)
	for _, id := range r.cfg.OutboundPeers {
		if conn, ok := r.p2pClient.Outbound(types.FedID(id)); ok {
			outbound[types.FedID(id)] = conn
		}
	}
	orchestrator.Shutdown(r.rti, outbound, orchestrator.RunSummary{}, r.identity.FedID, r.logger)
	if r.listener != nil {
		r.listener.Close()
	}

	r.wg.Wait()
	r.peerWg.Wait()
}

// closeAll is used on a failed bootstrap, before the coordinator or bridge
// are guaranteed usable: it tears down whatever sockets were opened without
// going through the broadcast_stop sequence.
func (r *Runtime) closeAll() {
	if r.rti != nil {
		r.rti.Close()
	}
	if r.listener != nil {
		r.listener.Close()
	}
}

func (r *Runtime) setRunErr(err error) {
	r.runErrMu.Lock()
	defer r.runErrMu.Unlock()
	if r.runErr == nil {
		r.runErr = err
	}
}

func (r *Runtime) runErrResult() error {
	r.runErrMu.Lock()
	defer r.runErrMu.Unlock()
	return r.runErr
}
