// Package metrics exposes Prometheus instrumentation for the federate
// runtime: frame counters by tag and direction, the current granted_tag
// value, RTI connect retries, and per-peer P2P connect outcomes.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector bundles the federate's Prometheus metrics. A nil *Collector is
// valid and every method on it is a no-op, so components can take a
// *Collector unconditionally and tests never need to wire Prometheus.
type Collector struct {
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec

	GrantedTag prometheus.Gauge

	RTIConnectRetries prometheus.Counter

	P2PConnectSuccess *prometheus.CounterVec
	P2PConnectFailure *prometheus.CounterVec
}

// New registers federate metrics against reg, defaulting to the global
// Prometheus registry when reg is nil.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	framesSent, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "federate_frames_sent_total",
		Help: "Total number of framed messages sent, labeled by tag.",
	}, []string{"tag"}), "federate_frames_sent_total")
	if err != nil {
		return nil, err
	}

	framesReceived, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "federate_frames_received_total",
		Help: "Total number of framed messages received, labeled by tag.",
	}, []string{"tag"}), "federate_frames_received_total")
	if err != nil {
		return nil, err
	}

	grantedTag, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "federate_granted_tag",
		Help: "Most recent TIME_ADVANCE_GRANT value received from the RTI.",
	}), "federate_granted_tag")
	if err != nil {
		return nil, err
	}

	rtiRetries, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "federate_rti_connect_retries_total",
		Help: "Total number of RTI connect attempts that did not succeed on the first try.",
	}), "federate_rti_connect_retries_total")
	if err != nil {
		return nil, err
	}

	p2pSuccess, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "federate_p2p_connect_success_total",
		Help: "Total number of successful P2P connects (outbound dials and accepted inbound peers), labeled by peer fed_id.",
	}, []string{"peer"}), "federate_p2p_connect_success_total")
	if err != nil {
		return nil, err
	}

	p2pFailure, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "federate_p2p_connect_failure_total",
		Help: "Total number of outbound P2P connects that exhausted their retry budget, labeled by peer fed_id.",
	}, []string{"peer"}), "federate_p2p_connect_failure_total")
	if err != nil {
		return nil, err
	}

	return &Collector{
		FramesSent:        framesSent,
		FramesReceived:    framesReceived,
		GrantedTag:        grantedTag,
		RTIConnectRetries: rtiRetries,
		P2PConnectSuccess: p2pSuccess,
		P2PConnectFailure: p2pFailure,
	}, nil
}

// ObserveSent increments the sent-frame counter for tag.
func (c *Collector) ObserveSent(tag string) {
	if c == nil || c.FramesSent == nil {
		return
	}
	c.FramesSent.WithLabelValues(tag).Inc()
}

// ObserveReceived increments the received-frame counter for tag.
func (c *Collector) ObserveReceived(tag string) {
	if c == nil || c.FramesReceived == nil {
		return
	}
	c.FramesReceived.WithLabelValues(tag).Inc()
}

// SetGrantedTag records the most recent TIME_ADVANCE_GRANT value.
func (c *Collector) SetGrantedTag(t int64) {
	if c == nil || c.GrantedTag == nil {
		return
	}
	c.GrantedTag.Set(float64(t))
}

// IncRTIConnectRetry records one RTI connect attempt that did not succeed.
func (c *Collector) IncRTIConnectRetry() {
	if c == nil || c.RTIConnectRetries == nil {
		return
	}
	c.RTIConnectRetries.Inc()
}

// ObserveP2PConnect records the outcome of connecting to peer.
func (c *Collector) ObserveP2PConnect(peer string, success bool) {
	if c == nil {
		return
	}
	if success {
		if c.P2PConnectSuccess != nil {
			c.P2PConnectSuccess.WithLabelValues(peer).Inc()
		}
		return
	}
	if c.P2PConnectFailure != nil {
		c.P2PConnectFailure.WithLabelValues(peer).Inc()
	}
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
