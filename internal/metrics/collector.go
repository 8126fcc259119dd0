// Package metrics exposes Prometheus instrumentation for MS/TP link
// state and BVLC forwarding activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "bacnetd"
)

// Label names.
const (
	labelPort = "port"
)

// Collector holds every bacnetd Prometheus metric.
//
// Metrics are grouped by subsystem:
//   - mstp: per-port frame/token/auto-baud counters and gauges
//   - bvlc: forwarding and table-size counters/gauges, per gateway family
type Collector struct {
	// FramesValid counts valid MS/TP frames received per port.
	FramesValid *prometheus.CounterVec

	// FramesInvalid counts frames dropped for header/data CRC failure
	// per port.
	FramesInvalid *prometheus.CounterVec

	// TokenRotations counts token-pass events per port.
	TokenRotations *prometheus.CounterVec

	// AutoBaudLocked reports the auto-baud-detected line rate per port
	// once locked (0 while still probing).
	AutoBaudLocked *prometheus.GaugeVec

	// ZeroConfigClaims counts successful zero-configuration station
	// claims per port.
	ZeroConfigClaims *prometheus.CounterVec

	// BVLCForwarded counts BVLC broadcasts forwarded to BDT/FDT peers,
	// labeled by address family ("ipv4"/"ipv6").
	BVLCForwarded *prometheus.CounterVec

	// BVLCDropped counts inbound BVLC datagrams rejected (decode
	// failure, NAK'd function), labeled by address family.
	BVLCDropped *prometheus.CounterVec

	// FDTSize reports the current foreign-device table size, labeled
	// by address family.
	FDTSize *prometheus.GaugeVec
}

// NewCollector creates a Collector with every metric registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.FramesValid,
		c.FramesInvalid,
		c.TokenRotations,
		c.AutoBaudLocked,
		c.ZeroConfigClaims,
		c.BVLCForwarded,
		c.BVLCDropped,
		c.FDTSize,
	)

	return c
}

func newMetrics() *Collector {
	portLabels := []string{labelPort}
	familyLabels := []string{"family"}

	return &Collector{
		FramesValid: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mstp",
			Name:      "frames_valid_total",
			Help:      "Total valid MS/TP frames received.",
		}, portLabels),

		FramesInvalid: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mstp",
			Name:      "frames_invalid_total",
			Help:      "Total MS/TP frames dropped for header or data CRC failure.",
		}, portLabels),

		TokenRotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mstp",
			Name:      "token_rotations_total",
			Help:      "Total MS/TP token-pass events.",
		}, portLabels),

		AutoBaudLocked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mstp",
			Name:      "auto_baud_locked_bps",
			Help:      "Auto-baud-detected line rate once locked, 0 while probing.",
		}, portLabels),

		ZeroConfigClaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mstp",
			Name:      "zero_config_claims_total",
			Help:      "Total successful zero-configuration station claims.",
		}, portLabels),

		BVLCForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bvlc",
			Name:      "forwarded_total",
			Help:      "Total broadcasts forwarded to BDT/FDT peers.",
		}, familyLabels),

		BVLCDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bvlc",
			Name:      "dropped_total",
			Help:      "Total inbound BVLC datagrams rejected.",
		}, familyLabels),

		FDTSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bvlc",
			Name:      "fdt_size",
			Help:      "Current foreign-device table size.",
		}, familyLabels),
	}
}

// IncFramesValid implements mstp.PortMetrics.
func (c *Collector) IncFramesValid(port string) { c.FramesValid.WithLabelValues(port).Inc() }

// IncFramesInvalid implements mstp.PortMetrics.
func (c *Collector) IncFramesInvalid(port string) { c.FramesInvalid.WithLabelValues(port).Inc() }

// IncTokenRotations implements mstp.PortMetrics.
func (c *Collector) IncTokenRotations(port string) { c.TokenRotations.WithLabelValues(port).Inc() }

// SetAutoBaudLocked implements mstp.PortMetrics.
func (c *Collector) SetAutoBaudLocked(port string, bps int) {
	c.AutoBaudLocked.WithLabelValues(port).Set(float64(bps))
}

// IncZeroConfigClaim records a successful zero-configuration claim.
func (c *Collector) IncZeroConfigClaim(port string) {
	c.ZeroConfigClaims.WithLabelValues(port).Inc()
}

// IncBVLCForwarded records a forwarded broadcast for the given family
// ("ipv4" or "ipv6").
func (c *Collector) IncBVLCForwarded(family string) {
	c.BVLCForwarded.WithLabelValues(family).Inc()
}

// IncBVLCDropped records a rejected inbound datagram for the given family.
func (c *Collector) IncBVLCDropped(family string) {
	c.BVLCDropped.WithLabelValues(family).Inc()
}

// SetFDTSize records the current foreign-device table size for the
// given family.
func (c *Collector) SetFDTSize(family string, size int) {
	c.FDTSize.WithLabelValues(family).Set(float64(size))
}
