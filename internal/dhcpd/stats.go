package dhcpd

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// dhcpMessageTypeNames enumerates the DHCP message type strings recorded by
// recordMessage, matching dhcpv4.MessageType.String() output.  Any other
// value (malformed/unknown message types never reach this far in practice)
// is folded into the "OTHER" bucket.
var dhcpMessageTypeNames = []string{
	"DISCOVER", "OFFER", "REQUEST", "DECLINE", "ACK", "NAK", "RELEASE", "INFORM", "OTHER",
}

// outcomeNames enumerates the handling outcomes recorded by recordOutcome.
var outcomeNames = []string{
	string(outcomeOffered), string(outcomeAcked), "nacked", "dropped", "denied", "OTHER",
}

// securityKindNames enumerates the SecurityEventKind values recorded by
// recordSecurityDeny, one per admit() pipeline stage.
var securityKindNames = []string{
	string(EventSnooping), string(EventMACFilter), string(EventIPFilter),
	string(EventRateLimit), string(EventOption82), string(EventAuth), "OTHER",
}

// counterSet is a fixed set of named atomic counters with no locking on the
// hot path: the name-to-index map is built once at construction and never
// mutated afterward, so concurrent Inc/Snapshot calls only ever touch
// atomic.Uint64 values, per spec.md §5 ("Statistics counters: atomics, no
// locking").
type counterSet struct {
	names    []string
	index    map[string]int
	counters []atomic.Uint64
}

func newCounterSet(names []string) (cs *counterSet) {
	cs = &counterSet{
		names:    names,
		index:    make(map[string]int, len(names)),
		counters: make([]atomic.Uint64, len(names)),
	}
	for i, name := range names {
		cs.index[name] = i
	}

	return cs
}

// other is the name of the overflow bucket absorbing keys outside the fixed
// enum; it is always the last entry in a counterSet's names.
const other = "OTHER"

func (cs *counterSet) inc(name string) {
	i, ok := cs.index[name]
	if !ok {
		i = cs.index[other]
	}

	cs.counters[i].Add(1)
}

func (cs *counterSet) snapshot() (m map[string]uint64) {
	m = make(map[string]uint64, len(cs.names))
	for i, name := range cs.names {
		if name == other {
			continue
		}

		if v := cs.counters[i].Load(); v > 0 {
			m[name] = v
		}
	}

	return m
}

// Stats exposes counters for messages by type and outcome, and for security
// denials by pipeline stage, following the metrics package's counter-vector
// pattern for Prometheus exposition, while also keeping an atomic in-process
// snapshot for the get_statistics() control-surface operation, which has no
// business depending on the Prometheus registry to answer a local query.
type Stats struct {
	messagesByType        *prometheus.CounterVec
	outcomesByType        *prometheus.CounterVec
	securityDeniesByStage *prometheus.CounterVec
	activeLeases          *prometheus.GaugeVec

	byMessageType  *counterSet
	byOutcome      *counterSet
	bySecurityKind *counterSet

	totalReceived atomic.Uint64
	totalDenied   atomic.Uint64
}

// NewStats builds a fresh Stats and registers its Prometheus metrics with
// registry.  If registry is nil, the metrics are left unregistered.
func NewStats(registry *prometheus.Registry) (s *Stats) {
	s = &Stats{
		messagesByType: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dhcpd_messages_total",
			Help: "Total number of DHCP messages received, by message type.",
		}, []string{"type"}),
		outcomesByType: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dhcpd_outcomes_total",
			Help: "Total number of handled messages, by message type and outcome.",
		}, []string{"type", "outcome"}),
		securityDeniesByStage: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dhcpd_security_denies_total",
			Help: "Total number of security-gate denials, by pipeline stage.",
		}, []string{"stage"}),
		activeLeases: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dhcpd_active_leases",
			Help: "Number of currently active leases, by subnet.",
		}, []string{"subnet"}),
		byMessageType:  newCounterSet(dhcpMessageTypeNames),
		byOutcome:      newCounterSet(outcomeNames),
		bySecurityKind: newCounterSet(securityKindNames),
	}

	if registry != nil {
		registry.MustRegister(s.messagesByType, s.outcomesByType, s.securityDeniesByStage, s.activeLeases)
	}

	return s
}

// recordMessage records a received message of the given DHCP message type
// name (e.g. "DISCOVER").
func (s *Stats) recordMessage(msgType string) {
	s.messagesByType.WithLabelValues(msgType).Inc()
	s.totalReceived.Add(1)
	s.byMessageType.inc(msgType)
}

// recordOutcome records a handled message of msgType with the given outcome
// (e.g. "offered", "acked", "nacked", "denied", "dropped").
func (s *Stats) recordOutcome(msgType, outcome string) {
	s.outcomesByType.WithLabelValues(msgType, outcome).Inc()
	s.byOutcome.inc(outcome)
}

// recordSecurityDeny records a security-gate denial at the given pipeline
// stage.
func (s *Stats) recordSecurityDeny(stage string) {
	s.securityDeniesByStage.WithLabelValues(stage).Inc()
	s.totalDenied.Add(1)
	s.bySecurityKind.inc(stage)
}

// setActiveLeases sets the active-lease gauge for a subnet.
func (s *Stats) setActiveLeases(subnet string, n int) {
	s.activeLeases.WithLabelValues(subnet).Set(float64(n))
}

// Snapshot is a point-in-time rendering of Stats, returned by the
// get_statistics() control-surface operation.
type Snapshot struct {
	TotalReceived  uint64
	TotalDenied    uint64
	ByMessageType  map[string]uint64
	ByOutcome      map[string]uint64
	BySecurityKind map[string]uint64
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() (snap Snapshot) {
	return Snapshot{
		TotalReceived:  s.totalReceived.Load(),
		TotalDenied:    s.totalDenied.Load(),
		ByMessageType:  s.byMessageType.snapshot(),
		ByOutcome:      s.byOutcome.snapshot(),
		BySecurityKind: s.bySecurityKind.snapshot(),
	}
}
