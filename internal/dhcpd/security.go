package dhcpd

import (
	"crypto/hmac"
	"crypto/sha256"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/container"
	"github.com/insomniacslk/dhcp/dhcpv4"
)

// SecurityEventLevel is the severity of a SecurityEvent.
type SecurityEventLevel uint8

// SecurityEventLevel values.
const (
	SeverityLow SecurityEventLevel = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// SecurityEventKind identifies which pipeline stage produced a deny.
type SecurityEventKind string

// SecurityEventKind values, one per admit() pipeline stage.
const (
	EventSnooping   SecurityEventKind = "snooping"
	EventMACFilter  SecurityEventKind = "mac_filter"
	EventIPFilter   SecurityEventKind = "ip_filter"
	EventRateLimit  SecurityEventKind = "rate_limit"
	EventOption82   SecurityEventKind = "option82"
	EventAuth       SecurityEventKind = "authentication"
)

// SecurityEvent records a single admission decision's denial.
type SecurityEvent struct {
	Kind       SecurityEventKind
	Level      SecurityEventLevel
	ClientMAC  net.HardwareAddr
	ClientIP   netip.Addr
	Interface  string
	Timestamp  time.Time
	Metadata   string
}

// SecurityGate implements the ordered predicate pipeline from spec.md §4.4:
// snooping, MAC filter, IP filter, rate limit, Option 82, authentication.
type SecurityGate struct {
	conf SecurityConfig

	mu    sync.RWMutex
	rules SecurityConfig // live, mutable copy of filter/rate-limit rule lists

	rateLimiter *rateLimiter
	events      *container.RingBuffer[*SecurityEvent]
}

// NewSecurityGate builds a gate from conf.  conf must already have passed
// Validate().
func NewSecurityGate(conf SecurityConfig) (g *SecurityGate) {
	return &SecurityGate{
		conf:        conf,
		rules:       conf,
		rateLimiter: newRateLimiter(),
		events:      container.NewRingBuffer[*SecurityEvent](conf.EventBufferSize),
	}
}

// admitCtx carries the per-message facts the pipeline stages need.
type admitCtx struct {
	msg          *dhcpv4.DHCPv4
	iface        string
	mac          net.HardwareAddr
	requestedIP  netip.Addr
	giaddr       netip.Addr
}

// Admit runs the ordered pipeline over msg received on iface.  It returns
// Allow/Deny and, on Deny, records a SecurityEvent and returns the stage
// that produced it.
func (g *SecurityGate) Admit(msg *dhcpv4.DHCPv4, iface string) (allow bool, kind SecurityEventKind) {
	ctx := admitCtx{
		msg:   msg,
		iface: iface,
		mac:   msg.ClientHWAddr,
	}

	if ip, ok := netip.AddrFromSlice(msg.GatewayIPAddr.To4()); ok {
		ctx.giaddr = ip
	}
	if reqIP := msg.RequestedIPAddress(); reqIP != nil {
		if ip, ok := netip.AddrFromSlice(reqIP.To4()); ok {
			ctx.requestedIP = ip
		}
	}

	g.mu.RLock()
	rules := g.rules
	g.mu.RUnlock()

	for _, stage := range []func(admitCtx, SecurityConfig) *SecurityEvent{
		g.checkSnooping,
		g.checkMACFilter,
		g.checkIPFilter,
		g.checkRateLimit,
		g.checkOption82,
		g.checkAuth,
	} {
		if ev := stage(ctx, rules); ev != nil {
			g.record(ev)

			return false, ev.Kind
		}
	}

	return true, ""
}

// record appends ev to the bounded event history.
func (g *SecurityGate) record(ev *SecurityEvent) {
	ev.Timestamp = time.Now()
	g.events.Push(ev)
}

// Events returns a snapshot of retained security events, most recent last.
func (g *SecurityGate) Events() (evs []*SecurityEvent) {
	g.events.Range(func(ev *SecurityEvent) (cont bool) {
		evs = append(evs, ev)

		return true
	})

	return evs
}

func (g *SecurityGate) checkSnooping(ctx admitCtx, rules SecurityConfig) *SecurityEvent {
	sn := rules.Snooping
	if !sn.Enabled {
		return nil
	}

	for _, trusted := range sn.TrustedInterfaces {
		if trusted == ctx.iface {
			return nil
		}
	}

	return &SecurityEvent{
		Kind:      EventSnooping,
		Level:     SeverityHigh,
		ClientMAC: ctx.mac,
		Interface: ctx.iface,
		Metadata:  "untrusted interface",
	}
}

func (g *SecurityGate) checkMACFilter(ctx admitCtx, rules SecurityConfig) *SecurityEvent {
	mf := rules.MACFilter
	mac := formatMAC(ctx.mac)

	for _, r := range mf.Rules {
		if !r.Expires.IsZero() && time.Now().After(r.Expires) {
			continue
		}

		if matchMACPattern(r.Pattern, mac) {
			if r.Allow {
				return nil
			}

			return &SecurityEvent{
				Kind:      EventMACFilter,
				Level:     SeverityLow,
				ClientMAC: ctx.mac,
				Interface: ctx.iface,
				Metadata:  r.Pattern,
			}
		}
	}

	if mf.Mode == MACFilterAllowListOnly {
		return &SecurityEvent{
			Kind:      EventMACFilter,
			Level:     SeverityLow,
			ClientMAC: ctx.mac,
			Interface: ctx.iface,
			Metadata:  "no matching allow rule",
		}
	}

	return nil
}

// matchMACPattern reports whether mac (canonical lower-case form) matches
// pattern, which may end in "*" for a prefix match.
func matchMACPattern(pattern, mac string) (ok bool) {
	pattern = strings.ToLower(pattern)
	mac = strings.ToLower(mac)

	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(mac, strings.TrimSuffix(pattern, "*"))
	}

	return pattern == mac
}

func (g *SecurityGate) checkIPFilter(ctx admitCtx, rules SecurityConfig) *SecurityEvent {
	target := ctx.requestedIP
	if !target.IsValid() {
		target = ctx.giaddr
	}
	if !target.IsValid() {
		return nil
	}

	for _, r := range rules.IPFilter.Rules {
		if !r.Expires.IsZero() && time.Now().After(r.Expires) {
			continue
		}

		if !r.IP.IsValid() {
			continue
		}

		bits, err := maskLen(r.Mask)
		if err != nil {
			continue
		}

		prefix := netip.PrefixFrom(r.IP, bits)
		if prefix.Contains(target) {
			if r.Allow {
				return nil
			}

			return &SecurityEvent{
				Kind:      EventIPFilter,
				Level:     SeverityLow,
				ClientMAC: ctx.mac,
				ClientIP:  target,
				Interface: ctx.iface,
				Metadata:  prefix.String(),
			}
		}
	}

	return nil
}

func (g *SecurityGate) checkRateLimit(ctx admitCtx, rules SecurityConfig) *SecurityEvent {
	now := time.Now()

	for _, r := range rules.RateLimit.Rules {
		var id string
		switch r.IdentifierType {
		case RateLimitByMAC:
			id = formatMAC(ctx.mac)
		case RateLimitByIP:
			id = ctx.requestedIP.String()
		case RateLimitByInterface:
			id = ctx.iface
		default:
			continue
		}

		if r.Identifier != "" && r.Identifier != "*" && r.Identifier != id {
			continue
		}

		if !g.rateLimiter.allow(string(r.IdentifierType)+":"+id, r, now) {
			return &SecurityEvent{
				Kind:      EventRateLimit,
				Level:     SeverityMedium,
				ClientMAC: ctx.mac,
				Interface: ctx.iface,
				Metadata:  id,
			}
		}
	}

	return nil
}

func (g *SecurityGate) checkOption82(ctx admitCtx, rules SecurityConfig) *SecurityEvent {
	o82 := rules.Option82
	if !o82.Enabled {
		return nil
	}

	required := len(o82.RequiredInterfaces) == 0
	for _, iface := range o82.RequiredInterfaces {
		if iface == ctx.iface {
			required = true

			break
		}
	}
	if !required {
		return nil
	}

	const relayAgentInfoCode = 82
	data := ctx.msg.Options[relayAgentInfoCode]
	if len(data) == 0 {
		return &SecurityEvent{
			Kind:      EventOption82,
			Level:     SeverityLow,
			ClientMAC: ctx.mac,
			Interface: ctx.iface,
			Metadata:  "missing relay agent information",
		}
	}

	if len(o82.TrustedAgents) == 0 {
		return nil
	}

	circuitID, remoteID := decodeOption82(data)
	for _, agent := range o82.TrustedAgents {
		if agent.CircuitID == string(circuitID) && agent.RemoteID == string(remoteID) {
			return nil
		}
	}

	return &SecurityEvent{
		Kind:      EventOption82,
		Level:     SeverityLow,
		ClientMAC: ctx.mac,
		Interface: ctx.iface,
		Metadata:  "untrusted relay agent",
	}
}

func (g *SecurityGate) checkAuth(ctx admitCtx, rules SecurityConfig) *SecurityEvent {
	auth := rules.Authentication
	if !auth.Enabled {
		return nil
	}

	mac := formatMAC(ctx.mac)
	key, ok := auth.ClientCredentials[mac]
	if !ok {
		key = auth.Key
	}

	const authOptionCode = 90
	sent := ctx.msg.Options[authOptionCode]
	if len(sent) == 0 {
		return &SecurityEvent{
			Kind:      EventAuth,
			Level:     SeverityCritical,
			ClientMAC: ctx.mac,
			Interface: ctx.iface,
			Metadata:  "missing authentication option",
		}
	}

	expected := canonicalHMAC(ctx.msg, key)
	if !hmac.Equal(expected, sent) {
		return &SecurityEvent{
			Kind:      EventAuth,
			Level:     SeverityCritical,
			ClientMAC: ctx.mac,
			Interface: ctx.iface,
			Metadata:  "hmac mismatch",
		}
	}

	return nil
}

// canonicalHMAC computes HMAC-SHA-256 over the canonical byte range of msg
// (transaction ID, client hardware address and requested IP) using key.
func canonicalHMAC(msg *dhcpv4.DHCPv4, key string) (mac []byte) {
	h := hmac.New(sha256.New, []byte(key))
	h.Write(msg.TransactionID[:])
	h.Write(msg.ClientHWAddr)
	if reqIP := msg.RequestedIPAddress(); reqIP != nil {
		h.Write(reqIP.To4())
	}

	return h.Sum(nil)
}
