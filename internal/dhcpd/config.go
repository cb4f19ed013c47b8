package dhcpd

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
)

// ConflictStrategy selects how the lease store resolves a static reservation
// claiming an IP already held by a dynamic lease.
type ConflictStrategy string

// ConflictStrategy values.
const (
	ConflictReject  ConflictStrategy = "REJECT"
	ConflictReplace ConflictStrategy = "REPLACE"
	ConflictExtend  ConflictStrategy = "EXTEND"
)

// Config is the top-level, immutable configuration consumed by the core.
// The config layer (JSON/YAML/INI parsing, CLI, daemonization) is out of
// scope; the core only ever sees an already-built Config value.
type Config struct {
	// ListenAddresses are the "address:port" pairs to bind, one UDP socket
	// per entry.
	ListenAddresses []string `yaml:"listen_addresses"`

	// Subnets are the subnets served by this daemon.
	Subnets []*SubnetConfig `yaml:"subnets"`

	// GlobalOptions are option overrides applied before any subnet or
	// reservation override.
	GlobalOptions OptionSet `yaml:"global_options"`

	// MaxLeases is a hard cap on the number of simultaneously live leases
	// across all subnets.  Zero means unlimited.
	MaxLeases int `yaml:"max_leases"`

	// LeaseFile is the path to the persistent lease database.
	LeaseFile string `yaml:"lease_file"`

	// EnableSecurity toggles the entire security gate.
	EnableSecurity bool `yaml:"enable_security"`

	// Security holds the security-gate configuration.
	Security SecurityConfig `yaml:"security"`

	// Lease holds lease-store tunables.
	Lease LeaseConfig `yaml:"lease"`
}

// LeaseConfig groups the lease store's tunables.
type LeaseConfig struct {
	ConflictStrategy ConflictStrategy `yaml:"conflict_strategy"`

	// QuarantineSeconds is the decline quarantine period.
	QuarantineSeconds uint32 `yaml:"quarantine_seconds"`

	// OfferTimeoutSeconds bounds how long an OFFERED lease survives
	// without a confirming REQUEST.
	OfferTimeoutSeconds uint32 `yaml:"offer_timeout_seconds"`

	// AutoSaveIntervalSeconds is the minimum interval between persistence
	// writes triggered by state transitions.
	AutoSaveIntervalSeconds uint32 `yaml:"auto_save_interval_seconds"`

	// SweepIntervalSeconds is the interval of the expiry/quarantine sweep.
	SweepIntervalSeconds uint32 `yaml:"sweep_interval_seconds"`
}

// defaultQuarantine is the default decline quarantine period.  See the Open
// Questions discussion in DESIGN.md.
const defaultQuarantine = 600 * time.Second

// defaultOfferTimeout is the default time an OFFERED lease survives without a
// confirming REQUEST.
const defaultOfferTimeout = 60 * time.Second

// defaultAutoSaveInterval is the default minimum interval between persistence
// writes.
const defaultAutoSaveInterval = 60 * time.Second

// defaultSweepInterval is the default interval of the background sweep.
const defaultSweepInterval = 30 * time.Second

// SubnetConfig is the configuration for a single served subnet.
type SubnetConfig struct {
	Name string `yaml:"name"`

	GatewayIP  netip.Addr `yaml:"gateway"`
	SubnetMask netip.Addr `yaml:"subnet_mask"`

	// ServerIP is this server's own address on the interface serving this
	// subnet: the siaddr of every response and the value compared against
	// a SELECTING REQUEST's server-identifier option.  It defaults to
	// GatewayIP when left unset, which holds for the common case of the
	// DHCP server running on the gateway itself.
	ServerIP netip.Addr `yaml:"server_ip"`

	RangeStart netip.Addr `yaml:"range_start"`
	RangeEnd   netip.Addr `yaml:"range_end"`

	DNSServers []netip.Addr `yaml:"dns_servers"`
	DomainName string       `yaml:"domain_name"`

	LeaseTime    uint32 `yaml:"lease_time"`
	MaxLeaseTime uint32 `yaml:"max_lease_time"`

	Options OptionSet `yaml:"options"`

	Reservations []*Reservation `yaml:"reservations"`

	// Exclusions are IPv4 ranges within the pool that must never be
	// allocated dynamically.
	Exclusions []ExclusionRange `yaml:"exclusions"`

	// InterfaceName is the local interface this subnet is reachable
	// through, used for subnet selection when giaddr is zero.
	InterfaceName string `yaml:"interface_name"`

	// computed at Validate() time.
	subnet      netip.Prefix
	broadcastIP netip.Addr
	ipRange     *ipRange
	leaseTime   time.Duration
	maxLease    time.Duration
}

// ExclusionRange is an inclusive range of addresses excluded from dynamic
// allocation.
type ExclusionRange struct {
	Start netip.Addr `yaml:"start"`
	End   netip.Addr `yaml:"end"`
}

// Validate checks c for internal consistency and fills in fields derived
// from the configured values (subnet prefix, broadcast address, IP range).
func (c *Config) Validate() (err error) {
	defer func() { err = errors.Annotate(err, "validating config: %w") }()

	if c == nil {
		return ErrNilConfig
	}

	if len(c.Subnets) == 0 {
		return fmt.Errorf("at least one subnet is required")
	}

	names := make(map[string]bool, len(c.Subnets))
	for _, sn := range c.Subnets {
		if names[sn.Name] {
			return fmt.Errorf("duplicate subnet name %q", sn.Name)
		}
		names[sn.Name] = true

		if err = sn.Validate(); err != nil {
			return fmt.Errorf("subnet %q: %w", sn.Name, err)
		}
	}

	sets := []OptionSet{c.GlobalOptions}
	for _, sn := range c.Subnets {
		sets = append(sets, sn.Options)
		for _, res := range sn.Reservations {
			sets = append(sets, res.Options)
		}
	}
	for _, set := range sets {
		for _, s := range set {
			if _, err = parseOption(s); err != nil {
				return fmt.Errorf("option %q: %w", s, err)
			}
		}
	}

	switch c.Lease.ConflictStrategy {
	case "":
		c.Lease.ConflictStrategy = ConflictReplace
	case ConflictReject, ConflictReplace, ConflictExtend:
		// Valid.
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedConflictPolicy, c.Lease.ConflictStrategy)
	}

	if c.Lease.QuarantineSeconds == 0 {
		c.Lease.QuarantineSeconds = uint32(defaultQuarantine.Seconds())
	}
	if c.Lease.OfferTimeoutSeconds == 0 {
		c.Lease.OfferTimeoutSeconds = uint32(defaultOfferTimeout.Seconds())
	}
	if c.Lease.AutoSaveIntervalSeconds == 0 {
		c.Lease.AutoSaveIntervalSeconds = uint32(defaultAutoSaveInterval.Seconds())
	}
	if c.Lease.SweepIntervalSeconds == 0 {
		c.Lease.SweepIntervalSeconds = uint32(defaultSweepInterval.Seconds())
	}

	return c.Security.Validate()
}

// Validate checks sn for internal consistency, deriving subnet, broadcastIP,
// ipRange, leaseTime and maxLease.
func (sn *SubnetConfig) Validate() (err error) {
	if sn == nil {
		return ErrNilConfig
	}

	gatewayIP, err := ensureV4(sn.GatewayIP, "gateway")
	if err != nil {
		return err
	}

	mask, err := ensureV4(sn.SubnetMask, "subnet mask")
	if err != nil {
		return err
	}

	bits, err := maskLen(mask)
	if err != nil {
		return err
	}

	sn.subnet = netip.PrefixFrom(gatewayIP, bits).Masked()
	sn.broadcastIP = broadcastAddr(sn.subnet)

	if sn.ServerIP.IsValid() {
		sn.ServerIP, err = ensureV4(sn.ServerIP, "server_ip")
		if err != nil {
			return err
		}
	} else {
		sn.ServerIP = gatewayIP
	}

	rangeStart, err := ensureV4(sn.RangeStart, "range_start")
	if err != nil {
		return err
	}

	rangeEnd, err := ensureV4(sn.RangeEnd, "range_end")
	if err != nil {
		return err
	}

	sn.ipRange, err = newIPRange(rangeStart, rangeEnd)
	if err != nil {
		return err
	}

	if !sn.subnet.Contains(rangeStart) {
		return fmt.Errorf("range start %v is outside network %v", sn.RangeStart, sn.subnet)
	}
	if !sn.subnet.Contains(rangeEnd) {
		return fmt.Errorf("range end %v is outside network %v", sn.RangeEnd, sn.subnet)
	}

	if sn.LeaseTime == 0 {
		return fmt.Errorf("lease_time must be non-zero")
	}
	sn.leaseTime = time.Duration(sn.LeaseTime) * time.Second

	maxLease := sn.MaxLeaseTime
	if maxLease == 0 {
		maxLease = sn.LeaseTime
	}
	sn.maxLease = time.Duration(maxLease) * time.Second

	for _, r := range sn.Reservations {
		if len(r.HWAddr) == 0 {
			return fmt.Errorf("reservation missing hardware address")
		}
		if !r.IP.IsValid() {
			return fmt.Errorf("reservation for %s missing ip", r.HWAddr)
		}
	}

	return nil
}

// SecurityConfig is the configuration for the security gate (C4).
type SecurityConfig struct {
	Snooping      SnoopingConfig      `yaml:"dhcp_snooping"`
	MACFilter     MACFilterConfig     `yaml:"mac_filter"`
	IPFilter      IPFilterConfig      `yaml:"ip_filter"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Option82      Option82Config      `yaml:"option82"`
	Authentication AuthConfig         `yaml:"authentication"`

	// EventBufferSize bounds the retained SecurityEvent history.
	EventBufferSize int `yaml:"event_buffer_size"`
}

// defaultEventBufferSize is the default bounded SecurityEvent ring buffer
// capacity.
const defaultEventBufferSize = 10_000

// Validate normalizes sc, filling in defaults.
func (sc *SecurityConfig) Validate() (err error) {
	if sc.EventBufferSize <= 0 {
		sc.EventBufferSize = defaultEventBufferSize
	}

	for i, r := range sc.MACFilter.Rules {
		if _, err = net.ParseMAC(normalizeMACPattern(r.Pattern)); err != nil && !isMACWildcard(r.Pattern) {
			return fmt.Errorf("mac_filter.rules[%d]: invalid pattern %q", i, r.Pattern)
		}
	}

	switch sc.MACFilter.Mode {
	case "", MACFilterAllow, MACFilterDeny, MACFilterAllowListOnly:
		// Valid.
	default:
		return fmt.Errorf("mac_filter.mode: unknown mode %q", sc.MACFilter.Mode)
	}

	return nil
}

// SnoopingConfig configures DHCP snooping (security gate stage 1).
type SnoopingConfig struct {
	Enabled           bool     `yaml:"enabled"`
	TrustedInterfaces []string `yaml:"trusted_interfaces"`
}

// MACFilterMode selects the default action for the MAC filter stage.
type MACFilterMode string

// MACFilterMode values.
const (
	MACFilterAllow         MACFilterMode = "allow"
	MACFilterDeny          MACFilterMode = "deny"
	MACFilterAllowListOnly MACFilterMode = "allow-list-only"
)

// MACFilterConfig configures the MAC filter stage.
type MACFilterConfig struct {
	Mode  MACFilterMode   `yaml:"mode"`
	Rules []MacFilterRule `yaml:"rules"`
}

// MacFilterRule is a single MAC-filter predicate.
type MacFilterRule struct {
	Pattern string    `yaml:"pattern"`
	Allow   bool       `yaml:"allow"`
	Expires time.Time `yaml:"expires"`
}

// IPFilterConfig configures the IP filter stage.
type IPFilterConfig struct {
	Rules []IpFilterRule `yaml:"rules"`
}

// IpFilterRule is a single IP-filter predicate.
type IpFilterRule struct {
	IP      netip.Addr `yaml:"ip"`
	Mask    netip.Addr `yaml:"mask"`
	Allow   bool       `yaml:"allow"`
	Expires time.Time  `yaml:"expires"`
}

// RateLimitIdentifierType selects which part of an inbound message a rate
// limit rule keys on.
type RateLimitIdentifierType string

// RateLimitIdentifierType values.
const (
	RateLimitByMAC       RateLimitIdentifierType = "mac"
	RateLimitByIP        RateLimitIdentifierType = "ip"
	RateLimitByInterface RateLimitIdentifierType = "interface"
)

// RateLimitConfig configures the rate-limit stage.
type RateLimitConfig struct {
	Rules []RateLimitRule `yaml:"rules"`
}

// RateLimitRule is a single sliding-window rate-limit rule.
type RateLimitRule struct {
	Identifier     string                  `yaml:"identifier"`
	IdentifierType RateLimitIdentifierType `yaml:"identifier_type"`
	MaxRequests    int                     `yaml:"max_requests"`
	WindowSeconds  uint32                  `yaml:"window_s"`
	BlockSeconds   uint32                  `yaml:"block_s"`
}

// Option82Config configures relay-agent-information validation.
type Option82Config struct {
	Enabled             bool             `yaml:"enabled"`
	RequiredInterfaces  []string         `yaml:"required_interfaces"`
	TrustedAgents       []TrustedAgent   `yaml:"trusted_agents"`
}

// TrustedAgent is a (circuit-id, remote-id) pair allowed through the Option
// 82 stage when a trust list is configured.
type TrustedAgent struct {
	CircuitID string `yaml:"circuit_id"`
	RemoteID  string `yaml:"remote_id"`
}

// AuthConfig configures the optional HMAC authentication stage.
type AuthConfig struct {
	Enabled           bool                        `yaml:"enabled"`
	Key               string                      `yaml:"key"`
	ClientCredentials map[string]string           `yaml:"client_credentials"`
}

// normalizeMACPattern lower-cases a MAC pattern for comparison.
func normalizeMACPattern(p string) (norm string) {
	return strings.ToLower(p)
}

// isMACWildcard reports whether p contains a trailing wildcard such as
// "00:11:22:*".
func isMACWildcard(p string) (ok bool) {
	return len(p) > 0 && p[len(p)-1] == '*'
}
