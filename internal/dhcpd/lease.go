package dhcpd

import (
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/timeutil"
)

// leaseExpireStatic is the Expiry value used to mark a lease as static.
//
// TODO(e.burkov): Remove it when static leases determining mechanism will be
// improved.
const leaseExpireStatic = 1

// LeaseState describes the lifecycle state of a dynamic lease.
type LeaseState uint8

// LeaseState values.
const (
	LeaseStateFree LeaseState = iota
	LeaseStateOffered
	LeaseStateBound
	LeaseStateExpired
)

// Lease contains the necessary information about a DHCP lease.
type Lease struct {
	// Expiry is the expiration time of the lease.  The unix timestamp value
	// of leaseExpireStatic means that this is a static lease.
	Expiry time.Time `json:"expires"`

	// Hostname is the normalized client hostname, if any.
	Hostname string `json:"hostname"`

	// HWAddr is the client's hardware address.
	HWAddr net.HardwareAddr `json:"mac"`

	// IP is the leased IPv4 address.
	IP netip.Addr `json:"ip"`

	// ClientID is the DHCP client identifier (option 61), if the client
	// sent one.
	ClientID string `json:"client_id,omitempty"`

	// Subnet is the name of the subnet this lease belongs to.
	Subnet string `json:"subnet"`

	// State is the lifecycle state of the lease.  It is not persisted;
	// reloaded leases are always treated as Bound (or, for static leases,
	// left permanently bound).
	State LeaseState `json:"-"`
}

// Clone returns a deep copy of l.
func (l *Lease) Clone() (clone *Lease) {
	if l == nil {
		return nil
	}

	return &Lease{
		Expiry:   l.Expiry,
		Hostname: l.Hostname,
		HWAddr:   cloneMAC(l.HWAddr),
		IP:       l.IP,
		ClientID: l.ClientID,
		Subnet:   l.Subnet,
		State:    l.State,
	}
}

// IsStatic returns true if the lease is static.
func (l *Lease) IsStatic() (ok bool) {
	return l != nil && l.Expiry.Unix() == leaseExpireStatic
}

// IsBlocklisted returns true if the lease is a declined-address placeholder:
// an all-zero hardware address marking an address as unusable.
func (l *Lease) IsBlocklisted() (ok bool) {
	return !validMAC(l.HWAddr)
}

// updateExpiry advances the lease's Expiry to now+ttl, using clock for the
// current time so that tests can inject a deterministic clock.
func (l *Lease) updateExpiry(clock timeutil.Clock, ttl time.Duration) {
	l.Expiry = clock.Now().Add(ttl)
}

// MarshalJSON implements the json.Marshaler interface for Lease.
func (l Lease) MarshalJSON() ([]byte, error) {
	var expiryStr string
	if !l.IsStatic() {
		expiryStr = l.Expiry.Format(time.RFC3339)
	}

	type lease Lease
	return json.Marshal(&struct {
		HWAddr string `json:"mac"`
		Expiry string `json:"expires,omitempty"`
		lease
	}{
		HWAddr: l.HWAddr.String(),
		Expiry: expiryStr,
		lease:  lease(l),
	})
}

// UnmarshalJSON implements the json.Unmarshaler interface for *Lease.
func (l *Lease) UnmarshalJSON(data []byte) (err error) {
	type lease Lease
	aux := struct {
		*lease
		HWAddr string `json:"mac"`
	}{
		lease: (*lease)(l),
	}

	if err = json.Unmarshal(data, &aux); err != nil {
		return err
	}

	l.HWAddr, err = net.ParseMAC(aux.HWAddr)
	if err != nil {
		return fmt.Errorf("parsing hardware address: %w", err)
	}

	return nil
}

// Reservation is a static (reserved) lease configured ahead of time for a
// known client.
type Reservation struct {
	// HWAddr is the client's hardware address.
	HWAddr net.HardwareAddr

	// IP is the reserved IPv4 address.
	IP netip.Addr

	// Hostname is the hostname assigned to the reservation.
	Hostname string

	// Options holds reservation-level option overrides.
	Options OptionSet
}

// ClientIdentity groups the fields that uniquely identify a client for the
// purposes of lease lookup: a MAC address (and, when present, a DHCP client
// identifier) is only unique for allocation purposes within a single subnet,
// since this server can serve several subnets at once.
type ClientIdentity struct {
	Subnet   string
	MAC      string
	ClientID string
}

// DeclinedEntry records a client-declined address and the time its
// quarantine period ends.
type DeclinedEntry struct {
	IP          netip.Addr
	DeclinedAt  time.Time
	QuarantineT time.Time
}
