package dhcpd

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/timeutil"
)

// LeaseStore is the dual-indexed, concurrency-safe lease table described in
// spec.md §4.3, generalized from the teacher's per-interface v4Server
// (internal/dhcpd/v4_unix.go) to serve several subnets from one store.
//
// A single mutex guards both indexes and the declined table together, so a
// reader of one index never needs the other to finish its operation, per
// spec.md §5's shared-resource policy.
type LeaseStore struct {
	conf  LeaseConfig
	clock timeutil.Clock

	mu        sync.Mutex
	byMAC     map[ClientIdentity]*Lease
	byIP      map[string]*Lease // key: subnet name + "/" + ip
	declined  map[string]*DeclinedEntry
	dirty     bool
	maxLeases int

	subnets map[string]*SubnetConfig

	// leased tracks, per subnet, which pool offsets are currently leased, so
	// the pool scan in Allocate can skip known-taken offsets without
	// re-checking exclusions, quarantine and reservations for each one.
	leased map[string]*bitSet
}

// NewLeaseStore builds an empty store for the given subnets.
func NewLeaseStore(conf LeaseConfig, maxLeases int, subnets []*SubnetConfig, clock timeutil.Clock) (s *LeaseStore) {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}

	byName := make(map[string]*SubnetConfig, len(subnets))
	leased := make(map[string]*bitSet, len(subnets))
	for _, sn := range subnets {
		byName[sn.Name] = sn
		leased[sn.Name] = newBitSet()
	}

	return &LeaseStore{
		conf:      conf,
		clock:     clock,
		byMAC:     make(map[ClientIdentity]*Lease),
		byIP:      make(map[string]*Lease),
		declined:  make(map[string]*DeclinedEntry),
		maxLeases: maxLeases,
		subnets:   byName,
		leased:    leased,
	}
}

// ipKey builds the byIP map key for subnet sn and address ip.
func ipKey(sn string, ip netip.Addr) (key string) {
	return sn + "/" + ip.String()
}

// markLeasedLocked sets or clears ip's bit in sn's leased offset tracker.
// Callers must hold s.mu.
func (s *LeaseStore) markLeasedLocked(sn *SubnetConfig, ip netip.Addr, on bool) {
	off, ok := sn.ipRange.offset(ip)
	if !ok {
		return
	}

	bs := s.leased[sn.Name]
	if bs == nil {
		bs = newBitSet()
		s.leased[sn.Name] = bs
	}

	bs.set(off, on)
}

// Allocate implements the allocation algorithm of spec.md §4.3: reservation
// dominance, idempotent re-offer, requested-IP honoring, and linear pool
// scan with exclusion/quarantine skipping.
func (s *LeaseStore) Allocate(
	mac net.HardwareAddr,
	clientID string,
	requestedIP netip.Addr,
	sn *SubnetConfig,
) (l *Lease, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	ident := ClientIdentity{Subnet: sn.Name, MAC: formatMAC(mac), ClientID: clientID}

	if res := findReservation(sn, mac); res != nil {
		return s.commitReservationLocked(ident, res, sn, now)
	}

	if existing, ok := s.byMAC[ident]; ok && !existing.IsStatic() {
		t1 := existing.Expiry.Add(-sn.leaseTime / 2)
		if now.Before(t1) {
			return existing, nil
		}
	}

	if _, has := s.byMAC[ident]; !has && s.maxLeases > 0 && len(s.byMAC) >= s.maxLeases {
		return nil, ErrPoolExhausted
	}

	if requestedIP.IsValid() && s.addressAvailableLocked(sn, requestedIP, ident) {
		return s.commitLeaseLocked(ident, requestedIP, sn, now), nil
	}

	leased := s.leased[sn.Name]
	ip, ok := sn.ipRange.find(func(cand netip.Addr) (avail bool) {
		if off, inRange := sn.ipRange.offset(cand); inRange && leased.isSet(off) {
			return false
		}

		return s.addressAvailableLocked(sn, cand, ident)
	})
	if !ok {
		return nil, ErrPoolExhausted
	}

	return s.commitLeaseLocked(ident, ip, sn, now), nil
}

// findReservation returns the static reservation for mac in sn, if any.
func findReservation(sn *SubnetConfig, mac net.HardwareAddr) (r *Reservation) {
	for _, res := range sn.Reservations {
		if res.HWAddr.String() == mac.String() {
			return res
		}
	}

	return nil
}

// addressAvailableLocked reports whether ip can be allocated to ident within
// sn: not excluded, not quarantined, and either unassigned or already
// assigned to ident.  Callers must hold s.mu.
func (s *LeaseStore) addressAvailableLocked(sn *SubnetConfig, ip netip.Addr, ident ClientIdentity) (ok bool) {
	for _, ex := range sn.Exclusions {
		if r, err := newIPRange(ex.Start, ex.End); err == nil && r.contains(ip) {
			return false
		}
	}

	if d, declined := s.declined[ipKey(sn.Name, ip)]; declined {
		if s.clock.Now().Before(d.QuarantineT) {
			return false
		}

		delete(s.declined, ipKey(sn.Name, ip))
	}

	if existing, ok := s.byIP[ipKey(sn.Name, ip)]; ok {
		return existing.HWAddr.String() == ident.MAC
	}

	for _, res := range sn.Reservations {
		if res.IP == ip && res.HWAddr.String() != ident.MAC {
			return false
		}
	}

	return true
}

// commitReservationLocked builds the lease for a static reservation,
// resolving any conflicting dynamic lease per the configured conflict
// strategy (spec.md §4.3): REPLACE evicts it and hands the IP to the
// reservation; REJECT leaves it in place and refuses the reservation this
// round; EXTEND leaves it in place but renews its expiry, deferring the
// conflict rather than resolving it.  Callers must hold s.mu.
func (s *LeaseStore) commitReservationLocked(
	ident ClientIdentity,
	res *Reservation,
	sn *SubnetConfig,
	now time.Time,
) (l *Lease, err error) {
	key := ipKey(sn.Name, res.IP)
	if existing, ok := s.byIP[key]; ok && existing.HWAddr.String() != ident.MAC {
		switch s.conf.ConflictStrategy {
		case ConflictReject:
			return nil, ErrReservationConflict
		case ConflictExtend:
			existing.Expiry = now.Add(sn.leaseTime)
			s.dirty = true

			return nil, ErrReservationConflict
		default:
			// ConflictReplace, and the empty value before Config.Validate
			// fills in the default.
			s.evictLocked(existing, sn)
		}
	}

	l = &Lease{
		Expiry:   time.Unix(leaseExpireStatic, 0),
		Hostname: res.Hostname,
		HWAddr:   cloneMAC(res.HWAddr),
		IP:       res.IP,
		ClientID: ident.ClientID,
		Subnet:   sn.Name,
		State:    LeaseStateBound,
	}

	s.byMAC[ident] = l
	s.byIP[key] = l
	s.markLeasedLocked(sn, res.IP, true)
	s.dirty = true

	return l, nil
}

// evictLocked removes a dynamic lease from both indexes.  Only the REPLACE
// conflict strategy reaches this; REJECT and EXTEND are resolved in
// commitReservationLocked before eviction would be considered.  Callers must
// hold s.mu.
func (s *LeaseStore) evictLocked(existing *Lease, sn *SubnetConfig) {
	delete(s.byIP, ipKey(sn.Name, existing.IP))
	delete(s.byMAC, ClientIdentity{Subnet: sn.Name, MAC: existing.HWAddr.String(), ClientID: existing.ClientID})
	s.markLeasedLocked(sn, existing.IP, false)
}

// commitLeaseLocked creates or replaces the dynamic lease for ident at ip.
// Callers must hold s.mu.
func (s *LeaseStore) commitLeaseLocked(ident ClientIdentity, ip netip.Addr, sn *SubnetConfig, now time.Time) (l *Lease) {
	mac, _ := net.ParseMAC(ident.MAC)

	l = &Lease{
		Expiry:   now.Add(sn.leaseTime),
		HWAddr:   mac,
		IP:       ip,
		ClientID: ident.ClientID,
		Subnet:   sn.Name,
		State:    LeaseStateOffered,
	}

	if old, ok := s.byMAC[ident]; ok {
		delete(s.byIP, ipKey(sn.Name, old.IP))
		if old.IP != ip {
			s.markLeasedLocked(sn, old.IP, false)
		}
	}

	s.byMAC[ident] = l
	s.byIP[ipKey(sn.Name, ip)] = l
	s.markLeasedLocked(sn, ip, true)
	s.dirty = true

	return l
}

// Commit promotes an OFFERED lease to ACTIVE/Bound on a confirming REQUEST.
func (s *LeaseStore) Commit(ident ClientIdentity) (l *Lease, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok = s.byMAC[ident]
	if !ok {
		return nil, false
	}

	l.State = LeaseStateBound
	s.dirty = true

	return l, true
}

// Renew implements spec.md §4.3's renew algorithm: extend expiry up to
// allocated_at+max_lease_time, capping rather than rejecting past that
// boundary.
func (s *LeaseStore) Renew(ident ClientIdentity, ip netip.Addr, sn *SubnetConfig) (l *Lease, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.byMAC[ident]
	if !ok || l.IP != ip {
		return nil, ErrNoLease
	}

	now := s.clock.Now()
	newExpiry := now.Add(sn.leaseTime)

	maxExpiry := s.originalAllocationLocked(l, sn).Add(sn.maxLease)
	if newExpiry.After(maxExpiry) {
		newExpiry = maxExpiry
	}

	l.Expiry = newExpiry
	l.State = LeaseStateBound
	s.dirty = true

	return l, nil
}

// originalAllocationLocked approximates the original allocation time for a
// lease as Expiry-leaseTime, since the store does not separately persist
// allocated_at once renewed; it is only used to bound renewal growth within
// one run.  Callers must hold s.mu.
func (s *LeaseStore) originalAllocationLocked(l *Lease, sn *SubnetConfig) (allocatedAt time.Time) {
	return l.Expiry.Add(-sn.leaseTime)
}

// Release marks a lease RELEASED and frees both indexes.
func (s *LeaseStore) Release(ident ClientIdentity, sn *SubnetConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.byMAC[ident]
	if !ok {
		return
	}

	delete(s.byMAC, ident)
	delete(s.byIP, ipKey(sn.Name, l.IP))
	s.markLeasedLocked(sn, l.IP, false)
	s.dirty = true
}

// Decline marks ip DECLINED and moves it into quarantine for
// conf.QuarantineSeconds, per spec.md §4.3.
func (s *LeaseStore) Decline(ident ClientIdentity, ip netip.Addr, sn *SubnetConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.byMAC, ident)
	delete(s.byIP, ipKey(sn.Name, ip))
	s.markLeasedLocked(sn, ip, false)

	now := s.clock.Now()
	quarantine := time.Duration(s.conf.QuarantineSeconds) * time.Second
	if quarantine == 0 {
		quarantine = defaultQuarantine
	}

	s.declined[ipKey(sn.Name, ip)] = &DeclinedEntry{
		IP:          ip,
		DeclinedAt:  now,
		QuarantineT: now.Add(quarantine),
	}
	s.dirty = true
}

// Sweep implements the background expiry task of spec.md §4.3: ACTIVE/
// OFFERED leases past Expiry are freed, OFFERED leases are also freed once
// conf.OfferTimeoutSeconds has passed since the offer, and expired
// quarantine entries are dropped.
func (s *LeaseStore) Sweep() (expired int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()

	for ident, l := range s.byMAC {
		if l.IsStatic() {
			continue
		}

		expiry := l.Expiry
		if l.State == LeaseStateOffered && s.conf.OfferTimeoutSeconds > 0 {
			if sn, ok := s.subnets[l.Subnet]; ok {
				offerEnd := l.Expiry.Add(-sn.leaseTime).Add(time.Duration(s.conf.OfferTimeoutSeconds) * time.Second)
				if offerEnd.Before(expiry) {
					expiry = offerEnd
				}
			}
		}

		if now.After(expiry) {
			delete(s.byMAC, ident)
			delete(s.byIP, ipKey(l.Subnet, l.IP))
			if sn, ok := s.subnets[l.Subnet]; ok {
				s.markLeasedLocked(sn, l.IP, false)
			}
			s.dirty = true
			expired++
		}
	}

	for key, d := range s.declined {
		if now.After(d.QuarantineT) {
			delete(s.declined, key)
		}
	}

	return expired
}

// Find returns the lease for ident, if any.
func (s *LeaseStore) Find(ident ClientIdentity) (l *Lease, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok = s.byMAC[ident]

	return l, ok
}

// FindByIP returns the lease currently holding ip in sn, if any.
func (s *LeaseStore) FindByIP(sn string, ip netip.Addr) (l *Lease, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok = s.byIP[ipKey(sn, ip)]

	return l, ok
}

// AddStaticLease appends res to sn's reservations, rejecting duplicate
// hostnames or IPs within the subnet per ErrDupHostname/ErrDupIP.  The
// always-bound static lease itself is created by Allocate when the reserved
// client asks for an address.
func (s *LeaseStore) AddStaticLease(sn *SubnetConfig, res *Reservation) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range sn.Reservations {
		if existing.Hostname != "" && existing.Hostname == res.Hostname {
			return ErrDupHostname
		}
		if existing.IP == res.IP {
			return ErrDupIP
		}
	}

	sn.Reservations = append(sn.Reservations, res)

	return nil
}

// AllLeases returns a snapshot of every lease currently held, across all
// subnets.  Safe for concurrent use.
func (s *LeaseStore) AllLeases() (leases []*Lease) {
	s.mu.Lock()
	defer s.mu.Unlock()

	leases = make([]*Lease, 0, len(s.byMAC))
	for _, l := range s.byMAC {
		leases = append(leases, l.Clone())
	}

	return leases
}

// IsDirty reports whether the store has unsaved changes, and clears the
// flag as a side effect; intended for the persistence writer's polling loop.
func (s *LeaseStore) IsDirty() (dirty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirty = s.dirty
	s.dirty = false

	return dirty
}

// ResetLeases replaces all leases, static ones included, with leases, skipping
// dynamic leases that have already expired; used when restoring
// from the persistent database at startup.
func (s *LeaseStore) ResetLeases(leases []*Lease) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byMAC = make(map[ClientIdentity]*Lease, len(leases))
	s.byIP = make(map[string]*Lease, len(leases))
	for name := range s.subnets {
		s.leased[name] = newBitSet()
	}

	now := s.clock.Now()
	for _, l := range leases {
		if !l.IsStatic() && now.After(l.Expiry) {
			continue
		}

		ident := ClientIdentity{Subnet: l.Subnet, MAC: l.HWAddr.String(), ClientID: l.ClientID}
		s.byMAC[ident] = l
		s.byIP[ipKey(l.Subnet, l.IP)] = l
		if sn, ok := s.subnets[l.Subnet]; ok {
			s.markLeasedLocked(sn, l.IP, true)
		}
	}

	return nil
}

// errNotFound is returned internally when a subnet name does not resolve;
// it never escapes the package.
var errNotFound = errors.Error("subnet not found")

// subnetByName resolves sn by name.
func (s *LeaseStore) subnetByName(name string) (sn *SubnetConfig, err error) {
	sn, ok := s.subnets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errNotFound, name)
	}

	return sn, nil
}
