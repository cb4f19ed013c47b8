package dhcpd

import (
	"fmt"
	"math"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
)

// maxRangeLen is the maximum IP range length.  The bitset used by pools only
// accepts uint64 offsets, but is never expected to track more addresses than
// fit in a uint32.
const maxRangeLen = math.MaxUint32

// ipRange is an inclusive range of IPv4 addresses.  A nil range contains no
// addresses.  It is safe for concurrent use, since its fields are immutable
// after construction.
type ipRange struct {
	start uint32
	end   uint32
}

// addrToUint32 converts a.As4() to its big-endian uint32 representation.
func addrToUint32(a netip.Addr) (n uint32) {
	b := a.As4()

	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// uint32ToAddr is the inverse of addrToUint32.
func uint32ToAddr(n uint32) (a netip.Addr) {
	return netip.AddrFrom4([4]byte{
		byte(n >> 24),
		byte(n >> 16),
		byte(n >> 8),
		byte(n),
	})
}

// newIPRange creates a new IPv4 address range.  start must be less than or
// equal to end.
func newIPRange(start, end netip.Addr) (r *ipRange, err error) {
	defer func() { err = errors.Annotate(err, "invalid ip range: %w") }()

	start, err = ensureV4(start, "address")
	if err != nil {
		return nil, err
	}

	end, err = ensureV4(end, "address")
	if err != nil {
		return nil, err
	}

	startN, endN := addrToUint32(start), addrToUint32(end)
	if startN > endN {
		return nil, fmt.Errorf("start is greater than end")
	}

	return &ipRange{start: startN, end: endN}, nil
}

// contains returns true if r contains ip.
func (r *ipRange) contains(ip netip.Addr) (ok bool) {
	if r == nil || !ip.Is4() {
		return false
	}

	n := addrToUint32(ip)

	return n >= r.start && n <= r.end
}

// ipPredicate is called on every address in (*ipRange).find.
type ipPredicate func(ip netip.Addr) (ok bool)

// find finds the first address in r for which p returns true.
func (r *ipRange) find(p ipPredicate) (ip netip.Addr, ok bool) {
	if r == nil {
		return netip.Addr{}, false
	}

	for n := r.start; ; n++ {
		candidate := uint32ToAddr(n)
		if p(candidate) {
			return candidate, true
		}

		if n == r.end {
			break
		}
	}

	return netip.Addr{}, false
}

// offset returns the offset of ip from the beginning of r.  It returns 0 and
// false if ip is not in r.
func (r *ipRange) offset(ip netip.Addr) (offset uint64, ok bool) {
	if !r.contains(ip) {
		return 0, false
	}

	return uint64(addrToUint32(ip) - r.start), true
}

// len returns the number of addresses in r.
func (r *ipRange) len() (n uint64) {
	if r == nil {
		return 0
	}

	return uint64(r.end-r.start) + 1
}

// String implements the fmt.Stringer interface for *ipRange.
func (r *ipRange) String() (s string) {
	if r == nil {
		return "<empty>"
	}

	return fmt.Sprintf("%s-%s", uint32ToAddr(r.start), uint32ToAddr(r.end))
}
