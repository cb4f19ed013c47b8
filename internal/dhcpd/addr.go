package dhcpd

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/AdguardTeam/golibs/netutil"
)

// ensureV4 returns an unmapped version of ip.  An error is returned if the
// passed ip is not an IPv4 address.
func ensureV4(ip netip.Addr, kind string) (ip4 netip.Addr, err error) {
	ip4 = ip.Unmap()
	if !ip4.IsValid() || !ip4.Is4() {
		return netip.Addr{}, fmt.Errorf("%v is not an IPv4 %s", ip, kind)
	}

	return ip4, nil
}

// maskLen returns the prefix length encoded by mask.
func maskLen(mask netip.Addr) (n int, err error) {
	m := net.IPMask(mask.AsSlice())
	ones, bits := m.Size()
	if bits == 0 {
		return 0, fmt.Errorf("%v is not a valid subnet mask", mask)
	}

	return ones, nil
}

// broadcastAddr returns the broadcast address of prefix p.
func broadcastAddr(p netip.Prefix) (bcast netip.Addr) {
	base := p.Masked().Addr().As4()
	ones := p.Bits()

	var mask [4]byte
	for i := range mask {
		mask[i] = 0xff
	}

	bits := 32 - ones
	for i := 0; i < bits; i++ {
		byteIdx := 3 - i/8
		bitIdx := uint(i % 8)
		mask[byteIdx] &^= 1 << bitIdx
	}

	var out [4]byte
	for i := range out {
		out[i] = base[i] | ^mask[i]
	}

	return netip.AddrFrom4(out)
}

// macKey is a comparable representation of a hardware address suitable for
// use as a map key.
type macKey string

// newMACKey returns the map key for mac.
func newMACKey(mac net.HardwareAddr) (k macKey) {
	return macKey(mac.String())
}

// formatMAC normalizes mac to its canonical colon-separated lowercase form.
func formatMAC(mac net.HardwareAddr) (s string) {
	return mac.String()
}

// validMAC reports whether mac looks like a usable client hardware address:
// one of the lengths netutil.ValidateMAC accepts, and not all-zero.
func validMAC(mac net.HardwareAddr) (ok bool) {
	if netutil.ValidateMAC(mac) != nil {
		return false
	}

	for _, b := range mac {
		if b != 0 {
			return true
		}
	}

	return false
}

// cloneMAC returns a deep copy of mac, or nil if mac is empty.
func cloneMAC(mac net.HardwareAddr) (clone net.HardwareAddr) {
	if mac == nil {
		return nil
	}

	clone = make(net.HardwareAddr, len(mac))
	copy(clone, mac)

	return clone
}
