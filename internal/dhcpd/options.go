package dhcpd

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/insomniacslk/dhcp/dhcpv4"
)

// The aliases for DHCP option types available for explicit declaration in
// configuration, following the teacher's own option-string grammar
// ("CODE TYPE VALUE").
const (
	hexTyp  = "hex"
	ipTyp   = "ip"
	ipsTyp  = "ips"
	textTyp = "text"
)

// OptionSet is an ordered, inheritance-aware set of DHCP option overrides
// expressed in the configuration-string grammar "CODE TYPE VALUE", e.g.
// "6 ip 192.168.1.1".
type OptionSet []string

// parseOption parses a single option string.  See the package-level type
// aliases for the supported value kinds.
func parseOption(s string) (opt dhcpv4.Option, err error) {
	defer func() { err = errors.Annotate(err, "invalid option string %q: %w", s) }()

	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, " ", 3)
	if len(parts) < 3 {
		return opt, errors.Error("need at least three fields")
	}

	var code64 uint64
	code64, err = strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return opt, fmt.Errorf("parsing option code: %w", err)
	}

	var optVal dhcpv4.OptionValue
	switch typ, val := parts[1], parts[2]; typ {
	case hexTyp:
		optVal, err = parseOptionHex(val)
	case ipTyp:
		optVal, err = parseOptionIP(val)
	case ipsTyp:
		optVal, err = parseOptionIPs(val)
	case textTyp:
		optVal = parseOptionText(val)
	default:
		return opt, fmt.Errorf("unknown option type %q", typ)
	}
	if err != nil {
		return opt, err
	}

	return dhcpv4.Option{
		Code:  dhcpv4.GenericOptionCode(code64),
		Value: optVal,
	}, nil
}

func parseOptionHex(s string) (val dhcpv4.OptionValue, err error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding hex: %w", err)
	}

	return dhcpv4.OptionGeneric{Data: data}, nil
}

func parseOptionIP(s string) (val dhcpv4.OptionValue, err error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("invalid ip %q", s)
	}

	if ip4 := ip.To4(); ip4 != nil {
		return dhcpv4.IP(ip4), nil
	}

	return dhcpv4.IP(ip), nil
}

func parseOptionIPs(s string) (val dhcpv4.OptionValue, err error) {
	var ips dhcpv4.IPs
	for i, ipStr := range strings.Split(s, ",") {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return nil, fmt.Errorf("parsing ip at index %d: invalid ip %q", i, ipStr)
		}

		if ip4 := ip.To4(); ip4 != nil {
			ip = ip4
		}

		ips = append(ips, ip)
	}

	return ips, nil
}

func parseOptionText(s string) (val dhcpv4.OptionValue) {
	return dhcpv4.OptionGeneric{Data: []byte(s)}
}

// requiredOptionCodes are the option codes the server always includes in a
// reply, regardless of the client's Parameter Request List.
var requiredOptionCodes = map[uint8]bool{
	1:  true, // Subnet Mask
	3:  true, // Router
	51: true, // IP Address Lease Time
	53: true, // DHCP Message Type
	54: true, // Server Identifier
	58: true, // Renewal (T1) Time
	59: true, // Rebinding (T2) Time
}

// mergeOptions builds the effective dhcpv4.Options for a client by merging
// the given option sets in order (global, subnet, then reservation
// overrides), later sets overriding earlier ones for the same code.
func mergeOptions(sets ...OptionSet) (opts dhcpv4.Options) {
	opts = dhcpv4.Options{}

	for _, set := range sets {
		for _, s := range set {
			opt, err := parseOption(s)
			if err != nil {
				// Invalid entries are rejected at configuration-load time by
				// Config.Validate; ignore defensively here so a bad override
				// never takes down the data plane.
				continue
			}

			opts.Update(opt)
		}
	}

	return opts
}

// filterByParameterList returns the subset of opts that the client actually
// requested, honoring requiredOptionCodes.  The result is a map, so the
// order of the client's Parameter Request List is not kept.
func filterByParameterList(opts dhcpv4.Options, prl dhcpv4.OptionCodeList) (filtered dhcpv4.Options) {
	if len(prl) == 0 {
		return opts
	}

	filtered = dhcpv4.Options{}
	for _, oc := range prl {
		code := oc.Code()
		if v, ok := opts[code]; ok {
			filtered[code] = v
		}
	}

	for code, v := range opts {
		if requiredOptionCodes[code] {
			filtered[code] = v
		}
	}

	return filtered
}

// appendixADefaults builds the RFC 2131 Appendix A implicit host-requirement
// defaults for a subnet, following the teacher's own prepareOptions.
func appendixADefaults(sn *SubnetConfig) (opts dhcpv4.Options) {
	opts = dhcpv4.Options{
		dhcpv4.OptionNonLocalSourceRouting.Code(): {0},
		dhcpv4.OptionDefaultIPTTL.Code():          {ipv4DefaultTTL},

		dhcpv4.OptionPerformMaskDiscovery.Code():   {0},
		dhcpv4.OptionMaskSupplier.Code():           {0},
		dhcpv4.OptionPerformRouterDiscovery.Code(): {1},

		dhcpv4.OptionTrailerEncapsulation.Code():  {0},
		dhcpv4.OptionEthernetEncapsulation.Code(): {0},

		dhcpv4.OptionTCPKeepaliveInterval.Code(): dhcpv4.Duration(0).ToBytes(),
		dhcpv4.OptionTCPKeepaliveGarbage.Code():  {0},

		dhcpv4.OptionRouter.Code():     sn.GatewayIP.AsSlice(),
		dhcpv4.OptionSubnetMask.Code(): sn.SubnetMask.AsSlice(),
	}

	if sn.DomainName != "" {
		opts[dhcpv4.OptionDomainName.Code()] = []byte(sn.DomainName)
	}

	if len(sn.DNSServers) > 0 {
		var dns dhcpv4.IPs
		for _, a := range sn.DNSServers {
			dns = append(dns, net.IP(a.AsSlice()))
		}
		opts[dhcpv4.OptionDomainNameServer.Code()] = dns.ToBytes()
	}

	return opts
}

// leaseTimingOptions builds options 51 (lease time), 58 (T1/renewal) and 59
// (T2/rebinding) for a lease time of d.
func leaseTimingOptions(d time.Duration) (opts dhcpv4.Options) {
	t1 := d / 2
	t2 := d * 7 / 8

	return dhcpv4.Options{
		dhcpv4.OptionIPAddressLeaseTime.Code(): dhcpv4.Duration(d).ToBytes(),
		dhcpv4.OptionRenewTimeValue.Code():     dhcpv4.Duration(t1).ToBytes(),
		dhcpv4.OptionRebindingTimeValue.Code(): dhcpv4.Duration(t2).ToBytes(),
	}
}

// encodeOption82 encodes the relay-agent-information sub-options (circuit-id
// as sub-option 1, remote-id as sub-option 2) per RFC 3046.
func encodeOption82(circuitID, remoteID []byte) (data []byte) {
	if len(circuitID) > 0 {
		data = append(data, 1, byte(len(circuitID)))
		data = append(data, circuitID...)
	}

	if len(remoteID) > 0 {
		data = append(data, 2, byte(len(remoteID)))
		data = append(data, remoteID...)
	}

	return data
}

// decodeOption82 parses the sub-options of an Option 82 body, returning the
// circuit-id (sub-option 1) and remote-id (sub-option 2) values, if present.
func decodeOption82(data []byte) (circuitID, remoteID []byte) {
	for i := 0; i+2 <= len(data); {
		typ := data[i]
		l := int(data[i+1])
		if i+2+l > len(data) {
			break
		}

		val := data[i+2 : i+2+l]
		switch typ {
		case 1:
			circuitID = val
		case 2:
			remoteID = val
		}

		i += 2 + l
	}

	return circuitID, remoteID
}
