package dhcpd

import (
	"fmt"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

// ipv4DefaultTTL is the default Time to Live value in seconds recommended by
// RFC 1700.
const ipv4DefaultTTL = 64

// minDatagramLen is the minimum length of a parseable DHCPv4 datagram: the
// 236-byte BOOTP header plus the 4-byte magic cookie.
const minDatagramLen = 236 + 4

// minSerializedLen is the classic minimum serialized size a DHCPv4 reply
// should be padded to.
const minSerializedLen = 300

// maxSerializedLen is the default maximum serialized size, matching the
// conservative IPv4 minimum-MTU-safe default used throughout the wire
// protocol described in spec.md §6.
const maxSerializedLen = 576

// ParseMessage parses data into a *dhcpv4.DHCPv4, enforcing the spec's
// datagram-level invariants the underlying codec library does not surface as
// distinct error values: short-datagram rejection and a required message
// type.  Byte-level BOOTP/option parsing itself is delegated to
// dhcpv4.FromBytes, which already implements the magic-cookie check, the
// PAD/END walk and RFC 3396 option concatenation.
func ParseMessage(data []byte) (msg *dhcpv4.DHCPv4, err error) {
	if len(data) < minDatagramLen {
		return nil, ErrShortDatagram
	}

	msg, err = dhcpv4.FromBytes(data)
	if err != nil {
		if isBadMagicErr(err) {
			return nil, ErrBadMagic
		}

		return nil, fmt.Errorf("parsing dhcpv4 message: %w", err)
	}

	// Option 53 (Message Type) is mandatory; dhcpv4.FromBytes does not
	// reject its absence on its own.
	const messageTypeCode = 53
	if len(msg.Options[messageTypeCode]) == 0 {
		return nil, ErrMissingMessageType
	}

	return msg, nil
}

// isBadMagicErr reports whether err originates from a magic-cookie mismatch
// in dhcpv4.FromBytes.  The library does not export a sentinel for this, so
// match on the parser's own wording.
func isBadMagicErr(err error) (ok bool) {
	const magicErrSubstr = "magic cookie"

	return err != nil && containsFold(err.Error(), magicErrSubstr)
}

// containsFold reports whether s contains substr, ignoring ASCII case.
func containsFold(s, substr string) (ok bool) {
	for i := 0; i+len(substr) <= len(s); i++ {
		if equalFold(s[i:i+len(substr)], substr) {
			return true
		}
	}

	return false
}

// equalFold is a small ASCII case-insensitive comparison, avoiding a
// strings.EqualFold import for a single call site.
func equalFold(a, b string) (ok bool) {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}

		if ca != cb {
			return false
		}
	}

	return true
}

// SerializeMessage serializes msg, enforcing the option-size checks the
// spec requires: any single option body over 255 bytes is rejected with
// ErrOptionTooLarge, and the result is padded to minSerializedLen, rejecting
// with ErrOptionOverflow if it would exceed maxLen (maxSerializedLen if
// maxLen is zero).
func SerializeMessage(msg *dhcpv4.DHCPv4, maxLen int) (data []byte, err error) {
	if maxLen <= 0 {
		maxLen = maxSerializedLen
	}

	for code, v := range msg.Options {
		if len(v) > 255 {
			return nil, fmt.Errorf("%w: option %d is %d bytes", ErrOptionTooLarge, code, len(v))
		}
	}

	data = msg.ToBytes()
	if len(data) > maxLen {
		return nil, fmt.Errorf("%w: %d > %d", ErrOptionOverflow, len(data), maxLen)
	}

	if len(data) < minSerializedLen {
		pad := make([]byte, minSerializedLen-len(data))
		data = append(data, pad...)
	}

	return data, nil
}
