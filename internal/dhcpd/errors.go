package dhcpd

import "github.com/AdguardTeam/golibs/errors"

// Wire and protocol errors returned by the codec and server dispatch.
const (
	// ErrShortDatagram means a received datagram is smaller than the fixed
	// BOOTP header plus the four-byte magic cookie.
	ErrShortDatagram errors.Error = "datagram shorter than fixed header"

	// ErrBadMagic means the magic cookie following the fixed header does
	// not match the DHCP magic cookie.
	ErrBadMagic errors.Error = "bad magic cookie"

	// ErrMissingMessageType means a parsed message carries no option 53
	// (DHCP Message Type).
	ErrMissingMessageType errors.Error = "missing message type option"

	// ErrOptionTooLarge means an option's encoded value cannot fit in a
	// single byte length prefix.
	ErrOptionTooLarge errors.Error = "option value too large"

	// ErrOptionOverflow means the serialized options would not fit within
	// the configured maximum datagram size.
	ErrOptionOverflow errors.Error = "options overflow maximum datagram size"
)

// Pool errors returned by the lease store.
const (
	// ErrPoolExhausted means no address is available in a subnet's pools.
	ErrPoolExhausted errors.Error = "address pool exhausted"

	// ErrUnconfigured means the server or subnet is not configured for
	// requests of the attempted kind.
	ErrUnconfigured errors.Error = "subnet is unconfigured"

	// ErrDupHostname means a static lease with the same hostname already
	// exists in the subnet.
	ErrDupHostname errors.Error = "hostname already in use"

	// ErrDupIP means a static lease with the same IP address already
	// exists in the subnet.
	ErrDupIP errors.Error = "ip address already in use"

	// ErrNoLease means no lease is associated with the given identity or
	// address.
	ErrNoLease errors.Error = "no such lease"

	// ErrReservationConflict means a static reservation's address is held
	// by a dynamic lease under a conflict policy that does not evict it
	// (REJECT or EXTEND).
	ErrReservationConflict errors.Error = "reservation address held by another lease"
)

// Security errors returned by the security gate.
const (
	// ErrDenied means a request was rejected by the security pipeline.
	ErrDenied errors.Error = "request denied by security gate"

	// ErrRateLimited means a client exceeded its configured request rate.
	ErrRateLimited errors.Error = "rate limit exceeded"
)

// Configuration errors returned during config validation.
const (
	// ErrNilConfig means a nil configuration was passed for validation.
	ErrNilConfig errors.Error = "nil config"

	// ErrUnsupportedConflictPolicy means a configured conflict resolution
	// policy has no defined server semantics.
	ErrUnsupportedConflictPolicy errors.Error = "unsupported conflict resolution policy"
)
