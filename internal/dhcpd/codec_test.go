package dhcpd

import (
	"net"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDiscovery(t *testing.T) (msg *dhcpv4.DHCPv4) {
	t.Helper()

	mac := net.HardwareAddr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	req, err := dhcpv4.NewDiscovery(mac)
	require.NoError(t, err)

	return req
}

func TestParseMessage(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		req := newTestDiscovery(t)
		data := req.ToBytes()

		msg, err := ParseMessage(data)
		require.NoError(t, err)
		assert.Equal(t, dhcpv4.MessageTypeDiscover, msg.MessageType())
	})

	t.Run("short_datagram", func(t *testing.T) {
		_, err := ParseMessage(make([]byte, 10))
		assert.ErrorIs(t, err, ErrShortDatagram)
	})

	t.Run("bad_magic", func(t *testing.T) {
		req := newTestDiscovery(t)
		data := req.ToBytes()

		// The magic cookie immediately follows the fixed 236-byte header.
		data[236] ^= 0xff

		_, err := ParseMessage(data)
		assert.ErrorIs(t, err, ErrBadMagic)
	})

	t.Run("missing_message_type", func(t *testing.T) {
		req := newTestDiscovery(t)
		req.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionDHCPMessageType, nil))
		delete(req.Options, uint8(dhcpv4.OptionDHCPMessageType))

		_, err := ParseMessage(req.ToBytes())
		assert.ErrorIs(t, err, ErrMissingMessageType)
	})
}

func TestSerializeMessage(t *testing.T) {
	t.Run("pads_to_minimum", func(t *testing.T) {
		req := newTestDiscovery(t)

		data, err := SerializeMessage(req, 0)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(data), minSerializedLen)
	})

	t.Run("overflow", func(t *testing.T) {
		req := newTestDiscovery(t)
		req.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionDomainName, make([]byte, 200)))

		_, err := SerializeMessage(req, 250)
		assert.ErrorIs(t, err, ErrOptionOverflow)
	})

	t.Run("option_too_large", func(t *testing.T) {
		req := newTestDiscovery(t)
		req.Options[250] = make([]byte, 256)

		_, err := SerializeMessage(req, 0)
		assert.ErrorIs(t, err, ErrOptionTooLarge)
	})
}
