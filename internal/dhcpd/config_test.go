package dhcpd

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSubnetConfig() (sn *SubnetConfig) {
	return &SubnetConfig{
		Name:       "default",
		GatewayIP:  netip.MustParseAddr("192.168.1.1"),
		SubnetMask: netip.MustParseAddr("255.255.255.0"),
		RangeStart: netip.MustParseAddr("192.168.1.100"),
		RangeEnd:   netip.MustParseAddr("192.168.1.200"),
		LeaseTime:  3600,
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		var c *Config
		assert.ErrorIs(t, c.Validate(), ErrNilConfig)
	})

	t.Run("no_subnets", func(t *testing.T) {
		c := &Config{}
		assert.Error(t, c.Validate())
	})

	t.Run("valid_defaults", func(t *testing.T) {
		c := &Config{Subnets: []*SubnetConfig{testSubnetConfig()}}
		require.NoError(t, c.Validate())

		assert.Equal(t, ConflictReplace, c.Lease.ConflictStrategy)
		assert.Equal(t, uint32(600), c.Lease.QuarantineSeconds)
		assert.Equal(t, defaultEventBufferSize, c.Security.EventBufferSize)
	})

	t.Run("duplicate_subnet_name", func(t *testing.T) {
		sn1, sn2 := testSubnetConfig(), testSubnetConfig()
		c := &Config{Subnets: []*SubnetConfig{sn1, sn2}}
		assert.Error(t, c.Validate())
	})

	t.Run("unsupported_conflict_policy", func(t *testing.T) {
		c := &Config{
			Subnets: []*SubnetConfig{testSubnetConfig()},
			Lease:   LeaseConfig{ConflictStrategy: "NEGOTIATE"},
		}
		assert.ErrorIs(t, c.Validate(), ErrUnsupportedConflictPolicy)
	})

	t.Run("range_outside_subnet", func(t *testing.T) {
		sn := testSubnetConfig()
		sn.RangeEnd = netip.MustParseAddr("192.168.2.200")
		c := &Config{Subnets: []*SubnetConfig{sn}}
		assert.Error(t, c.Validate())
	})

	t.Run("zero_lease_time", func(t *testing.T) {
		sn := testSubnetConfig()
		sn.LeaseTime = 0
		c := &Config{Subnets: []*SubnetConfig{sn}}
		assert.Error(t, c.Validate())
	})
}

func TestSubnetConfig_Validate_DerivedFields(t *testing.T) {
	sn := testSubnetConfig()
	require.NoError(t, sn.Validate())

	assert.Equal(t, netip.MustParsePrefix("192.168.1.0/24"), sn.subnet)
	assert.Equal(t, netip.MustParseAddr("192.168.1.255"), sn.broadcastIP)
	assert.Equal(t, uint64(101), sn.ipRange.len())
}

func TestSubnetConfig_Validate_ServerIP(t *testing.T) {
	t.Run("defaults_to_gateway", func(t *testing.T) {
		sn := testSubnetConfig()
		require.NoError(t, sn.Validate())

		assert.Equal(t, sn.GatewayIP, sn.ServerIP)
	})

	t.Run("explicit_override", func(t *testing.T) {
		sn := testSubnetConfig()
		sn.ServerIP = netip.MustParseAddr("192.168.1.2")
		require.NoError(t, sn.Validate())

		assert.Equal(t, netip.MustParseAddr("192.168.1.2"), sn.ServerIP)
		assert.NotEqual(t, sn.GatewayIP, sn.ServerIP)
	})

	t.Run("invalid", func(t *testing.T) {
		sn := testSubnetConfig()
		sn.ServerIP = netip.MustParseAddr("::1")
		assert.Error(t, sn.Validate())
	})
}
