package dhcpd

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil/faketime"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testServer builds a Server wired to an in-memory LeaseStore for sn, with no
// security gate and no listeners, suitable for calling the per-message
// handlers directly without opening a socket.
func testServer(t *testing.T, sn *SubnetConfig, now time.Time) (srv *Server) {
	t.Helper()

	clock := &faketime.Clock{OnNow: func() (tm time.Time) { return now }}
	conf := &Config{Subnets: []*SubnetConfig{sn}}
	require.NoError(t, conf.Validate())

	return &Server{
		conf:   conf,
		logger: slogutil.New(nil),
		clock:  clock,
		leases: NewLeaseStore(conf.Lease, 0, conf.Subnets, clock),
		stats:  NewStats(nil),
	}
}

func testDiscover(t *testing.T, sn *SubnetConfig, mac net.HardwareAddr) (req, resp *dhcpv4.DHCPv4) {
	t.Helper()

	req, err := dhcpv4.NewDiscovery(mac)
	require.NoError(t, err)

	resp, err = dhcpv4.NewReplyFromRequest(req)
	require.NoError(t, err)

	// handleInbound sets the server identifier before dispatching to a
	// handler; set it here too so a NewRequestFromOffer built from resp
	// takes the SELECTING branch in handleRequest, as it would in the
	// real receive path.
	resp.UpdateOption(dhcpv4.OptServerIdentifier(sn.ServerIP.AsSlice()))

	return req, resp
}

func TestServer_HandleDiscover_AllocatesLease(t *testing.T) {
	sn := testStoreSubnet(t)
	srv := testServer(t, sn, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	mac := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	req, resp := testDiscover(t, sn, mac)

	out := srv.handleDiscover(req, resp, sn)
	assert.Equal(t, outcomeOffered, out)
	assert.True(t, sn.subnet.Contains(mustAddrFromIP(t, resp.YourIPAddr)))
	assert.Equal(t, dhcpv4.MessageTypeOffer, resp.MessageType())
}

func mustAddrFromIP(t *testing.T, ip net.IP) (addr netip.Addr) {
	t.Helper()

	addr, ok := netip.AddrFromSlice(ip.To4())
	require.True(t, ok)

	return addr
}

func TestServer_HandleRequest_Selecting(t *testing.T) {
	sn := testStoreSubnet(t)
	srv := testServer(t, sn, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	mac := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	discReq, discResp := testDiscover(t, sn, mac)
	require.Equal(t, outcomeOffered, srv.handleDiscover(discReq, discResp, sn))
	offeredIP := discResp.YourIPAddr

	req, err := dhcpv4.NewRequestFromOffer(discResp)
	require.NoError(t, err)
	resp, err := dhcpv4.NewReplyFromRequest(req)
	require.NoError(t, err)

	out := srv.handleRequest(req, resp, sn)
	assert.Equal(t, outcomeAcked, out)
	assert.Equal(t, offeredIP.String(), resp.YourIPAddr.String())
	assert.Equal(t, dhcpv4.MessageTypeAck, resp.MessageType())
}

func TestServer_HandleRequest_InitReboot_Mismatch(t *testing.T) {
	sn := testStoreSubnet(t)
	srv := testServer(t, sn, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	mac := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	req, err := dhcpv4.NewDiscovery(mac)
	require.NoError(t, err)
	req.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeRequest))
	req.UpdateOption(dhcpv4.OptRequestedIPAddress(net.ParseIP("192.168.1.150")))

	resp, err := dhcpv4.NewReplyFromRequest(req)
	require.NoError(t, err)

	out := srv.handleRequest(req, resp, sn)
	assert.Equal(t, outcomeNak, out)
}

func TestServer_HandleRequest_Renewing(t *testing.T) {
	sn := testStoreSubnet(t)
	srv := testServer(t, sn, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	mac := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	discReq, discResp := testDiscover(t, sn, mac)
	require.Equal(t, outcomeOffered, srv.handleDiscover(discReq, discResp, sn))

	selReq, err := dhcpv4.NewRequestFromOffer(discResp)
	require.NoError(t, err)
	selResp, err := dhcpv4.NewReplyFromRequest(selReq)
	require.NoError(t, err)
	require.Equal(t, outcomeAcked, srv.handleRequest(selReq, selResp, sn))

	renewReq, err := dhcpv4.NewDiscovery(mac)
	require.NoError(t, err)
	renewReq.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeRequest))
	renewReq.ClientIPAddr = selResp.YourIPAddr

	renewResp, err := dhcpv4.NewReplyFromRequest(renewReq)
	require.NoError(t, err)

	out := srv.handleRequest(renewReq, renewResp, sn)
	assert.Equal(t, outcomeAcked, out)
	assert.Equal(t, selResp.YourIPAddr.String(), renewResp.YourIPAddr.String())
}

func TestServer_HandleDecline_Quarantines(t *testing.T) {
	sn := testStoreSubnet(t)
	srv := testServer(t, sn, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	mac := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	discReq, discResp := testDiscover(t, sn, mac)
	require.Equal(t, outcomeOffered, srv.handleDiscover(discReq, discResp, sn))

	declineReq, err := dhcpv4.NewDiscovery(mac)
	require.NoError(t, err)
	declineReq.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeDecline))
	declineReq.UpdateOption(dhcpv4.OptRequestedIPAddress(discResp.YourIPAddr))

	declineResp, err := dhcpv4.NewReplyFromRequest(declineReq)
	require.NoError(t, err)

	out := srv.handleDecline(declineReq, declineResp, sn)
	assert.Equal(t, outcomeDrop, out)

	ip, ok := netip.AddrFromSlice(discResp.YourIPAddr.To4())
	require.True(t, ok)

	srv.leases.mu.Lock()
	_, declined := srv.leases.declined[ipKey(sn.Name, ip)]
	srv.leases.mu.Unlock()
	assert.True(t, declined)
}

func TestServer_HandleRelease_FreesLease(t *testing.T) {
	sn := testStoreSubnet(t)
	srv := testServer(t, sn, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	mac := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	discReq, discResp := testDiscover(t, sn, mac)
	require.Equal(t, outcomeOffered, srv.handleDiscover(discReq, discResp, sn))

	selReq, err := dhcpv4.NewRequestFromOffer(discResp)
	require.NoError(t, err)
	selResp, err := dhcpv4.NewReplyFromRequest(selReq)
	require.NoError(t, err)
	require.Equal(t, outcomeAcked, srv.handleRequest(selReq, selResp, sn))

	releaseReq, err := dhcpv4.NewDiscovery(mac)
	require.NoError(t, err)
	releaseReq.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeRelease))
	releaseReq.ClientIPAddr = selResp.YourIPAddr

	releaseResp, err := dhcpv4.NewReplyFromRequest(releaseReq)
	require.NoError(t, err)

	out := srv.handleRelease(releaseReq, releaseResp, sn)
	assert.Equal(t, outcomeDrop, out)

	_, found := srv.leases.Find(clientIdent(releaseReq, sn))
	assert.False(t, found)
}

func TestServer_HandleInform(t *testing.T) {
	sn := testStoreSubnet(t)
	srv := testServer(t, sn, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	mac := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	req, err := dhcpv4.NewDiscovery(mac)
	require.NoError(t, err)
	req.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeInform))

	resp, err := dhcpv4.NewReplyFromRequest(req)
	require.NoError(t, err)

	out := srv.handleInform(req, resp, sn)
	assert.Equal(t, outcomeAcked, out)
	assert.True(t, resp.YourIPAddr.IsUnspecified())
}

func TestServer_SelectSubnet_ByInterface(t *testing.T) {
	snA := testStoreSubnet(t)
	snA.InterfaceName = "eth0"

	snB := testStoreSubnet(t)
	snB.Name = "second"
	snB.InterfaceName = "eth1"
	snB.GatewayIP = netip.MustParseAddr("10.0.0.1")
	snB.SubnetMask = netip.MustParseAddr("255.255.255.0")
	snB.RangeStart = netip.MustParseAddr("10.0.0.100")
	snB.RangeEnd = netip.MustParseAddr("10.0.0.102")
	require.NoError(t, snB.Validate())

	srv := testServer(t, snA, time.Now())
	srv.conf.Subnets = append(srv.conf.Subnets, snB)

	mac := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	req, err := dhcpv4.NewDiscovery(mac)
	require.NoError(t, err)

	got, err := srv.selectSubnet(req, "eth1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Name)
}

func TestServer_SelectSubnet_ByGiaddr(t *testing.T) {
	snA := testStoreSubnet(t)
	srv := testServer(t, snA, time.Now())

	mac := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	req, err := dhcpv4.NewDiscovery(mac)
	require.NoError(t, err)
	req.GatewayIPAddr = net.ParseIP("192.168.1.1")

	got, err := srv.selectSubnet(req, "unknown")
	require.NoError(t, err)
	assert.Equal(t, snA.Name, got.Name)
}

func TestServer_SelectSubnet_Unconfigured(t *testing.T) {
	snA := testStoreSubnet(t)
	snA.InterfaceName = "eth0"

	snB := testStoreSubnet(t)
	snB.Name = "second"
	snB.InterfaceName = "eth1"
	snB.GatewayIP = netip.MustParseAddr("10.0.0.1")
	snB.RangeStart = netip.MustParseAddr("10.0.0.100")
	snB.RangeEnd = netip.MustParseAddr("10.0.0.102")
	require.NoError(t, snB.Validate())

	srv := testServer(t, snA, time.Now())
	srv.conf.Subnets = append(srv.conf.Subnets, snB)

	mac := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	req, err := dhcpv4.NewDiscovery(mac)
	require.NoError(t, err)

	_, err = srv.selectSubnet(req, "eth9")
	assert.ErrorIs(t, err, ErrUnconfigured)
}

func TestServer_ApplyOptions_FiltersByParameterList(t *testing.T) {
	sn := testStoreSubnet(t)
	sn.DNSServers = []netip.Addr{netip.MustParseAddr("8.8.8.8")}
	sn.Options = OptionSet{"15 text example.com"}

	srv := testServer(t, sn, time.Now())

	mac := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	req, err := dhcpv4.NewDiscovery(mac)
	require.NoError(t, err)
	req.UpdateOption(dhcpv4.OptParameterRequestList(dhcpv4.OptionDomainName))

	resp, err := dhcpv4.NewReplyFromRequest(req)
	require.NoError(t, err)

	srv.applyOptions(req, resp, sn)

	_, hasDomain := resp.Options[dhcpv4.OptionDomainName.Code()]
	assert.True(t, hasDomain)
}

func TestServer_HandleInbound_DiscoverSendsOffer(t *testing.T) {
	sn := testStoreSubnet(t)
	srv := testServer(t, sn, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	serverConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	require.NoError(t, err)
	defer serverConn.Close()

	mac := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	req, err := dhcpv4.NewDiscovery(mac)
	require.NoError(t, err)
	req.ClientIPAddr = net.ParseIP("192.168.1.5")

	srv.handleInbound(inboundMessage{msg: req, iface: "eth0", conn: serverConn})

	snap := srv.stats.Snapshot()
	assert.Equal(t, uint64(1), snap.TotalReceived)
	assert.Equal(t, uint64(1), snap.ByOutcome["offered"])
}

func TestNewReply_SetsSiaddrAndServerIdentifier(t *testing.T) {
	sn := testStoreSubnet(t)
	sn.ServerIP = netip.MustParseAddr("192.168.1.2")
	require.NoError(t, sn.Validate())

	mac := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	req, err := dhcpv4.NewDiscovery(mac)
	require.NoError(t, err)

	resp, err := newReply(req, sn)
	require.NoError(t, err)

	assert.Equal(t, dhcpv4.OpcodeBootReply, resp.OpCode)
	assert.Equal(t, "192.168.1.2", resp.ServerIPAddr.String())
	assert.Equal(t, "192.168.1.2", resp.ServerIdentifier().String())
}

func TestServer_HandleRequest_Selecting_WrongServerID_Naks(t *testing.T) {
	sn := testStoreSubnet(t)
	srv := testServer(t, sn, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	mac := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	discReq, discResp := testDiscover(t, sn, mac)
	require.Equal(t, outcomeOffered, srv.handleDiscover(discReq, discResp, sn))

	req, err := dhcpv4.NewRequestFromOffer(discResp)
	require.NoError(t, err)
	// A competing DHCP server on the same segment; the client selected it,
	// not us.
	req.UpdateOption(dhcpv4.OptServerIdentifier(net.ParseIP("192.168.1.254")))

	resp, err := dhcpv4.NewReplyFromRequest(req)
	require.NoError(t, err)

	out := srv.handleRequest(req, resp, sn)
	assert.Equal(t, outcomeNak, out)

	// The lease this server offered stays put; it is not committed.
	l, ok := srv.leases.Find(clientIdent(req, sn))
	require.True(t, ok)
	assert.Equal(t, LeaseStateOffered, l.State)
}
