package dhcpd

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/insomniacslk/dhcp/dhcpv4"
)

// Server is the DHCPv4 core: wire codec, lease store, security gate and the
// per-message handlers that tie them together, generalized from the
// teacher's single-interface v4Server to serve several subnets from one
// process.
type Server struct {
	conf   *Config
	logger *slogutil.Logger
	clock  timeutil.Clock

	leases   *LeaseStore
	security *SecurityGate
	stats    *Stats

	listeners  []*listener
	dispatcher *dispatcher
	inboundCh  chan inboundMessage

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer builds a Server from conf, which must already have passed
// Validate().  stats may be nil, in which case a fresh unregistered Stats is
// created.
func NewServer(conf *Config, logger *slogutil.Logger, stats *Stats) (srv *Server, err error) {
	if conf == nil {
		return nil, ErrNilConfig
	}

	if stats == nil {
		stats = NewStats(nil)
	}

	clock := timeutil.SystemClock{}
	leases := NewLeaseStore(conf.Lease, conf.MaxLeases, conf.Subnets, clock)

	for _, sn := range conf.Subnets {
		configured := sn.Reservations
		sn.Reservations = nil
		for _, res := range configured {
			if err = leases.AddStaticLease(sn, res); err != nil {
				return nil, fmt.Errorf("subnet %q: loading reservation for %s: %w", sn.Name, res.HWAddr, err)
			}
		}
	}

	var gate *SecurityGate
	if conf.EnableSecurity {
		gate = NewSecurityGate(conf.Security)
	}

	return &Server{
		conf:     conf,
		logger:   logger,
		clock:    clock,
		leases:   leases,
		security: gate,
		stats:    stats,
	}, nil
}

// initialize restores persisted leases from conf.LeaseFile, if any.  A
// corrupt or unreadable store is not fatal: it is logged at error level and the
// server starts with an empty LeaseStore, since no error is fatal to the
// process except an unrecoverable bind failure during Start.
func (srv *Server) initialize() {
	path := srv.conf.LeaseFile
	if path == "" {
		path = dataFilename
	}

	if err := dbLoad(path, srv.leases, srv.logger); err != nil {
		srv.logger.Error("dhcpd: loading lease db, starting with empty store", "path", path, "error", err)
	}
}

// Start opens one UDP listener per configured address, begins the worker
// dispatch pool, and runs the background persistence and sweep loops until
// ctx is cancelled.
func (srv *Server) Start(ctx context.Context) (err error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.running {
		return fmt.Errorf("server already running")
	}

	srv.initialize()

	runCtx, cancel := context.WithCancel(ctx)
	srv.cancel = cancel

	srv.dispatcher = newDispatcher(runtimeWorkerCount(), 256, srv.handleInbound)
	srv.dispatcher.run(runCtx)

	for _, addr := range srv.conf.ListenAddresses {
		l, lErr := newListener(runCtx, addr)
		if lErr != nil {
			cancel()

			return fmt.Errorf("listening: %w", lErr)
		}

		srv.listeners = append(srv.listeners, l)

		srv.wg.Add(1)
		go func(l *listener) {
			defer srv.wg.Done()

			l.recvLoop(runCtx, ifaceForListener(srv.conf, addr), srv.inbound(), srv.logger)
		}(l)
	}

	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()

		srv.backgroundLoop(runCtx)
	}()

	srv.running = true
	srv.logger.Info("dhcpd: started", "listeners", len(srv.listeners))

	return nil
}

// runtimeWorkerCount picks a worker pool size; a small fixed pool is enough
// for the ordering guarantee this dispatcher provides, since the work per
// message is dominated by the lease-store mutex, not CPU.
func runtimeWorkerCount() (n int) {
	return 8
}

// ifaceForListener returns the first non-empty InterfaceName among the
// configured subnets; addr is not consulted, so every listener gets the same
// name.  Returns "" when no subnet names an interface, which disables the
// snooping stage's per-interface trust check.
func ifaceForListener(conf *Config, addr string) (iface string) {
	for _, sn := range conf.Subnets {
		if sn.InterfaceName != "" {
			return sn.InterfaceName
		}
	}

	return ""
}

// inbound lazily builds the shared receive channel feeding the dispatcher.
func (srv *Server) inbound() (ch chan inboundMessage) {
	if srv.inboundCh == nil {
		srv.inboundCh = make(chan inboundMessage, 256)

		go func() {
			for m := range srv.inboundCh {
				if !srv.dispatcher.dispatch(m) {
					srv.logger.Debug("dropping message, worker queue full", "mac", m.msg.ClientHWAddr)
				}
			}
		}()
	}

	return srv.inboundCh
}

// backgroundLoop runs the periodic sweep and persistence tasks described in
// spec.md §4.3 and §4.7 until ctx is cancelled.
func (srv *Server) backgroundLoop(ctx context.Context) {
	sweepEvery := time.Duration(srv.conf.Lease.SweepIntervalSeconds) * time.Second
	saveEvery := time.Duration(srv.conf.Lease.AutoSaveIntervalSeconds) * time.Second

	sweepT := time.NewTicker(sweepEvery)
	defer sweepT.Stop()

	saveT := time.NewTicker(saveEvery)
	defer saveT.Stop()

	for {
		select {
		case <-ctx.Done():
			srv.persist()

			return
		case <-sweepT.C:
			if n := srv.leases.Sweep(); n > 0 {
				srv.logger.Debug("swept expired leases", "count", n)
			}
		case <-saveT.C:
			srv.persist()
		}
	}
}

// persist writes the lease database to disk if it has unsaved changes.
func (srv *Server) persist() {
	if !srv.leases.IsDirty() {
		return
	}

	path := srv.conf.LeaseFile
	if path == "" {
		path = dataFilename
	}

	if err := dbStore(path, srv.leases, srv.logger); err != nil {
		srv.logger.Error("storing leases", "error", err)
	}
}

// Stop cancels all background work and closes every listener, blocking
// until they have all returned.
func (srv *Server) Stop() {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if !srv.running {
		return
	}

	srv.cancel()
	for _, l := range srv.listeners {
		l.Close()
	}

	srv.wg.Wait()
	srv.persist()

	srv.running = false
	srv.logger.Info("dhcpd: stopped")
}

// GetStatistics returns a snapshot of the server's operational counters.
func (srv *Server) GetStatistics() (snap Snapshot) {
	return srv.stats.Snapshot()
}

// GetActiveLeases returns a snapshot of every lease currently held.
func (srv *Server) GetActiveLeases() (leases []*Lease) {
	return srv.leases.AllLeases()
}

// GetSecurityEvents returns the retained security-gate event history, or nil
// if the security gate is disabled.
func (srv *Server) GetSecurityEvents() (events []*SecurityEvent) {
	if srv.security == nil {
		return nil
	}

	return srv.security.Events()
}

// handleInbound is the dispatcher's per-message entry point: it runs the
// security gate, then the DHCP message handler, and sends any resulting
// reply.
func (srv *Server) handleInbound(m inboundMessage) {
	req := m.msg
	typeName := messageTypeName(req)
	srv.stats.recordMessage(typeName)

	if srv.security != nil {
		if allow, kind := srv.security.Admit(req, m.iface); !allow {
			srv.stats.recordOutcome(typeName, "denied")
			srv.stats.recordSecurityDeny(string(kind))

			return
		}
	}

	sn, err := srv.selectSubnet(req, m.iface)
	if err != nil {
		srv.logger.Debug("dropping message, no matching subnet", "mac", req.ClientHWAddr, "error", err)
		srv.stats.recordOutcome(typeName, "dropped")

		return
	}

	resp, err := newReply(req, sn)
	if err != nil {
		srv.logger.Debug("building reply", "error", err)
		srv.stats.recordOutcome(typeName, "dropped")

		return
	}

	outcome := srv.handle(req, resp, sn)
	if outcome == outcomeDrop {
		srv.stats.recordOutcome(typeName, "dropped")

		return
	}

	if outcome == outcomeNak {
		resp.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeNak))
		srv.stats.recordOutcome(typeName, "nacked")
	} else {
		srv.stats.recordOutcome(typeName, string(outcome))
	}

	srv.applyOptions(req, resp, sn)

	srv.stats.setActiveLeases(sn.Name, countLeasesInSubnet(srv.leases.AllLeases(), sn.Name))

	sendResponse(m.conn, resp, net.IP(sn.broadcastIP.AsSlice()), maxSerializedLen, srv.logger)
}

// newReply builds the BOOTREPLY envelope for req on sn: op = BOOTREPLY (set
// by dhcpv4.NewReplyFromRequest), siaddr = this server's own address on the
// responding interface, and option 54 (server identifier) set to the same
// address, per spec.md §4.7 and §3.
func newReply(req *dhcpv4.DHCPv4, sn *SubnetConfig) (resp *dhcpv4.DHCPv4, err error) {
	resp, err = dhcpv4.NewReplyFromRequest(req)
	if err != nil {
		return nil, err
	}

	resp.ServerIPAddr = net.IP(sn.ServerIP.AsSlice())
	resp.UpdateOption(dhcpv4.OptServerIdentifier(sn.ServerIP.AsSlice()))

	return resp, nil
}

// outcome is the handling result recorded for observability and used to
// decide whether/how to reply.
type outcome string

const (
	outcomeOffered outcome = "offered"
	outcomeAcked   outcome = "acked"
	outcomeNak     outcome = "nak"
	outcomeDrop    outcome = "drop"
)

// handle dispatches req to its message-type handler and returns the outcome.
func (srv *Server) handle(req, resp *dhcpv4.DHCPv4, sn *SubnetConfig) (out outcome) {
	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		return srv.handleDiscover(req, resp, sn)
	case dhcpv4.MessageTypeRequest:
		return srv.handleRequest(req, resp, sn)
	case dhcpv4.MessageTypeDecline:
		return srv.handleDecline(req, resp, sn)
	case dhcpv4.MessageTypeRelease:
		return srv.handleRelease(req, resp, sn)
	case dhcpv4.MessageTypeInform:
		return srv.handleInform(req, resp, sn)
	default:
		return outcomeDrop
	}
}

// handleDiscover implements the DHCPDISCOVER handler of spec.md §4.7.
func (srv *Server) handleDiscover(req, resp *dhcpv4.DHCPv4, sn *SubnetConfig) (out outcome) {
	mac := req.ClientHWAddr
	ident := clientIdent(req, sn)

	var requestedIP netip.Addr
	if reqIP := req.RequestedIPAddress(); reqIP != nil {
		requestedIP, _ = netip.AddrFromSlice(reqIP.To4())
	}

	l, err := srv.leases.Allocate(mac, ident.ClientID, requestedIP, sn)
	if err != nil {
		srv.logger.Debug("allocating lease for discover", "mac", mac, "error", err)

		return outcomeDrop
	}

	resp.YourIPAddr = net.IP(l.IP.AsSlice())
	resp.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeOffer))

	return outcomeOffered
}

// handleRequest implements the DHCPREQUEST handler, dispatching by state
// (SELECTING/INIT-REBOOT/RENEWING-REBINDING) per RFC 2131 §4.3.2.
func (srv *Server) handleRequest(req, resp *dhcpv4.DHCPv4, sn *SubnetConfig) (out outcome) {
	ident := clientIdent(req, sn)

	reqIP := req.RequestedIPAddress()
	sid := req.ServerIdentifier()

	var nak bool

	switch {
	case sid != nil && !sid.IsUnspecified():
		// SELECTING: client is confirming the offer it chose.  Verify the
		// client actually selected this server and not a competing one on
		// the same segment before committing/ACKing, per spec.md §4.7.
		sidIP, valid := netip.AddrFromSlice(sid.To4())
		if !valid || sidIP != sn.ServerIP {
			return outcomeNak
		}

		ip, valid := netip.AddrFromSlice(reqIP.To4())
		if !valid {
			return outcomeDrop
		}

		l, ok := srv.leases.Find(ident)
		if !ok || l.IP != ip {
			return outcomeDrop
		}
	case reqIP != nil && !reqIP.IsUnspecified():
		// INIT-REBOOT: client believes it already has this address.
		ip, valid := netip.AddrFromSlice(reqIP.To4())
		if !valid {
			return outcomeDrop
		}

		if !sn.subnet.Contains(ip) {
			return outcomeNak
		}

		l, ok := srv.leases.Find(ident)
		if !ok || l.IP != ip {
			nak = true

			break
		}
	default:
		// RENEWING/REBINDING: ciaddr carries the client's current address.
		ciaddr := req.ClientIPAddr
		ip, valid := netip.AddrFromSlice(ciaddr.To4())
		if !valid {
			return outcomeDrop
		}

		l, err := srv.leases.Renew(ident, ip, sn)
		if err != nil {
			return outcomeDrop
		}

		resp.YourIPAddr = net.IP(l.IP.AsSlice())
		resp.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeAck))

		return outcomeAcked
	}

	if nak {
		return outcomeNak
	}

	committed, ok := srv.leases.Commit(ident)
	if !ok {
		return outcomeDrop
	}

	resp.YourIPAddr = net.IP(committed.IP.AsSlice())
	resp.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeAck))

	if hostname := req.HostName(); hostname != "" {
		resp.UpdateOption(dhcpv4.OptHostName(hostname))
	}

	return outcomeAcked
}

// handleDecline implements the DHCPDECLINE handler: the client reports an
// address conflict and the address is quarantined.
func (srv *Server) handleDecline(req, resp *dhcpv4.DHCPv4, sn *SubnetConfig) (out outcome) {
	ident := clientIdent(req, sn)

	reqIP := req.RequestedIPAddress()
	if reqIP == nil {
		reqIP = req.ClientIPAddr
	}

	ip, ok := netip.AddrFromSlice(reqIP.To4())
	if !ok {
		return outcomeDrop
	}

	srv.leases.Decline(ident, ip, sn)

	return outcomeDrop
}

// handleRelease implements the DHCPRELEASE handler: the client gives up its
// lease early.
func (srv *Server) handleRelease(req, resp *dhcpv4.DHCPv4, sn *SubnetConfig) (out outcome) {
	ident := clientIdent(req, sn)

	srv.leases.Release(ident, sn)

	return outcomeDrop
}

// handleInform implements the DHCPINFORM handler (RFC 2131 §3.4): the client
// already has an externally-configured address and only wants configuration
// options, so no lease is allocated.
func (srv *Server) handleInform(req, resp *dhcpv4.DHCPv4, sn *SubnetConfig) (out outcome) {
	resp.YourIPAddr = net.IPv4zero
	resp.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeAck))

	return outcomeAcked
}

// applyOptions fills resp's options from the inheritance-merged option set
// (global, subnet, and the client's reservation if it has one), filtered by
// the client's Parameter Request List, per spec.md §4.5.
func (srv *Server) applyOptions(req, resp *dhcpv4.DHCPv4, sn *SubnetConfig) {
	sets := []OptionSet{srv.conf.GlobalOptions, sn.Options}
	if res := findReservation(sn, req.ClientHWAddr); res != nil {
		sets = append(sets, res.Options)
	}
	merged := mergeOptions(sets...)
	for code, v := range appendixADefaults(sn) {
		if _, ok := merged[code]; !ok {
			merged[code] = v
		}
	}

	for code, v := range leaseTimingOptions(sn.leaseTime) {
		merged[code] = v
	}

	filtered := filterByParameterList(merged, req.ParameterRequestList())
	for code, v := range filtered {
		if _, already := resp.Options[code]; !already {
			resp.Options[code] = v
		}
	}
}

// selectSubnet resolves the subnet a request belongs to: by the relay agent
// address (giaddr) if present, falling back to the receiving interface.
func (srv *Server) selectSubnet(req *dhcpv4.DHCPv4, iface string) (sn *SubnetConfig, err error) {
	if giaddr := req.GatewayIPAddr; giaddr != nil && !giaddr.IsUnspecified() {
		if ip, ok := netip.AddrFromSlice(giaddr.To4()); ok {
			for _, sn := range srv.conf.Subnets {
				if sn.subnet.Contains(ip) {
					return sn, nil
				}
			}
		}
	}

	for _, sn := range srv.conf.Subnets {
		if sn.InterfaceName != "" && sn.InterfaceName == iface {
			return sn, nil
		}
	}

	if len(srv.conf.Subnets) == 1 {
		return srv.conf.Subnets[0], nil
	}

	return nil, ErrUnconfigured
}

// clientIdent builds the lease-store lookup key for req within sn.
func clientIdent(req *dhcpv4.DHCPv4, sn *SubnetConfig) (ident ClientIdentity) {
	clientID := ""
	if cid := req.Options.ClientID(); cid != nil {
		clientID = string(cid)
	}

	return ClientIdentity{Subnet: sn.Name, MAC: formatMAC(req.ClientHWAddr), ClientID: clientID}
}

// messageTypeName returns req's DHCP message type as a short string for
// metrics labels.
func messageTypeName(req *dhcpv4.DHCPv4) (name string) {
	return req.MessageType().String()
}

// countLeasesInSubnet counts how many of leases belong to subnet name.
func countLeasesInSubnet(leases []*Lease, name string) (n int) {
	for _, l := range leases {
		if l.Subnet == name {
			n++
		}
	}

	return n
}
