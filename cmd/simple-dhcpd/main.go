// Command simple-dhcpd is a thin wiring demonstration for the DHCPv4 core,
// in the style of the teacher's own dhcpd/standalone demo: it builds a
// Config literal for one subnet on the named interface, starts the server,
// and serves until interrupted.  It is not a real CLI: configuration file
// parsing, daemonization and signal-handling beyond SIGINT/SIGTERM are out
// of scope.
package main

import (
	"context"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/SimpleDaemons/simple-dhcpd-sub001/internal/dhcpd"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
)

func main() {
	logger := slogutil.New(nil)

	if len(os.Args) < 2 {
		logger.Error("usage", "usage", os.Args[0]+" <interface name>")
		os.Exit(64)
	}

	ifaceName := os.Args[1]
	ifaceIP := ifaceIPv4(ifaceName, logger)

	conf := &dhcpd.Config{
		ListenAddresses: []string{":67"},
		Subnets: []*dhcpd.SubnetConfig{
			{
				Name:          "default",
				GatewayIP:     ifaceIP,
				SubnetMask:    netip.MustParseAddr("255.255.255.0"),
				RangeStart:    addOffset(ifaceIP, 10),
				RangeEnd:      addOffset(ifaceIP, 110),
				LeaseTime:     3600,
				InterfaceName: ifaceName,
			},
		},
		LeaseFile: "leases.json",
	}

	if err := conf.Validate(); err != nil {
		logger.Error("invalid config", slogutil.KeyError, err)
		os.Exit(1)
	}

	srv, err := dhcpd.NewServer(conf, logger, nil)
	if err != nil {
		logger.Error("building server", slogutil.KeyError, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("starting dhcp server", "interface", ifaceName)
	if err = srv.Start(ctx); err != nil {
		logger.Error("starting server", slogutil.KeyError, err)
		os.Exit(1)
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	<-signalCh

	logger.Info("stopping dhcp server")
	srv.Stop()
}

// ifaceIPv4 returns the first IPv4 address configured on the named
// interface.
func ifaceIPv4(name string, logger *slogutil.Logger) (ip netip.Addr) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		logger.Error("resolving interface", "interface", name, slogutil.KeyError, err)
		os.Exit(1)
	}

	addrs, err := iface.Addrs()
	if err != nil {
		logger.Error("reading interface addresses", "interface", name, slogutil.KeyError, err)
		os.Exit(1)
	}

	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}

		if v4 := ipNet.IP.To4(); v4 != nil {
			addr, ok := netip.AddrFromSlice(v4)
			if ok {
				return addr
			}
		}
	}

	logger.Error("no ipv4 address found", "interface", name)
	os.Exit(1)

	return netip.Addr{}
}

// addOffset returns base+n as a netip.Addr, for building a default pool
// range relative to the interface address.
func addOffset(base netip.Addr, n byte) (addr netip.Addr) {
	b := base.As4()
	b[3] += n

	return netip.AddrFrom4(b)
}
