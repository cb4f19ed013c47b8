package dhcpd

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"golang.org/x/sys/unix"
)

// inboundMessage is one received-and-parsed datagram, queued for dispatch.
type inboundMessage struct {
	msg   *dhcpv4.DHCPv4
	peer  *net.UDPAddr
	iface string
	conn  *net.UDPConn
}

// listener owns one bound UDP socket, per spec.md §4.6: one socket per
// configured listen address, SO_REUSEADDR and SO_BROADCAST set, yielding
// parsed messages with their peer address to the dispatcher.
type listener struct {
	addr string
	conn *net.UDPConn
}

// dhcpListenConfig is shared by every listener; its Control callback sets the
// socket options the teacher's conn_unix.go achieves via a raw+UDP
// connection pair, simplified here to a single broadcast-capable UDP socket
// per spec.md §4.6's plain-UDP-socket requirement.
var dhcpListenConfig = net.ListenConfig{
	Control: func(_, _ string, c syscall.RawConn) (err error) {
		var sockErr error
		ctrlErr := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			if sockErr != nil {
				return
			}

			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
		})
		if ctrlErr != nil {
			return ctrlErr
		}

		return sockErr
	},
}

// newListener binds a UDP socket on addr (host:port) with SO_REUSEADDR and
// SO_BROADCAST set.
func newListener(ctx context.Context, addr string) (l *listener, err error) {
	pc, err := dhcpListenConfig.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()

		return nil, fmt.Errorf("unexpected packet conn type %T", pc)
	}

	return &listener{addr: addr, conn: conn}, nil
}

// recvLoop reads datagrams from l, parses them with ParseMessage, and sends
// successfully parsed messages to out.  It runs until ctx is cancelled or the
// socket is closed, per spec.md §5's "receive tasks wake via socket close".
func (l *listener) recvLoop(ctx context.Context, iface string, out chan<- inboundMessage, logger *slogutil.Logger) {
	buf := make([]byte, 1500)

	for {
		n, peer, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			logger.Debug("recv failed", "listener", l.addr, "error", err)

			continue
		}

		msg, perr := ParseMessage(buf[:n])
		if perr != nil {
			logger.Debug("dropping malformed datagram", "listener", l.addr, "error", perr)

			continue
		}

		select {
		case out <- inboundMessage{msg: msg, peer: peer, iface: iface, conn: l.conn}:
		case <-ctx.Done():
			return
		}
	}
}

// Close closes the underlying socket.
func (l *listener) Close() (err error) {
	return l.conn.Close()
}

// sendResponse implements the send-selection table of RFC 2131 §4.1, adapted
// from the teacher's send() (conn_linux.go): a relay agent in giaddr always
// gets a unicast reply, with the broadcast bit forced on a DHCPNAK so the
// agent in turn broadcasts it to a client that may not yet answer ARP; a
// DHCPNAK with no relay is broadcast outright; a client with a current
// address (ciaddr) is unicast there; otherwise the offered/assigned address
// in yiaddr is used if known, falling back to broadcast.  Unlike the
// teacher's raw-socket send, this server only has a plain UDP socket, so it
// cannot target the client's hardware address directly before the client has
// an IP a UDP stack can route to; yiaddr is used as a next-best unicast
// target, and broadcastIP (the subnet's broadcast address) is tried
// alongside the 255.255.255.255 limited broadcast so clients bound only to
// the subnet address still see the reply.
func sendResponse(conn *net.UDPConn, resp *dhcpv4.DHCPv4, broadcastIP net.IP, maxLen int, logger *slogutil.Logger) {
	giaddr := resp.GatewayIPAddr
	if giaddr != nil && !giaddr.IsUnspecified() && resp.MessageType() == dhcpv4.MessageTypeNak {
		resp.SetBroadcast()
	}

	data, err := SerializeMessage(resp, maxLen)
	if err != nil {
		logger.Error("serializing response", "error", err)

		return
	}

	for _, dst := range responseDestinations(resp, broadcastIP) {
		writeTo(conn, data, dst, logger)
	}
}

// responseDestinations computes the RFC 2131 §4.1 send-selection targets for
// resp, in priority order: a relay agent in giaddr always wins; otherwise a
// DHCPNAK with no relay is broadcast; otherwise a client with a current
// address (ciaddr) is unicast there; otherwise the offered/assigned address
// in yiaddr is used if known; and failing all of that the reply is
// broadcast both to the limited-broadcast address and the subnet's own
// broadcast address, so clients bound only to the subnet address still see
// it.
func responseDestinations(resp *dhcpv4.DHCPv4, broadcastIP net.IP) (dsts []*net.UDPAddr) {
	giaddr := resp.GatewayIPAddr

	switch {
	case giaddr != nil && !giaddr.IsUnspecified():
		return []*net.UDPAddr{{IP: giaddr, Port: dhcpv4.ServerPort}}
	case resp.MessageType() == dhcpv4.MessageTypeNak:
		return []*net.UDPAddr{{IP: net.IPv4bcast, Port: dhcpv4.ClientPort}}
	case resp.ClientIPAddr != nil && !resp.ClientIPAddr.IsUnspecified():
		return []*net.UDPAddr{{IP: resp.ClientIPAddr, Port: dhcpv4.ClientPort}}
	case resp.YourIPAddr != nil && !resp.YourIPAddr.IsUnspecified():
		return []*net.UDPAddr{{IP: resp.YourIPAddr, Port: dhcpv4.ClientPort}}
	default:
		dsts = []*net.UDPAddr{{IP: net.IPv4bcast, Port: dhcpv4.ClientPort}}
		if broadcastIP != nil {
			dsts = append(dsts, &net.UDPAddr{IP: broadcastIP, Port: dhcpv4.ClientPort})
		}

		return dsts
	}
}

// writeTo writes data to addr over conn, logging (not panicking) on error,
// matching the teacher's broadcast()'s best-effort send semantics.
func writeTo(conn *net.UDPConn, data []byte, addr *net.UDPAddr, logger *slogutil.Logger) {
	if _, err := conn.WriteToUDP(data, addr); err != nil {
		logger.Error("sending response", "addr", addr, "error", err)
	}
}
