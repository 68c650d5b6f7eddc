// Package udpcap is the real-socket DatagramTransport: UDP multicast,
// joined on a named interface, with the handful of IP-level socket
// options RFC 3208 transport requires (multicast TTL/TOS, loopback
// suppression, router alert where the platform offers it).
package udpcap

import (
	"errors"
	"fmt"
	"net"

	"github.com/higebu/netfd"
)

// Config names the multicast group and interface a Transport binds to.
type Config struct {
	// Interface is the network interface name to join the group on
	// (e.g. "eth0"). Empty selects the system default multicast
	// interface.
	Interface string
	// Group is the multicast address and UDP port packets are sent to
	// and received from.
	Group *net.UDPAddr
	// TTL is the IP TTL stamped on sent multicast datagrams.
	TTL int
	// TOS is the IP type-of-service/DSCP value stamped on sent
	// datagrams; PGM sources conventionally mark control traffic to
	// distinguish it from bulk ODATA, though this implementation
	// applies one TOS value uniformly per Transport.
	TOS int
	// Loopback controls whether the kernel reflects this host's own
	// transmitted multicast datagrams back to its own receive socket.
	Loopback bool
}

// Transport is a DatagramTransport over a real UDP multicast socket.
type Transport struct {
	conn           *net.UDPConn
	fd             int
	ifi            *net.Interface
	cfg            Config
	routerAlertSet bool
}

// New opens a UDP socket, joins cfg.Group on cfg.Interface, and applies
// the socket options in cfg. The returned Transport satisfies the
// DatagramTransport interface consumed by Endpoint.
func New(cfg Config) (*Transport, error) {
	if cfg.Group == nil {
		return nil, errors.New("udpcap: Config.Group must not be nil")
	}

	var ifi *net.Interface
	if cfg.Interface != "" {
		found, err := net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("udpcap: lookup interface %q: %w", cfg.Interface, err)
		}
		ifi = found
	}

	conn, err := net.ListenMulticastUDP("udp4", ifi, cfg.Group)
	if err != nil {
		return nil, fmt.Errorf("udpcap: join multicast group %v: %w", cfg.Group, err)
	}

	t := &Transport{
		conn: conn,
		fd:   netfd.GetFdFromConn(conn),
		ifi:  ifi,
		cfg:  cfg,
	}

	if err := t.applyOptions(); err != nil {
		conn.Close()
		return nil, err
	}

	return t, nil
}

func (t *Transport) applyOptions() error {
	if t.cfg.TTL > 0 {
		if err := t.SetMulticastTTL(t.cfg.TTL); err != nil {
			return err
		}
	}
	if err := t.SetMulticastLoop(t.cfg.Loopback); err != nil {
		return err
	}
	if t.cfg.TOS > 0 {
		if err := t.SetMulticastTOS(t.cfg.TOS); err != nil {
			return err
		}
	}
	if err := t.disableMulticastAllIfSupported(); err != nil {
		return err
	}
	t.enableRouterAlert()
	return nil
}

// SendTo writes b to dest, which must be a *net.UDPAddr.
func (t *Transport) SendTo(b []byte, dest net.Addr) (int, error) {
	udpDest, ok := dest.(*net.UDPAddr)
	if !ok {
		return 0, fmt.Errorf("udpcap: dest must be *net.UDPAddr, got %T", dest)
	}
	return t.conn.WriteToUDP(b, udpDest)
}

// RecvFrom reads the next datagram into buf.
func (t *Transport) RecvFrom(buf []byte) (int, net.Addr, error) {
	n, addr, err := t.conn.ReadFromUDP(buf)
	return n, addr, err
}

// JoinGroup joins an additional multicast group beyond the one New
// bound to, via setsockopt(IP_ADD_MEMBERSHIP).
func (t *Transport) JoinGroup(sg net.Addr) error {
	udpAddr, ok := sg.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("udpcap: group address must be *net.UDPAddr, got %T", sg)
	}
	return t.joinGroup(udpAddr)
}

// Close releases the underlying socket.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// LocalAddr reports the bound local address.
func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}
