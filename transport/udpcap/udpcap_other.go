//go:build !linux

package udpcap

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// SetMulticastTTL sets IP_MULTICAST_TTL via the portable unix package
// surface shared across BSD-derived platforms.
func (t *Transport) SetMulticastTTL(ttl int) error {
	if err := unix.SetsockoptInt(t.fd, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, ttl); err != nil {
		return fmt.Errorf("udpcap: setsockopt IP_MULTICAST_TTL: %w", err)
	}
	return nil
}

// SetMulticastLoop toggles IP_MULTICAST_LOOP.
func (t *Transport) SetMulticastLoop(enable bool) error {
	v := 0
	if enable {
		v = 1
	}
	if err := unix.SetsockoptInt(t.fd, unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, v); err != nil {
		return fmt.Errorf("udpcap: setsockopt IP_MULTICAST_LOOP: %w", err)
	}
	return nil
}

// SetMulticastTOS sets IP_TOS.
func (t *Transport) SetMulticastTOS(tos int) error {
	if err := unix.SetsockoptInt(t.fd, unix.IPPROTO_IP, unix.IP_TOS, tos); err != nil {
		return fmt.Errorf("udpcap: setsockopt IP_TOS: %w", err)
	}
	return nil
}

// RouterAlert always reports false outside Linux: this implementation
// only sets the IP Router Alert option via the Linux IP_OPTIONS path.
func (t *Transport) RouterAlert() bool { return false }

func (t *Transport) enableRouterAlert() {}

func (t *Transport) disableMulticastAllIfSupported() error { return nil }

func (t *Transport) joinGroup(udpAddr *net.UDPAddr) error {
	mreq := &unix.IPMreq{Multiaddr: [4]byte(udpAddr.IP.To4())}
	if err := unix.SetsockoptIPMreq(t.fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq); err != nil {
		return fmt.Errorf("udpcap: setsockopt IP_ADD_MEMBERSHIP: %w", err)
	}
	return nil
}
