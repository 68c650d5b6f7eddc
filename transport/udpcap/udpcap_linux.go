//go:build linux

package udpcap

import (
	"fmt"
	"net"

	"github.com/docker/docker/pkg/parsers/kernel"
	"golang.org/x/sys/unix"
)

// multicastAllSupported gates use of IP_MULTICAST_ALL, added in Linux
// 3.9; on older kernels a process with several sockets bound to the
// same multicast port receives every group's traffic on all of them
// regardless, so there is nothing to disable.
var multicastAllSupported = false

func init() {
	v, err := kernel.GetKernelVersion()
	if err != nil {
		return
	}
	multicastAllSupported = kernel.CompareKernelVersion(*v, kernel.VersionInfo{Kernel: 3, Major: 9, Minor: 0}) >= 0
}

// SetMulticastTTL sets IP_MULTICAST_TTL, the hop count stamped on
// outgoing multicast datagrams.
func (t *Transport) SetMulticastTTL(ttl int) error {
	if err := unix.SetsockoptInt(t.fd, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, ttl); err != nil {
		return fmt.Errorf("udpcap: setsockopt IP_MULTICAST_TTL: %w", err)
	}
	return nil
}

// SetMulticastLoop toggles IP_MULTICAST_LOOP; PGM sources normally
// disable this so a sender does not NAK its own transmissions.
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

// SetMulticastTOS sets IP_TOS on outgoing datagrams.
func (t *Transport) SetMulticastTOS(tos int) error {
	if err := unix.SetsockoptInt(t.fd, unix.IPPROTO_IP, unix.IP_TOS, tos); err != nil {
		return fmt.Errorf("udpcap: setsockopt IP_TOS: %w", err)
	}
	return nil
}

// RouterAlert reports whether this transport was able to set the IP
// Router Alert option (RFC 2113) on its socket; PGM network elements
// use it to intercept control traffic without full packet inspection.
// Not all kernels grant CAP_NET_RAW to set raw IP options on a UDP
// socket, so failure here is non-fatal and merely disables the flag.
func (t *Transport) RouterAlert() bool {
	return t.routerAlertSet
}

func (t *Transport) enableRouterAlert() {
	// IP Router Alert option: type 0x94, length 4, value 0.
	opt := []byte{0x94, 0x04, 0x00, 0x00}
	if err := unix.SetsockoptString(t.fd, unix.IPPROTO_IP, unix.IP_OPTIONS, string(opt)); err == nil {
		t.routerAlertSet = true
	}
}

func (t *Transport) disableMulticastAllIfSupported() error {
	if !multicastAllSupported {
		return nil
	}
	if err := unix.SetsockoptInt(t.fd, unix.IPPROTO_IP, unix.IP_MULTICAST_ALL, 0); err != nil {
		return fmt.Errorf("udpcap: setsockopt IP_MULTICAST_ALL: %w", err)
	}
	return nil
}

func (t *Transport) joinGroup(udpAddr *net.UDPAddr) error {
	mreq := &unix.IPMreq{Multiaddr: [4]byte(udpAddr.IP.To4())}
	if t.ifi != nil {
		addrs, err := t.ifi.Addrs()
		if err == nil {
			for _, a := range addrs {
				if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To4() != nil {
					mreq.Interface = [4]byte(ipn.IP.To4())
					break
				}
			}
		}
	}
	if err := unix.SetsockoptIPMreq(t.fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq); err != nil {
		return fmt.Errorf("udpcap: setsockopt IP_ADD_MEMBERSHIP: %w", err)
	}
	return nil
}
