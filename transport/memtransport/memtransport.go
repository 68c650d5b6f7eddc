// Package memtransport is an in-process DatagramTransport over a shared
// Bus, standing in for real multicast UDP in tests that need to control
// packet loss deterministically (spec §8's scenario tests: single-packet
// loss, unrecoverable loss, FEC repair). No example repo in the pack
// simulates a virtual network for protocol testing; this is hand-rolled
// against the DatagramTransport shape the core consumes, kept as small
// and unadorned as the teacher's own small single-purpose files.
package memtransport

import (
	"errors"
	"net"
	"sync"
)

// Addr names an endpoint or a multicast group on a Bus.
type Addr struct {
	ID string
}

func (a Addr) Network() string { return "mem" }
func (a Addr) String() string  { return a.ID }

type datagram struct {
	payload []byte
	from    Addr
}

// Bus is the shared medium a set of Transports attach to.
type Bus struct {
	mu      sync.Mutex
	nodes   map[string]*Transport
	groups  map[string]map[string]bool // group ID -> member node IDs
	nextSeq int
	// LossFn, if set, is consulted for every unicast/multicast hop with a
	// monotonically increasing sequence number; returning true drops that
	// hop, letting tests reproduce spec §8's named-sqn loss scenarios.
	LossFn func(from, to Addr, seq int) bool
}

// NewBus creates an empty shared medium.
func NewBus() *Bus {
	return &Bus{
		nodes:  make(map[string]*Transport),
		groups: make(map[string]map[string]bool),
	}
}

// NewTransport attaches a new node named id to the bus.
func (b *Bus) NewTransport(id string) *Transport {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := &Transport{
		bus:   b,
		addr:  Addr{ID: id},
		inbox: make(chan datagram, 256),
	}
	b.nodes[id] = t
	return t
}

// Transport is one Bus-attached DatagramTransport.
type Transport struct {
	bus   *Bus
	addr  Addr
	inbox chan datagram
}

// Addr reports this transport's own address.
func (t *Transport) Addr() Addr { return t.addr }

// SendTo delivers b to dest: a single node address, or a group address
// previously joined by one or more nodes via JoinGroup. Each hop is
// independently subject to bus.LossFn.
func (t *Transport) SendTo(b []byte, dest net.Addr) (int, error) {
	d, ok := dest.(Addr)
	if !ok {
		return 0, errors.New("memtransport: dest must be a memtransport.Addr")
	}
	cp := append([]byte(nil), b...)

	t.bus.mu.Lock()
	defer t.bus.mu.Unlock()

	members, isGroup := t.bus.groups[d.ID]
	if !isGroup {
		target, found := t.bus.nodes[d.ID]
		if !found {
			return 0, errors.New("memtransport: unknown destination " + d.ID)
		}
		if t.bus.drop(t.addr, d) {
			return len(b), nil
		}
		select {
		case target.inbox <- datagram{payload: cp, from: t.addr}:
		default:
		}
		return len(b), nil
	}

	for nodeID := range members {
		if nodeID == t.addr.ID {
			continue // PGM sources do not loop their own multicast back by default
		}
		target, found := t.bus.nodes[nodeID]
		if !found {
			continue
		}
		if t.bus.drop(t.addr, target.addr) {
			continue
		}
		select {
		case target.inbox <- datagram{payload: cp, from: t.addr}:
		default:
		}
	}
	return len(b), nil
}

func (b *Bus) drop(from, to Addr) bool {
	if b.LossFn == nil {
		return false
	}
	b.nextSeq++
	return b.LossFn(from, to, b.nextSeq)
}

// RecvFrom blocks until a datagram arrives, then copies it into buf.
func (t *Transport) RecvFrom(buf []byte) (int, net.Addr, error) {
	d, ok := <-t.inbox
	if !ok {
		return 0, nil, errors.New("memtransport: transport closed")
	}
	n := copy(buf, d.payload)
	return n, d.from, nil
}

// JoinGroup registers this transport as a member of the multicast group
// named by sg.
func (t *Transport) JoinGroup(sg net.Addr) error {
	g, ok := sg.(Addr)
	if !ok {
		return errors.New("memtransport: group address must be a memtransport.Addr")
	}
	t.bus.mu.Lock()
	defer t.bus.mu.Unlock()
	members, ok := t.bus.groups[g.ID]
	if !ok {
		members = make(map[string]bool)
		t.bus.groups[g.ID] = members
	}
	members[t.addr.ID] = true
	return nil
}

// SetMulticastLoop, SetMulticastTTL, SetMulticastTOS are no-ops: the bus
// has no hop count or DSCP concept.
func (t *Transport) SetMulticastLoop(bool) error { return nil }
func (t *Transport) SetMulticastTTL(int) error   { return nil }
func (t *Transport) SetMulticastTOS(int) error   { return nil }

// RouterAlert always reports false: the bus never sets IP option bits.
func (t *Transport) RouterAlert() bool { return false }

// Close releases this node's inbox so a blocked RecvFrom returns an
// error instead of hanging.
func (t *Transport) Close() {
	close(t.inbox)
}
