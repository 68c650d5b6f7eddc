// Package openpgm implements the Pragmatic General Multicast reliable
// transport described in RFC 3208: a sender transmit window with
// repeat-on-NAK retransmission, a receiver NAK state machine with
// back-off and loss detection, optional Reed-Solomon forward error
// correction, and leaky-bucket rate control on both data and repair
// traffic.
//
// Endpoint is the main entry point: one per local transport session
// identifier, bound to a DatagramTransport (a real UDP multicast socket
// via transport/udpcap, or an in-memory bus via transport/memtransport
// for tests). Send/Sendv publish application data; OnPacket feeds
// received datagrams in; Recvmsg drains payloads reassembled from
// received fragments, in order, with gaps reported once repair is
// exhausted.
package openpgm
