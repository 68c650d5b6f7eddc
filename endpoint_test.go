package openpgm

import (
	"errors"
	"testing"
	"time"

	"github.com/openpgm/pgm/internal/protocol"
	"github.com/openpgm/pgm/transport/memtransport"
)

// pumpOnPacket drains every datagram tr receives and feeds it to ep,
// until tr is closed.
func pumpOnPacket(tr *memtransport.Transport, ep *Endpoint) {
	buf := make([]byte, 65536)
	for {
		n, from, err := tr.RecvFrom(buf)
		if err != nil {
			return
		}
		_ = ep.OnPacket(buf[:n], from)
	}
}

// pumpTick calls ep.Tick at a short, fixed period until done is closed.
func pumpTick(ep *Endpoint, period time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ep.Tick(time.Now())
		case <-done:
			return
		}
	}
}

// drainRecv polls ep.Recvmsg until want deliveries have accumulated or
// deadline elapses, acknowledging CONN_RESET as it's raised so draining
// can continue past the peer that lost data.
func drainRecv(t *testing.T, ep *Endpoint, tsi TSI, want int, timeout time.Duration) []Delivery {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var got []Delivery
	for time.Now().Before(deadline) && len(got) < want {
		ds, err := ep.Recvmsg()
		got = append(got, ds...)
		if err != nil {
			if !errors.Is(err, ErrConnReset) {
				t.Fatalf("Recvmsg: %v", err)
			}
			ep.AcknowledgeReset(tsi)
		}
		time.Sleep(2 * time.Millisecond)
	}
	return got
}

func TestEndpointLossFreeSendRecv(t *testing.T) {
	bus := memtransport.NewBus()
	srcTr := bus.NewTransport("source")
	dstTr := bus.NewTransport("receiver")

	srcTSI := TSI{GSI: GSI{1, 1, 1, 1, 1, 1}, Port: 7500}
	dstTSI := TSI{GSI: GSI{2, 2, 2, 2, 2, 2}, Port: 7500}

	source, err := New(srcTSI, srcTr, WithMTU(1500))
	if err != nil {
		t.Fatalf("New source: %v", err)
	}
	receiver, err := New(dstTSI, dstTr, WithMTU(1500))
	if err != nil {
		t.Fatalf("New receiver: %v", err)
	}

	if err := source.Send([]byte("hello world"), dstTr.Addr()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	buf := make([]byte, 65536)
	n, from, err := dstTr.RecvFrom(buf)
	if err != nil {
		t.Fatalf("RecvFrom: %v", err)
	}
	if err := receiver.OnPacket(buf[:n], from); err != nil {
		t.Fatalf("OnPacket: %v", err)
	}

	deliveries, err := receiver.Recvmsg()
	if err != nil {
		t.Fatalf("Recvmsg: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(deliveries))
	}
	if string(deliveries[0].Payload) != "hello world" {
		t.Errorf("payload = %q, want %q", deliveries[0].Payload, "hello world")
	}
	if deliveries[0].TSI != srcTSI {
		t.Errorf("delivery TSI = %v, want %v", deliveries[0].TSI, srcTSI)
	}
}

func TestEndpointSetOptionRejectsInvalidValue(t *testing.T) {
	bus := memtransport.NewBus()
	tr := bus.NewTransport("solo")
	ep, err := New(TSI{GSI: GSI{1, 2, 3, 4, 5, 6}, Port: 1000}, tr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ep.SetOption(OptPeerExpiry, -time.Second); err == nil {
		t.Fatal("expected ConfigError for negative PEER_EXPIRY")
	}
}

func TestEndpointCloseReleasesPeers(t *testing.T) {
	bus := memtransport.NewBus()
	srcTr := bus.NewTransport("source2")
	dstTr := bus.NewTransport("receiver2")

	ep, err := New(TSI{GSI: GSI{9, 9, 9, 9, 9, 9}, Port: 9000}, dstTr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	source, err := New(TSI{GSI: GSI{1, 1, 1, 1, 1, 1}, Port: 7500}, srcTr)
	if err != nil {
		t.Fatalf("New source: %v", err)
	}
	if err := source.Send([]byte("x"), dstTr.Addr()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	buf := make([]byte, 65536)
	n, from, _ := dstTr.RecvFrom(buf)
	_ = ep.OnPacket(buf[:n], from)

	if ep.Stats().PeerCount != 1 {
		t.Fatalf("PeerCount = %d, want 1 before close", ep.Stats().PeerCount)
	}
	if err := ep.Close(false, nil); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ep.Stats().PeerCount != 0 {
		t.Fatalf("PeerCount = %d, want 0 after close", ep.Stats().PeerCount)
	}
}

func TestEndpointFragmentationReassemblesOverWire(t *testing.T) {
	bus := memtransport.NewBus()
	srcTr := bus.NewTransport("frag-source")
	dstTr := bus.NewTransport("frag-receiver")

	srcTSI := TSI{GSI: GSI{5, 5, 5, 5, 5, 5}, Port: 7500}
	dstTSI := TSI{GSI: GSI{6, 6, 6, 6, 6, 6}, Port: 7500}

	source, err := New(srcTSI, srcTr, WithMTU(64))
	if err != nil {
		t.Fatalf("New source: %v", err)
	}
	receiver, err := New(dstTSI, dstTr, WithMTU(64))
	if err != nil {
		t.Fatalf("New receiver: %v", err)
	}

	done := make(chan struct{})
	defer close(done)
	go pumpOnPacket(dstTr, receiver)
	defer dstTr.Close()
	defer srcTr.Close()

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := source.Send(payload, dstTr.Addr()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := drainRecv(t, receiver, srcTSI, 1, time.Second)
	if len(got) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(got))
	}
	if string(got[0].Payload) != string(payload) {
		t.Errorf("reassembled payload mismatch: got %d bytes, want %d bytes", len(got[0].Payload), len(payload))
	}
}

func TestEndpointNAKRepairRecoversSinglePacketLoss(t *testing.T) {
	bus := memtransport.NewBus()
	srcTr := bus.NewTransport("nak-source")
	dstTr := bus.NewTransport("nak-receiver")

	hops := 0
	bus.LossFn = func(from, to memtransport.Addr, seq int) bool {
		if from == srcTr.Addr() && to == dstTr.Addr() {
			hops++
			return hops == 2 // drop only the second ODATA (sqn 1)
		}
		return false
	}

	srcTSI := TSI{GSI: GSI{3, 3, 3, 3, 3, 3}, Port: 7500}
	dstTSI := TSI{GSI: GSI{4, 4, 4, 4, 4, 4}, Port: 7500}

	timers := WithNakTimers(5*time.Millisecond, 50*time.Millisecond, time.Second)
	source, err := New(srcTSI, srcTr, WithMTU(1500), timers)
	if err != nil {
		t.Fatalf("New source: %v", err)
	}
	receiver, err := New(dstTSI, dstTr, WithMTU(1500), timers)
	if err != nil {
		t.Fatalf("New receiver: %v", err)
	}

	done := make(chan struct{})
	defer close(done)
	go pumpOnPacket(srcTr, source)
	go pumpOnPacket(dstTr, receiver)
	go pumpTick(receiver, 2*time.Millisecond, done)
	defer dstTr.Close()
	defer srcTr.Close()

	messages := [][]byte{[]byte("aaa"), []byte("bbb"), []byte("ccc")}
	for _, m := range messages {
		if err := source.Send(m, dstTr.Addr()); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	got := drainRecv(t, receiver, srcTSI, len(messages), 2*time.Second)
	if len(got) != len(messages) {
		t.Fatalf("got %d deliveries, want %d", len(got), len(messages))
	}
	for i, d := range got {
		if string(d.Payload) != string(messages[i]) {
			t.Errorf("delivery %d = %q, want %q", i, d.Payload, messages[i])
		}
		if d.Gap {
			t.Errorf("delivery %d unexpectedly marked Gap", i)
		}
	}
}

func TestEndpointFECRepairsSinglePacketLoss(t *testing.T) {
	bus := memtransport.NewBus()
	srcTr := bus.NewTransport("fec-source")
	dstTr := bus.NewTransport("fec-receiver")

	hops := 0
	bus.LossFn = func(from, to memtransport.Addr, seq int) bool {
		if from == srcTr.Addr() && to == dstTr.Addr() {
			hops++
			return hops == 2 // drop the second group-0 data packet (sqn 1)
		}
		return false
	}

	srcTSI := TSI{GSI: GSI{7, 7, 7, 7, 7, 7}, Port: 7500}
	dstTSI := TSI{GSI: GSI{8, 8, 8, 8, 8, 8}, Port: 7500}

	// Long NAK timers so the repair observed is attributable to FEC, not
	// a NAK round trip racing it.
	opts := []Option{
		WithMTU(1500),
		WithNakTimers(5*time.Second, 5*time.Second, 5*time.Second),
		WithFEC(FECParams{N: 5, K: 3}),
	}
	source, err := New(srcTSI, srcTr, opts...)
	if err != nil {
		t.Fatalf("New source: %v", err)
	}
	receiver, err := New(dstTSI, dstTr, opts...)
	if err != nil {
		t.Fatalf("New receiver: %v", err)
	}

	done := make(chan struct{})
	defer close(done)
	go pumpOnPacket(dstTr, receiver)
	defer dstTr.Close()
	defer srcTr.Close()

	messages := [][]byte{[]byte("msg_0"), []byte("msg_1"), []byte("msg_2")}
	for _, m := range messages {
		if err := source.Send(m, dstTr.Addr()); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	got := drainRecv(t, receiver, srcTSI, len(messages), time.Second)
	if len(got) != len(messages) {
		t.Fatalf("got %d deliveries, want %d", len(got), len(messages))
	}
	for i, d := range got {
		if d.Gap {
			t.Errorf("delivery %d unexpectedly marked Gap: FEC should have repaired it", i)
		}
		if string(d.Payload) != string(messages[i]) {
			t.Errorf("delivery %d = %q, want %q", i, d.Payload, messages[i])
		}
	}
}

func TestEndpointUnrecoverableLossReportsGapAndReset(t *testing.T) {
	bus := memtransport.NewBus()
	srcTr := bus.NewTransport("lost-source")
	dstTr := bus.NewTransport("lost-receiver")

	hops := 0
	bus.LossFn = func(from, to memtransport.Addr, seq int) bool {
		if from == srcTr.Addr() && to == dstTr.Addr() {
			hops++
			return hops == 2 // drop sqn 1; its repair NAK is never answered
		}
		return false
	}

	srcTSI := TSI{GSI: GSI{10, 10, 10, 10, 10, 10}, Port: 7500}
	dstTSI := TSI{GSI: GSI{11, 11, 11, 11, 11, 11}, Port: 7500}

	// source intentionally has no OnPacket pump: its NAK inbox is never
	// drained, so repair requests go permanently unanswered.
	source, err := New(srcTSI, srcTr, WithMTU(1500))
	if err != nil {
		t.Fatalf("New source: %v", err)
	}
	receiver, err := New(dstTSI, dstTr, WithMTU(1500),
		WithNakTimers(5*time.Millisecond, 5*time.Millisecond, time.Second),
		WithNakRetries(1, 1))
	if err != nil {
		t.Fatalf("New receiver: %v", err)
	}

	done := make(chan struct{})
	defer close(done)
	go pumpOnPacket(dstTr, receiver)
	go pumpTick(receiver, 2*time.Millisecond, done)
	defer dstTr.Close()
	defer srcTr.Close()

	messages := [][]byte{[]byte("aaa"), []byte("bbb"), []byte("ccc")}
	for _, m := range messages {
		if err := source.Send(m, dstTr.Addr()); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	got := drainRecv(t, receiver, srcTSI, len(messages), 2*time.Second)
	if len(got) != len(messages) {
		t.Fatalf("got %d deliveries, want %d", len(got), len(messages))
	}
	if got[0].Gap || string(got[0].Payload) != "aaa" {
		t.Errorf("delivery 0 = %+v, want payload aaa, no gap", got[0])
	}
	if !got[1].Gap {
		t.Errorf("delivery 1 should be a gap marker for the unrecovered sqn")
	}
	if got[2].Gap || string(got[2].Payload) != "ccc" {
		t.Errorf("delivery 2 = %+v, want payload ccc, no gap", got[2])
	}
}

func TestEndpointTickEmitsPeriodicSPM(t *testing.T) {
	bus := memtransport.NewBus()
	srcTr := bus.NewTransport("spm-source")
	dstTr := bus.NewTransport("spm-receiver")

	srcTSI := TSI{GSI: GSI{7, 7, 7, 7, 7, 7}, Port: 7500}
	source, err := New(srcTSI, srcTr, WithMTU(1500))
	if err != nil {
		t.Fatalf("New source: %v", err)
	}

	if err := source.Send([]byte("x"), dstTr.Addr()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	buf := make([]byte, 65536)
	n, _, err := dstTr.RecvFrom(buf) // the ODATA
	if err != nil {
		t.Fatalf("RecvFrom ODATA: %v", err)
	}
	if pkt, err := protocol.Decode(buf[:n]); err != nil || pkt.Header.Type != protocol.TypeODATA {
		t.Fatalf("first packet = %+v, %v, want ODATA", pkt, err)
	}

	// Force the heartbeat deadline Send scheduled to fire, well past its
	// 100ms first step.
	source.Tick(time.Now().Add(time.Hour))

	n, _, err = dstTr.RecvFrom(buf)
	if err != nil {
		t.Fatalf("RecvFrom SPM: %v", err)
	}
	pkt, err := protocol.Decode(buf[:n])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pkt.Header.Type != protocol.TypeSPM {
		t.Fatalf("packet type = %v, want SPM", pkt.Header.Type)
	}
}

func TestEndpointCapabilityGatesSendAndReceive(t *testing.T) {
	bus := memtransport.NewBus()
	srcTr := bus.NewTransport("cap-source")
	dstTr := bus.NewTransport("cap-receiver")

	recvOnly, err := New(TSI{GSI: GSI{1, 1, 1, 1, 1, 1}, Port: 1}, dstTr, WithCapability(CapabilityRecvOnly))
	if err != nil {
		t.Fatalf("New recvOnly: %v", err)
	}
	if err := recvOnly.Send([]byte("x"), srcTr.Addr()); err == nil {
		t.Fatal("expected error sending from a receive-only endpoint")
	}

	sendOnly, err := New(TSI{GSI: GSI{2, 2, 2, 2, 2, 2}, Port: 2}, srcTr, WithCapability(CapabilitySendOnly))
	if err != nil {
		t.Fatalf("New sendOnly: %v", err)
	}
	if err := sendOnly.Send([]byte("hello"), dstTr.Addr()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	buf := make([]byte, 65536)
	n, from, err := dstTr.RecvFrom(buf)
	if err != nil {
		t.Fatalf("RecvFrom: %v", err)
	}
	if err := sendOnly.OnPacket(buf[:n], from); err != nil {
		t.Fatalf("OnPacket: %v", err)
	}
	if sendOnly.Stats().PeerCount != 0 {
		t.Fatalf("send-only endpoint registered a peer from inbound data, want none")
	}
}

func TestEndpointPOLLSPMRAndNNAK(t *testing.T) {
	bus := memtransport.NewBus()
	srcTr := bus.NewTransport("ctl-source")
	dstTr := bus.NewTransport("ctl-receiver")

	srcTSI := TSI{GSI: GSI{8, 8, 8, 8, 8, 8}, Port: 7500}
	source, err := New(srcTSI, srcTr, WithMTU(1500), WithNakRetries(50, 1))
	if err != nil {
		t.Fatalf("New source: %v", err)
	}

	if err := source.Send([]byte("payload"), dstTr.Addr()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	buf := make([]byte, 65536)
	n, _, err := dstTr.RecvFrom(buf) // ODATA, sqn 0
	if err != nil {
		t.Fatalf("RecvFrom ODATA: %v", err)
	}
	if _, err := protocol.Decode(buf[:n]); err != nil {
		t.Fatalf("decode ODATA: %v", err)
	}

	dstAddr := dstTr.Addr()
	peerGSI := GSI{9, 9, 9, 9, 9, 9}

	// POLL -> POLR
	poll, err := protocol.Encode(&protocol.Packet{
		Header: protocol.Header{Type: protocol.TypePOLL, GSI: peerGSI, SourcePort: 1},
		SPMSqn: 5, SPMTrail: 1, SPMLead: 2,
	})
	if err != nil {
		t.Fatalf("encode POLL: %v", err)
	}
	if err := source.OnPacket(poll, dstAddr); err != nil {
		t.Fatalf("OnPacket POLL: %v", err)
	}
	n, _, err = dstTr.RecvFrom(buf)
	if err != nil {
		t.Fatalf("RecvFrom POLR: %v", err)
	}
	pkt, err := protocol.Decode(buf[:n])
	if err != nil || pkt.Header.Type != protocol.TypePOLR || pkt.SPMSqn != 5 {
		t.Fatalf("got %+v, %v, want POLR echoing SPMSqn 5", pkt, err)
	}

	// SPMR -> SPM
	spmr, err := protocol.Encode(&protocol.Packet{
		Header: protocol.Header{Type: protocol.TypeSPMR, GSI: peerGSI, SourcePort: 1},
	})
	if err != nil {
		t.Fatalf("encode SPMR: %v", err)
	}
	if err := source.OnPacket(spmr, dstAddr); err != nil {
		t.Fatalf("OnPacket SPMR: %v", err)
	}
	n, _, err = dstTr.RecvFrom(buf)
	if err != nil {
		t.Fatalf("RecvFrom SPM: %v", err)
	}
	if pkt, err := protocol.Decode(buf[:n]); err != nil || pkt.Header.Type != protocol.TypeSPM {
		t.Fatalf("got %+v, %v, want SPM reply to SPMR", pkt, err)
	}

	// A second, immediate SPMR must be debounced: sending a POLL right
	// after proves no stray SPM queued ahead of the POLR.
	if err := source.OnPacket(spmr, dstAddr); err != nil {
		t.Fatalf("OnPacket SPMR repeat: %v", err)
	}
	if err := source.OnPacket(poll, dstAddr); err != nil {
		t.Fatalf("OnPacket POLL 2: %v", err)
	}
	n, _, err = dstTr.RecvFrom(buf)
	if err != nil {
		t.Fatalf("RecvFrom after repeat SPMR: %v", err)
	}
	if pkt, err := protocol.Decode(buf[:n]); err != nil || pkt.Header.Type != protocol.TypePOLR {
		t.Fatalf("got %+v, %v, want POLR (repeat SPMR should have been suppressed)", pkt, err)
	}

	// NAK(0) -> RDATA
	nak0, err := protocol.Encode(&protocol.Packet{
		Header: protocol.Header{Type: protocol.TypeNAK, GSI: peerGSI, SourcePort: 1},
		NAKSqn: 0,
	})
	if err != nil {
		t.Fatalf("encode NAK: %v", err)
	}
	if err := source.OnPacket(nak0, dstAddr); err != nil {
		t.Fatalf("OnPacket NAK(0): %v", err)
	}
	n, _, err = dstTr.RecvFrom(buf)
	if err != nil {
		t.Fatalf("RecvFrom RDATA: %v", err)
	}
	if pkt, err := protocol.Decode(buf[:n]); err != nil || pkt.Header.Type != protocol.TypeRDATA {
		t.Fatalf("got %+v, %v, want RDATA for sqn 0", pkt, err)
	}

	// NNAK(0) exhausts the repair budget (NakDataRetries=1).
	nnak0, err := protocol.Encode(&protocol.Packet{
		Header: protocol.Header{Type: protocol.TypeNNAK, GSI: peerGSI, SourcePort: 1},
		NAKSqn: 0,
	})
	if err != nil {
		t.Fatalf("encode NNAK: %v", err)
	}
	if err := source.OnPacket(nnak0, dstAddr); err != nil {
		t.Fatalf("OnPacket NNAK(0): %v", err)
	}

	// A second NAK(0) should now be suppressed; a following NAK for an
	// out-of-window sqn proves it by producing only an NCF next.
	if err := source.OnPacket(nak0, dstAddr); err != nil {
		t.Fatalf("OnPacket NAK(0) repeat: %v", err)
	}
	nak99, err := protocol.Encode(&protocol.Packet{
		Header: protocol.Header{Type: protocol.TypeNAK, GSI: peerGSI, SourcePort: 1},
		NAKSqn: 99,
	})
	if err != nil {
		t.Fatalf("encode NAK(99): %v", err)
	}
	if err := source.OnPacket(nak99, dstAddr); err != nil {
		t.Fatalf("OnPacket NAK(99): %v", err)
	}
	n, _, err = dstTr.RecvFrom(buf)
	if err != nil {
		t.Fatalf("RecvFrom after suppressed NAK: %v", err)
	}
	pkt, err = protocol.Decode(buf[:n])
	if err != nil || pkt.Header.Type != protocol.TypeNCF || pkt.NAKSqn != 99 {
		t.Fatalf("got %+v, %v, want NCF for sqn 99 (repeat NAK(0) should have been suppressed)", pkt, err)
	}
}
