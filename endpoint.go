package openpgm

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openpgm/pgm/internal/fec"
	"github.com/openpgm/pgm/internal/metrics"
	"github.com/openpgm/pgm/internal/protocol"
	"github.com/openpgm/pgm/internal/randstate"
	"github.com/openpgm/pgm/internal/ratecontrol"
	"github.com/openpgm/pgm/internal/rxwindow"
	"github.com/openpgm/pgm/internal/serial"
	"github.com/openpgm/pgm/internal/skb"
	"github.com/openpgm/pgm/internal/timerwheel"
	"github.com/openpgm/pgm/internal/txwindow"
)

// spmTimerID is the internal/timerwheel deadline key for this endpoint's
// one recurring ambient/heartbeat SPM schedule.
const spmTimerID = "spm"

// DatagramTransport is the only I/O surface this module consumes. A
// concrete implementation lives in transport/udpcap (real multicast UDP)
// or transport/memtransport (in-process, for tests); the protocol core
// never imports net directly beyond this interface's shape.
type DatagramTransport interface {
	SendTo(b []byte, dest net.Addr) (int, error)
	RecvFrom(buf []byte) (int, net.Addr, error)
	JoinGroup(sg net.Addr) error
	SetMulticastLoop(enabled bool) error
	SetMulticastTTL(ttl int) error
	SetMulticastTOS(tos int) error
	RouterAlert() bool
}

// Clock is the time source the endpoint and its windows use; satisfied
// structurally by any real-time or fake-time implementation, same
// "accept interfaces, define where used" shape as internal/rxwindow.Clock
// and internal/ratecontrol.Clock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Delivery is one unit handed to the application by Recvmsg: either a
// reassembled APDU's bytes, or a gap marker where data was declared Lost.
type Delivery struct {
	TSI     TSI
	Payload []byte
	Gap     bool
}

type peerState struct {
	tsi              TSI
	nla              net.Addr
	rx               *rxwindow.Window
	lastSPMSqn       uint32
	lastSeen         time.Time
	lastSPMRResponse time.Time // debounces repeated SPMR into one SPM, not a storm
	resetAck         bool      // true once the application has acknowledged a CONN_RESET
	hadLoss          bool
}

func (p *peerState) Stats() metrics.PeerStats {
	return metrics.PeerStats{
		RxWindowOccupancy: float64(p.rx.Len()) / float64(p.rx.Capacity()),
		PacketsLost:       float64(p.rx.LostCount()),
	}
}

// Endpoint is the public socket-like handle: one per local TSI, bound to
// exactly one DatagramTransport, speaking to any number of peers keyed by
// their own TSIs.
type Endpoint struct {
	cfg       Config
	localTSI  TSI
	transport DatagramTransport
	clock     Clock
	rnd       *randstate.State
	logger    *logrus.Logger

	tx        *txwindow.Window
	txBucket  *ratecontrol.Bucket
	repairBkt *ratecontrol.Bucket
	fecCodec  *fec.Codec
	metrics   *metrics.Collector

	// fecGroupFirstSqn/fecGroupCount track the in-progress proactive FEC
	// source block; fecGroupIndex is the next group's number. A group
	// always spans FEC.N contiguous sqns (FEC.K data + FEC.N-FEC.K parity),
	// so group g's first sqn is g*FEC.N.
	fecGroupFirstSqn uint32
	fecGroupCount    int
	fecGroupIndex    uint32

	// wheel drives the recurring ambient/heartbeat SPM deadline (C8);
	// spmSqn is the next SPM's sequence number, spmDest the last address
	// Sendv targeted (periodic SPM has nowhere to go until one send has
	// happened), and heartbeatIndex the position in cfg.HeartbeatSPM's
	// geometric schedule, reset to 0 on every Sendv.
	wheel          *timerwheel.Wheel
	spmSqn         uint32
	spmDest        net.Addr
	heartbeatIndex int

	// nnakBudget counts down a sqn's remaining repair attempts once an
	// N-NAK reports that a network element already throttled repeat NAKs
	// for it; handleNAK stops answering once a budget reaches zero.
	nnakBudget map[uint32]int

	mu        sync.Mutex
	peers     map[string]*peerState // guarded by mu
	closed    bool
	openedAt  time.Time
	closedAt  time.Time
	bytesSent int64
	bytesRecv int64
}

// New builds an Endpoint bound to transport under localTSI, applying opts
// over DefaultConfig.
func New(localTSI TSI, transport DatagramTransport, opts ...Option) (*Endpoint, error) {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	e := &Endpoint{
		cfg:        cfg,
		localTSI:   localTSI,
		transport:  transport,
		clock:      realClock{},
		rnd:        randstate.New(),
		logger:     logrus.New(),
		peers:      make(map[string]*peerState),
		openedAt:   time.Now(),
		wheel:      timerwheel.New(),
		nnakBudget: make(map[uint32]int),
		// No Sendv has happened yet, so the heartbeat schedule starts
		// already exhausted: the only SPM cadence is the fixed ambient
		// interval, until a send resets heartbeatIndex to 0.
		heartbeatIndex: len(cfg.HeartbeatSPM),
	}

	fragPayload := cfg.MTU - protocol.FixedHeaderLen - 8 // ODATA/RDATA body header
	if fragPayload <= 0 {
		return nil, newError(KindConfigError, "MTU too small to carry any payload", nil)
	}
	e.tx = txwindow.New(cfg.TxWindowSqns, fragPayload, txwindow.DefaultMaxFragments)

	if cfg.TxWindowMaxRte > 0 {
		e.txBucket = ratecontrol.NewBucket(cfg.TxWindowMaxRte, cfg.TxWindowMaxRte, e.clock)
	}
	if cfg.RxWindowMaxRte > 0 {
		e.repairBkt = ratecontrol.NewBucket(cfg.RxWindowMaxRte, cfg.RxWindowMaxRte, e.clock)
	}

	if cfg.FEC != nil {
		codec, err := fec.New(cfg.FEC.N, cfg.FEC.K)
		if err != nil {
			return nil, newError(KindConfigError, "invalid USE_FEC parameters", err)
		}
		e.fecCodec = codec
	}

	e.metrics = metrics.NewCollector("pgm", []string{"tsi"}, nil)

	e.wheel.Schedule(spmTimerID, e.clock.Now().Add(cfg.AmbientSPM), e.emitPeriodicSPM)

	return e, nil
}

// Metrics exposes the endpoint's Prometheus collector for registration
// with a caller-owned registry.
func (e *Endpoint) Metrics() *metrics.Collector {
	return e.metrics
}

// Send publishes payload as one APDU, fragmenting it across the transmit
// window's payload-per-packet size if necessary, and transmits every
// resulting ODATA packet to dest.
func (e *Endpoint) Send(payload []byte, dest net.Addr) error {
	return e.Sendv([][]byte{payload}, dest)
}

// Sendv publishes several payloads as one logically-ordered burst, each
// as its own APDU.
func (e *Endpoint) Sendv(payloads [][]byte, dest net.Addr) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return newError(KindEngineError, "send on closed endpoint", nil)
	}
	if e.cfg.Capability == CapabilityRecvOnly {
		return newError(KindEngineError, "Send/Sendv called on a receive-only endpoint", nil)
	}

	e.spmDest = dest
	if len(e.cfg.HeartbeatSPM) > 0 {
		e.heartbeatIndex = 0
		e.wheel.Schedule(spmTimerID, e.clock.Now().Add(e.cfg.HeartbeatSPM[0]), e.emitPeriodicSPM)
	}

	for _, payload := range payloads {
		if e.txBucket != nil {
			d := e.txBucket.Check(float64(len(payload)))
			if !d.Accept {
				return &Error{Kind: KindWouldBlock, Msg: "tx rate bucket empty", Err: nil}
			}
		}

		chunks, err := e.tx.FragmentPayload(payload)
		if err != nil {
			return newError(KindEngineError, "fragmenting payload", err)
		}

		buffers := make([]*skb.Buffer, len(chunks))
		for i, chunk := range chunks {
			b := skb.New(len(chunk), 0)
			copy(b.Put(len(chunk)), chunk)
			if len(chunks) > 1 {
				b.Header.IsFragment = true
				b.Header.FragmentOffset = uint32(i)
				b.Header.FragmentLength = uint32(len(chunks))
				b.Header.IsLast = i == len(chunks)-1
			}
			buffers[i] = b
		}

		firstSqn, err := e.tx.Push(buffers)
		if err != nil {
			return newError(KindEngineError, "pushing to transmit window", err)
		}
		for _, b := range buffers {
			b.Header.APDUFirstSqn = firstSqn
		}
		if e.txBucket != nil {
			e.txBucket.Consume(float64(len(payload)))
		}

		for i, frag := range buffers {
			sqn := firstSqn + uint32(i)
			buf, err := e.encodeODATA(sqn, frag)
			if err != nil {
				return newError(KindEngineError, "encoding ODATA", err)
			}
			n, err := e.transport.SendTo(buf, dest)
			if err != nil {
				return wrapTransportError(err)
			}
			e.bytesSent += int64(n)

			if err := e.maybeEmitParity(sqn, dest); err != nil {
				return err
			}
		}
	}
	return nil
}

// maybeEmitParity accounts sqn against the in-progress proactive FEC
// source block and, once FEC.K data packets have been sent, computes and
// transmits the group's FEC.N-FEC.K parity symbols as RDATA packets
// carrying OPT_PARITY_GRP. No-op when FEC is not configured.
func (e *Endpoint) maybeEmitParity(sqn uint32, dest net.Addr) error {
	if e.fecCodec == nil {
		return nil
	}
	k := e.cfg.FEC.K
	if e.fecGroupCount == 0 {
		e.fecGroupFirstSqn = sqn
	}
	e.fecGroupCount++
	if e.fecGroupCount < k {
		return nil
	}
	e.fecGroupCount = 0

	symLen := 0
	sources := make([][]byte, k)
	for i := 0; i < k; i++ {
		s := serial.Add32(e.fecGroupFirstSqn, uint32(i))
		buf, err := e.tx.Retransmit(s)
		if err != nil {
			return newError(KindEngineError, "collecting FEC source shard", err)
		}
		sources[i] = buf.Data()
		if len(sources[i]) > symLen {
			symLen = len(sources[i])
		}
	}
	for i, src := range sources {
		if len(src) < symLen {
			padded := make([]byte, symLen)
			copy(padded, src)
			sources[i] = padded
		}
	}

	parity, err := e.fecCodec.EncodeBlock(sources)
	if err != nil {
		return newError(KindEngineError, "encoding FEC parity", err)
	}

	parityBufs := make([]*skb.Buffer, len(parity))
	for i, sym := range parity {
		b := skb.New(len(sym), 0)
		copy(b.Put(len(sym)), sym)
		parityBufs[i] = b
	}
	firstParitySqn, err := e.tx.Push(parityBufs)
	if err != nil {
		return newError(KindEngineError, "pushing FEC parity", err)
	}

	groupNumber := e.fecGroupIndex
	e.fecGroupIndex++

	for i, frag := range parityBufs {
		p := &protocol.Packet{
			Header: protocol.Header{
				SourcePort: e.localTSI.Port,
				Type:       protocol.TypeRDATA,
				GSI:        e.localTSI.GSI,
				TSDULength: uint16(frag.Len()),
			},
			DataSqn:   firstParitySqn + uint32(i),
			DataTrail: e.tx.Trail(),
			Payload:   frag.Data(),
			Options: protocol.Options{
				HasParityGrp: true,
				ParityGrp:    protocol.OptParityGrpData{GroupNumber: groupNumber},
			},
		}
		buf, err := protocol.Encode(p)
		if err != nil {
			return newError(KindEngineError, "encoding parity RDATA", err)
		}
		n, err := e.transport.SendTo(buf, dest)
		if err != nil {
			return wrapTransportError(err)
		}
		e.bytesSent += int64(n)
	}
	return nil
}

func (e *Endpoint) encodeODATA(sqn uint32, frag *skb.Buffer) ([]byte, error) {
	payload := frag.Data()
	p := &protocol.Packet{
		Header: protocol.Header{
			SourcePort: e.localTSI.Port,
			Type:       protocol.TypeODATA,
			GSI:        e.localTSI.GSI,
			TSDULength: uint16(len(payload)),
		},
		DataSqn:   sqn,
		DataTrail: e.tx.Trail(),
		Payload:   payload,
	}
	if frag.Header.IsFragment {
		p.Options.HasFragment = true
		p.Options.Fragment = protocol.OptFragmentData{
			APDUFirstSqn: frag.Header.APDUFirstSqn,
			Offset:       frag.Header.FragmentOffset,
			TotalLength:  frag.Header.FragmentLength,
		}
	}
	return protocol.Encode(p)
}

// sendSPM builds and transmits one SPM packet carrying the transmit
// window's current trail/lead, advancing spmSqn. Shared by the periodic
// ambient/heartbeat schedule, Close's OPT_FIN SPM, and SPMR replies.
func (e *Endpoint) sendSPM(dest net.Addr, fin bool) {
	p := &protocol.Packet{
		Header: protocol.Header{
			SourcePort: e.localTSI.Port,
			Type:       protocol.TypeSPM,
			GSI:        e.localTSI.GSI,
		},
		SPMSqn:   e.spmSqn,
		SPMTrail: e.tx.Trail(),
		SPMLead:  e.tx.Lead(),
	}
	if fin {
		p.Options.Fin = true
	}
	e.spmSqn++
	buf, err := protocol.Encode(p)
	if err != nil {
		return
	}
	n, err := e.transport.SendTo(buf, dest)
	if err != nil {
		return
	}
	e.bytesSent += int64(n)
}

// emitPeriodicSPM is internal/timerwheel's recurring callback for this
// endpoint (C8 wired into the control plane): it sends an SPM, then
// reschedules itself along cfg.HeartbeatSPM's geometric backoff after
// data has been sent, falling back to the fixed cfg.AmbientSPM interval
// once that schedule is exhausted or no send has ever targeted a
// destination. Called with e.mu held, from Tick's Dispatch.
func (e *Endpoint) emitPeriodicSPM(now time.Time) {
	if !e.closed && e.spmDest != nil {
		e.sendSPM(e.spmDest, false)
	}
	var next time.Duration
	if e.heartbeatIndex < len(e.cfg.HeartbeatSPM) {
		next = e.cfg.HeartbeatSPM[e.heartbeatIndex]
		e.heartbeatIndex++
	} else {
		next = e.cfg.AmbientSPM
	}
	e.wheel.Schedule(spmTimerID, now.Add(next), e.emitPeriodicSPM)
}

// sendPOLR answers a POLL with a POLR echoing its SPM-family fields back
// to the poller, per spec §4.9's poll/response pair.
func (e *Endpoint) sendPOLR(poll *protocol.Packet, dest net.Addr) {
	p := &protocol.Packet{
		Header: protocol.Header{
			SourcePort: e.localTSI.Port,
			DestPort:   poll.Header.SourcePort,
			Type:       protocol.TypePOLR,
			GSI:        e.localTSI.GSI,
		},
		SPMSqn:   poll.SPMSqn,
		SPMTrail: poll.SPMTrail,
		SPMLead:  poll.SPMLead,
	}
	buf, err := protocol.Encode(p)
	if err != nil {
		return
	}
	_, _ = e.transport.SendTo(buf, dest)
}

// spmrSuppressWindow bounds how often a peer's repeated SPMRs trigger a
// fresh SPM, using the heartbeat schedule's first interval as the
// debounce so an SPMR storm collapses to the same cadence an idle
// receiver would already see.
func (e *Endpoint) spmrSuppressWindow() time.Duration {
	if len(e.cfg.HeartbeatSPM) > 0 {
		return e.cfg.HeartbeatSPM[0]
	}
	return 100 * time.Millisecond
}

// decrementRepairBudget records one N-NAK for sqn: a network element
// between here and the receiver already throttled a repeat NAK for it, so
// this source's own retransmit budget shrinks without waiting on its own
// retry bookkeeping. handleNAK stops answering NAKs for a sqn once its
// budget reaches zero.
func (e *Endpoint) decrementRepairBudget(sqn uint32) {
	n, ok := e.nnakBudget[sqn]
	if !ok {
		n = e.cfg.NakDataRetries
	}
	if n > 0 {
		n--
	}
	e.nnakBudget[sqn] = n
}

// OnPacket feeds one received datagram from src into the protocol state
// machine, updating the relevant peer's receive window and answering via
// the transport as needed: RDATA or NCF for a NAK, POLR for a POLL, SPM
// for an SPMR. NAKs for this endpoint's own losses are sent from Tick,
// not here. It is the receive half of C9's dispatch, called by the
// caller's read loop.
func (e *Endpoint) OnPacket(buf []byte, src net.Addr) error {
	pkt, err := protocol.Decode(buf)
	if err != nil {
		return nil // corrupt/malformed packets are dropped (not counted), not fatal
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.Capability == CapabilitySendOnly {
		return nil // a send-only endpoint processes no inbound data
	}

	tsi := TSI{GSI: pkt.Header.GSI, Port: pkt.Header.SourcePort}
	peer := e.peerFor(tsi, src)
	peer.lastSeen = e.clock.Now()

	switch pkt.Header.Type {
	case protocol.TypeODATA, protocol.TypeRDATA:
		isParity := pkt.Header.Type == protocol.TypeRDATA && pkt.Options.HasParityGrp
		data := skb.New(len(pkt.Payload), 0)
		copy(data.Put(len(pkt.Payload)), pkt.Payload)
		if pkt.Options.HasFragment {
			data.Header.IsFragment = true
			data.Header.APDUFirstSqn = pkt.Options.Fragment.APDUFirstSqn
			data.Header.FragmentOffset = pkt.Options.Fragment.Offset
			data.Header.FragmentLength = pkt.Options.Fragment.TotalLength
			data.Header.IsLast = pkt.Options.Fragment.Offset+1 == pkt.Options.Fragment.TotalLength
		}
		if err := peer.rx.Insert(pkt.DataSqn, data, isParity); err != nil {
			return newError(KindEngineError, "inserting received data", err)
		}
		e.bytesRecv += int64(len(pkt.Payload))
		if isParity && e.fecCodec != nil {
			groupFirst := pkt.Options.ParityGrp.GroupNumber * uint32(e.cfg.FEC.N)
			if err := peer.rx.TryFECRepair(e.fecCodec, groupFirst); err != nil && !errors.Is(err, fec.ErrTooManyErasures) {
				return newError(KindEngineError, "FEC repair", err)
			}
		}
	case protocol.TypeSPM:
		peer.lastSPMSqn = pkt.SPMSqn
		peer.rx.AdvanceTrailFromSPM(pkt.SPMTrail)
		if pkt.Options.Syn {
			delete(e.peers, tsi.String())
		}
	case protocol.TypeNCF:
		peer.rx.OnNCF(pkt.NAKSqn)
	case protocol.TypeNAK:
		e.handleNAK(pkt.NAKSqn, src)
	case protocol.TypePOLL:
		e.sendPOLR(pkt, src)
	case protocol.TypeSPMR:
		if now := e.clock.Now(); now.Sub(peer.lastSPMRResponse) >= e.spmrSuppressWindow() {
			peer.lastSPMRResponse = now
			e.sendSPM(src, false)
		}
	case protocol.TypeNNAK:
		e.decrementRepairBudget(pkt.NAKSqn)
	}

	if peer.rx.LostCount() > 0 {
		peer.hadLoss = true
	}
	return nil
}

func (e *Endpoint) peerFor(tsi TSI, src net.Addr) *peerState {
	key := tsi.String()
	p, ok := e.peers[key]
	if ok {
		return p
	}
	p = &peerState{
		tsi:      tsi,
		nla:      src,
		lastSeen: e.clock.Now(),
		rx: rxwindow.New(e.cfg.RxWindowSqns, rxwindow.Config{
			NakBackoffInterval: e.cfg.NakBackoffInterval,
			NakRepeatInterval:  e.cfg.NakRepeatInterval,
			NakRDataInterval:   e.cfg.NakRDataInterval,
			NakNCFRetries:      e.cfg.NakNCFRetries,
			NakDataRetries:     e.cfg.NakDataRetries,
		}, e.clock, e.rnd, func(primary uint32, extra []uint32) {
			e.sendNAK(tsi, src, primary, extra)
		}),
	}
	e.peers[key] = p
	e.metrics.Add(key, p, []string{key})
	return p
}

func (e *Endpoint) sendNAK(tsi TSI, dest net.Addr, sqn uint32, extra []uint32) {
	p := &protocol.Packet{
		Header: protocol.Header{
			SourcePort: e.localTSI.Port,
			DestPort:   tsi.Port,
			Type:       protocol.TypeNAK,
			GSI:        e.localTSI.GSI,
		},
		NAKSqn: sqn,
	}
	if len(extra) > 0 {
		p.Options.HasNAKList = true
		p.Options.NAKList = protocol.OptNAKListData{Sqns: extra}
	}
	buf, err := protocol.Encode(p)
	if err != nil {
		return
	}
	_, _ = e.transport.SendTo(buf, dest)
}

// handleNAK is the source side of the NAK row in spec §4.8's dispatch
// table: look up sqn in the transmit window and retransmit it as RDATA,
// rate-limited by the repair bucket; if it has already left the window,
// answer with a data-less NCF instead.
func (e *Endpoint) handleNAK(sqn uint32, dest net.Addr) {
	if n, ok := e.nnakBudget[sqn]; ok && n <= 0 {
		return // a network element's N-NAK already exhausted this sqn's repair budget
	}
	if e.repairBkt != nil {
		d := e.repairBkt.Check(1)
		if !d.Accept {
			return
		}
		e.repairBkt.Consume(1)
	}

	frag, err := e.tx.Retransmit(sqn)
	if err != nil {
		p := &protocol.Packet{
			Header: protocol.Header{
				SourcePort: e.localTSI.Port,
				Type:       protocol.TypeNCF,
				GSI:        e.localTSI.GSI,
			},
			NAKSqn: sqn,
		}
		if buf, encErr := protocol.Encode(p); encErr == nil {
			_, _ = e.transport.SendTo(buf, dest)
		}
		return
	}

	p := &protocol.Packet{
		Header: protocol.Header{
			SourcePort: e.localTSI.Port,
			Type:       protocol.TypeRDATA,
			GSI:        e.localTSI.GSI,
			TSDULength: uint16(frag.Len()),
		},
		DataSqn:   sqn,
		DataTrail: e.tx.Trail(),
		Payload:   frag.Data(),
	}
	if frag.Header.IsFragment {
		p.Options.HasFragment = true
		p.Options.Fragment = protocol.OptFragmentData{
			APDUFirstSqn: frag.Header.APDUFirstSqn,
			Offset:       frag.Header.FragmentOffset,
			TotalLength:  frag.Header.FragmentLength,
		}
	}
	if buf, err := protocol.Encode(p); err == nil {
		_, _ = e.transport.SendTo(buf, dest)
	}
}

// Recvmsg drains whatever APDUs/gap markers have become deliverable
// across every peer. It does not block; a blocking variant would wait on
// a commit-notification condition variable signaled by the timer task.
func (e *Endpoint) Recvmsg() ([]Delivery, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Delivery
	resetPending := false
	for _, p := range e.peers {
		for _, d := range p.rx.DrainDelivered() {
			out = append(out, Delivery{TSI: p.tsi, Payload: d.Payload, Gap: d.Gap})
		}
		if p.hadLoss && !p.resetAck {
			resetPending = true
		}
	}
	if resetPending {
		return out, ErrConnReset
	}
	return out, nil
}

// AcknowledgeReset clears the CONN_RESET flag for tsi, allowing Recvmsg
// to resume draining that peer without reporting it again per spec §7.
func (e *Endpoint) AcknowledgeReset(tsi TSI) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.peers[tsi.String()]; ok {
		p.resetAck = true
		p.hadLoss = false
	}
}

// Tick drives the timer-side of the protocol: NAK state advancement and
// peer expiry. Call it from the endpoint's independent timer task at its
// next scalar deadline.
func (e *Endpoint) Tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for key, p := range e.peers {
		p.rx.Tick(now)
		if now.Sub(p.lastSeen) > e.cfg.PeerExpiry {
			delete(e.peers, key)
			e.metrics.Remove(key)
		}
	}

	trail := e.tx.Trail()
	for sqn := range e.nnakBudget {
		if serial.Less(sqn, trail) {
			delete(e.nnakBudget, sqn)
		}
	}

	e.wheel.Dispatch(now)
}

// SetOption applies a runtime-adjustable socket option. Rejected options
// leave endpoint state unchanged, per spec §7's ConfigError contract.
func (e *Endpoint) SetOption(kind OptionKind, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return applyRuntimeOption(&e.cfg, kind, value)
}

// Close flushes no further data, optionally emits a final SPM with
// OPT_FIN, and releases all peer state.
func (e *Endpoint) Close(sendFin bool, dest net.Addr) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.closedAt = time.Now()

	if sendFin && dest != nil {
		e.sendSPM(dest, true)
	}

	for key := range e.peers {
		e.metrics.Remove(key)
	}
	e.peers = make(map[string]*peerState)
	return nil
}

// Stats reports cumulative byte counters and lifecycle timestamps,
// mirroring the teacher's Conn.ToMap()-style introspection.
type Stats struct {
	OpenedAt  time.Time
	ClosedAt  time.Time
	BytesSent int64
	BytesRecv int64
	PeerCount int
}

func (e *Endpoint) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		OpenedAt:  e.openedAt,
		ClosedAt:  e.closedAt,
		BytesSent: e.bytesSent,
		BytesRecv: e.bytesRecv,
		PeerCount: len(e.peers),
	}
}
