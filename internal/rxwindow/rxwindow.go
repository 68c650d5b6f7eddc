// Package rxwindow implements the receiver-side receive window (spec
// §4.6): per-source loss detection, the NAK back-off/Wait-NCF/Wait-Data
// state machine, fragment reassembly, and in-order delivery.
package rxwindow

import (
	"sync"
	"time"

	"github.com/openpgm/pgm/internal/fec"
	"github.com/openpgm/pgm/internal/serial"
	"github.com/openpgm/pgm/internal/skb"
)

// State is one slot's position in the NAK state machine (spec §4.6).
type State int

const (
	StateMissing State = iota
	StateBackoff
	StateWaitNCF
	StateWaitData
	StateHaveData
	StateHaveParity
	StateLost
	StateCommitted
)

func (s State) String() string {
	switch s {
	case StateMissing:
		return "Missing"
	case StateBackoff:
		return "Back-off"
	case StateWaitNCF:
		return "Wait-NCF"
	case StateWaitData:
		return "Wait-Data"
	case StateHaveData:
		return "Have-Data"
	case StateHaveParity:
		return "Have-Parity"
	case StateLost:
		return "Lost"
	case StateCommitted:
		return "Committed"
	default:
		return "?"
	}
}

// Clock is the minimal time source this package needs; satisfied
// structurally by the engine-wide Clock capability (spec §1 names time as
// an external collaborator, consumed here without importing it).
type Clock interface {
	Now() time.Time
}

// Jitter returns a random multiplier the caller uses to jitter the back-off
// interval, matching spec §4.6's rand(0.5, 1.5). Implementations must be
// per-endpoint (spec §5), never a package-level singleton.
type Jitter interface {
	Float64() float64 // uniform [0,1)
}

// Config carries the per-receiver timer and retry defaults from spec §4.6.
type Config struct {
	NakBackoffInterval time.Duration // default 50ms
	NakRepeatInterval  time.Duration // default 200ms, Wait-NCF timeout
	NakRDataInterval   time.Duration // default 2s, Wait-Data timeout
	NakNCFRetries      int           // default 50
	NakDataRetries     int           // default 50
}

// DefaultConfig returns spec §4.6's documented defaults.
func DefaultConfig() Config {
	return Config{
		NakBackoffInterval: 50 * time.Millisecond,
		NakRepeatInterval:  200 * time.Millisecond,
		NakRDataInterval:   2 * time.Second,
		NakNCFRetries:      50,
		NakDataRetries:     50,
	}
}

type entry struct {
	state        State
	deadline     time.Time
	ncfRetries   int
	dataRetries  int
	buf          *skb.Buffer
	lossNotified bool
}

// Delivery is one reassembled APDU (or a gap marker) handed to the
// endpoint's delivery queue.
type Delivery struct {
	Sqn     uint32 // sqn of the APDU's first fragment
	Payload []byte // nil for a gap marker
	Gap     bool
}

// Window is the fixed-capacity receive window for one peer (TSI).
type Window struct {
	mu sync.Mutex

	capacity uint32
	slots    []*entry
	trail    uint32
	lead     uint32
	commit   uint32
	init     bool

	lostCount uint32

	cfg   Config
	clock Clock
	jit   Jitter

	sendNAK func(primary uint32, extra []uint32)

	delivered []Delivery
}

// maxNAKListEntries mirrors protocol.MaxNAKListEntries: the most extra
// sqns OPT_NAK_LIST can carry alongside a NAK's own sequence number. Kept
// as a local constant rather than an import of internal/protocol so this
// package stays ignorant of wire encoding.
const maxNAKListEntries = 62

// New builds a receive window of the given capacity. sendNAK is invoked
// (synchronously, from Tick) once per NAK datagram to send: primary is
// that packet's own sqn and extra holds up to 62 further sqns to
// piggyback via OPT_NAK_LIST, so a run of back-off expiries in the same
// Tick costs as few datagrams as possible. The caller is responsible for
// actually transmitting it, rate-gated by C7.
func New(capacity uint32, cfg Config, clock Clock, jit Jitter, sendNAK func(primary uint32, extra []uint32)) *Window {
	return &Window{
		capacity: capacity,
		slots:    make([]*entry, capacity),
		cfg:      cfg,
		clock:    clock,
		jit:      jit,
		sendNAK:  sendNAK,
	}
}

func (w *Window) backoffDeadline(now time.Time) time.Time {
	mult := 0.5 + w.jit.Float64() // 0.5 .. 1.5
	return now.Add(time.Duration(float64(w.cfg.NakBackoffInterval) * mult))
}

// Insert places an incoming ODATA/RDATA (or parity) packet at sqn s. It
// implements the four-step arrival rule from spec §4.6.
func (w *Window) Insert(s uint32, buf *skb.Buffer, isParity bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()

	if !w.init {
		w.trail = s
		w.lead = s
		w.commit = s
		w.init = true
	}

	// Step 1: duplicate of already-discarded data.
	if serial.Less(s, w.trail) {
		return nil
	}

	// Step 2: advance lead, marking intermediate slots Missing/Back-off.
	if serial.Greater(s, w.lead) {
		for gap := serial.Add32(w.lead, 1); gap != s; gap = serial.Add32(gap, 1) {
			w.markMissing(gap, now)
		}
		w.lead = s
	}

	idx := s % w.capacity
	e := w.slots[idx]
	if e == nil {
		e = &entry{}
		w.slots[idx] = e
	}

	// Step 3: clear any pending deadline/state, mark data present.
	wasLost := e.state == StateLost
	if isParity {
		e.state = StateHaveParity
	} else {
		e.state = StateHaveData
	}
	e.deadline = time.Time{}
	e.buf = buf
	if wasLost {
		w.lostCount--
	}

	// Step 4: advance commit as far as contiguous data allows.
	w.advanceCommit()
	return nil
}

func (w *Window) markMissing(sqn uint32, now time.Time) {
	idx := sqn % w.capacity
	e := w.slots[idx]
	if e != nil && (e.state == StateHaveData || e.state == StateHaveParity || e.state == StateCommitted) {
		return // already satisfied, nothing to mark
	}
	w.slots[idx] = &entry{
		state:       StateBackoff,
		deadline:    w.backoffDeadline(now),
		ncfRetries:  w.cfg.NakNCFRetries,
		dataRetries: w.cfg.NakDataRetries,
	}
	w.lostCount++
}

// OnNCF transitions a Wait-NCF slot to Wait-Data when a matching NCF
// arrives (spec §4.9 NCF handler effect).
func (w *Window) OnNCF(sqn uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.init || !serial.InRange(sqn, w.trail, w.lead) {
		return
	}
	e := w.slots[sqn%w.capacity]
	if e == nil || e.state != StateWaitNCF {
		return
	}
	e.state = StateWaitData
	e.deadline = w.clock.Now().Add(w.cfg.NakRDataInterval)
}

// Tick advances every slot's NAK timer against now, sending NAKs and
// retrying or declaring loss as budgets are exhausted. Call this
// periodically (driven by the timer core, C8).
func (w *Window) Tick(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var toNAK []uint32
	for sqn := w.trail; serial.LessOrEqual(sqn, w.lead); sqn = serial.Add32(sqn, 1) {
		e := w.slots[sqn%w.capacity]
		if e == nil || e.deadline.IsZero() || now.Before(e.deadline) {
			continue
		}
		switch e.state {
		case StateBackoff:
			toNAK = append(toNAK, sqn)
			e.state = StateWaitNCF
			e.deadline = now.Add(w.cfg.NakRepeatInterval)
		case StateWaitNCF:
			e.ncfRetries--
			if e.ncfRetries <= 0 {
				w.declareLost(sqn, e)
				continue
			}
			toNAK = append(toNAK, sqn)
			e.state = StateBackoff
			e.deadline = w.backoffDeadline(now)
		case StateWaitData:
			e.dataRetries--
			if e.dataRetries <= 0 {
				w.declareLost(sqn, e)
				continue
			}
			e.state = StateBackoff
			e.deadline = w.backoffDeadline(now)
		}
	}
	w.sendNAKGroups(toNAK)
	w.advanceCommit()
}

// sendNAKGroups emits every sqn in toNAK, grouping up to 1+maxNAKListEntries
// per datagram via OPT_NAK_LIST so a run of expiries from the same Tick
// costs one packet per 63 sqns instead of one per sqn.
func (w *Window) sendNAKGroups(toNAK []uint32) {
	const maxGroup = 1 + maxNAKListEntries
	for len(toNAK) > 0 {
		n := len(toNAK)
		if n > maxGroup {
			n = maxGroup
		}
		group := toNAK[:n]
		toNAK = toNAK[n:]
		w.sendNAK(group[0], group[1:])
	}
}

func (w *Window) declareLost(sqn uint32, e *entry) {
	e.state = StateLost
	e.deadline = time.Time{}
}

// advanceCommit walks forward from commit, delivering complete APDUs and
// gap markers, per spec §4.6 step 4 and the APDU-completeness invariant.
func (w *Window) advanceCommit() {
	for {
		if !w.init || serial.Greater(w.commit, w.lead) {
			return
		}
		idx := w.commit % w.capacity
		e := w.slots[idx]
		if e == nil {
			return
		}
		switch e.state {
		case StateCommitted:
			w.commit = serial.Add32(w.commit, 1)
			continue
		case StateLost:
			if !e.lossNotified {
				w.delivered = append(w.delivered, Delivery{Sqn: w.commit, Gap: true})
				e.lossNotified = true
			}
			e.state = StateCommitted
			w.commit = serial.Add32(w.commit, 1)
			continue
		case StateHaveParity:
			// A parity symbol occupies a sqn but carries no application
			// data: commit past it without a delivery.
			e.state = StateCommitted
			w.commit = serial.Add32(w.commit, 1)
			continue
		case StateHaveData:
			if e.buf == nil {
				return
			}
			if !e.buf.Header.IsFragment {
				w.delivered = append(w.delivered, Delivery{Sqn: w.commit, Payload: append([]byte(nil), e.buf.Data()...)})
				e.state = StateCommitted
				w.commit = serial.Add32(w.commit, 1)
				continue
			}
			complete, payload, count := w.scanAPDU(w.commit)
			if !complete {
				return
			}
			w.delivered = append(w.delivered, Delivery{Sqn: w.commit, Payload: payload})
			for i := uint32(0); i < count; i++ {
				s := serial.Add32(w.commit, i)
				w.slots[s%w.capacity].state = StateCommitted
			}
			w.commit = serial.Add32(w.commit, count)
			continue
		default:
			return // still waiting on repair
		}
	}
}

// scanAPDU attempts to gather every fragment of the APDU starting at
// first, returning the concatenated payload once the last fragment
// (Header.IsLast) has arrived. It never returns partial data: if any
// fragment in the chain is missing, complete is false.
func (w *Window) scanAPDU(first uint32) (complete bool, payload []byte, count uint32) {
	var i uint32
	for {
		s := serial.Add32(first, i)
		if serial.Greater(s, w.lead) {
			return false, nil, 0
		}
		e := w.slots[s%w.capacity]
		if e == nil || (e.state != StateHaveData && e.state != StateHaveParity) || e.buf == nil {
			return false, nil, 0
		}
		payload = append(payload, e.buf.Data()...)
		i++
		if e.buf.Header.IsLast {
			return true, payload, i
		}
		if i > uint32(1<<16) {
			return false, nil, 0 // runaway guard, should never trigger
		}
	}
}

// AdvanceTrailFromSPM implements spec §4.6's trailing-edge discipline: an
// SPM's declared spm_trail marks every earlier, not-yet-committed slot
// Lost and advances trail.
func (w *Window) AdvanceTrailFromSPM(spmTrail uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.init || serial.LessOrEqual(spmTrail, w.trail) {
		return
	}
	for s := w.trail; serial.Less(s, spmTrail); s = serial.Add32(s, 1) {
		idx := s % w.capacity
		e := w.slots[idx]
		if e == nil {
			w.slots[idx] = &entry{state: StateLost}
			continue
		}
		if e.state != StateCommitted {
			if e.state != StateLost {
				w.lostCount++
			}
			e.state = StateLost
			e.deadline = time.Time{}
		}
	}
	w.trail = spmTrail
	if serial.Less(w.commit, w.trail) {
		w.commit = w.trail
	}
	w.advanceCommit()
}

// TryFECRepair reconstructs erased slots in [groupFirst, groupFirst+n) via
// the given codec once enough of the group (k source + up to n-k parity)
// has arrived. Erased (missing) slots within the group are identified
// automatically; slots outside Missing/Back-off/Wait-NCF/Wait-Data state
// are left untouched.
func (w *Window) TryFECRepair(codec *fec.Codec, groupFirst uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := uint32(codec.N())
	block := make([][]byte, n)
	var erasures []int
	for i := uint32(0); i < n; i++ {
		s := serial.Add32(groupFirst, i)
		e := w.slots[s%w.capacity]
		held := e != nil && (e.state == StateHaveData || e.state == StateHaveParity || e.state == StateCommitted)
		if held && e.buf != nil && serial.LessOrEqual(s, w.lead) {
			block[i] = e.buf.Data()
		} else {
			erasures = append(erasures, int(i))
		}
	}
	if len(erasures) == 0 {
		return nil
	}
	if len(erasures) > codec.ParityCount() {
		return fec.ErrTooManyErasures
	}
	symLen := 0
	for _, b := range block {
		if len(b) > symLen {
			symLen = len(b)
		}
	}
	for i, b := range block {
		if b != nil && len(b) < symLen {
			block[i] = append(append([]byte(nil), b...), make([]byte, symLen-len(b))...)
		}
	}
	if err := codec.DecodeParityInline(block, erasures); err != nil {
		return err
	}
	for _, pos := range erasures {
		s := serial.Add32(groupFirst, uint32(pos))
		idx := s % w.capacity
		e := w.slots[idx]
		if e == nil || serial.Greater(s, w.lead) {
			e = &entry{}
			w.slots[idx] = e
		} else if e.state == StateLost || e.state == StateCommitted {
			continue
		} else {
			w.lostCount-- // counted when markMissing flagged the slot
		}
		e.state = StateHaveData
		if pos >= codec.K() {
			e.state = StateHaveParity
		}
		e.buf = skb.FromBytes(block[pos])
		e.deadline = time.Time{}
	}
	w.advanceCommit()
	return nil
}

// DrainDelivered returns and clears the queue of reassembled APDUs and gap
// markers ready for the endpoint's recvmsg to hand to the application.
func (w *Window) DrainDelivered() []Delivery {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.delivered
	w.delivered = nil
	return out
}

// Lead, Trail, Commit, LostCount report window accounting for tests,
// metrics, and protocol handlers.
func (w *Window) Lead() uint32      { w.mu.Lock(); defer w.mu.Unlock(); return w.lead }
func (w *Window) Trail() uint32     { w.mu.Lock(); defer w.mu.Unlock(); return w.trail }
func (w *Window) Commit() uint32    { w.mu.Lock(); defer w.mu.Unlock(); return w.commit }
func (w *Window) LostCount() uint32 { w.mu.Lock(); defer w.mu.Unlock(); return w.lostCount }
func (w *Window) Capacity() uint32  { return w.capacity }

// Len reports the number of sqns currently occupying the window (lead -
// trail + 1), for occupancy metrics.
func (w *Window) Len() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.init {
		return 0
	}
	return w.lead - w.trail + 1
}

// State reports the current state of sqn's slot, for tests and
// diagnostics.
func (w *Window) State(sqn uint32) (State, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.init || !serial.InRange(sqn, w.trail, w.lead) {
		return StateMissing, false
	}
	e := w.slots[sqn%w.capacity]
	if e == nil {
		return StateMissing, false
	}
	return e.state, true
}
