// Package txwindow implements the sender-side transmit window (spec §4.5):
// a fixed-capacity circular buffer of outgoing packet buffers indexed by
// 32-bit sequence number, source-side fragmentation, and repair lookup.
package txwindow

import (
	"errors"
	"fmt"
	"sync"

	"github.com/openpgm/pgm/internal/serial"
	"github.com/openpgm/pgm/internal/skb"
)

// DefaultMaxFragments is the default F from spec §4.5: an APDU may span at
// most this many ODATA fragments.
const DefaultMaxFragments = 16

// ErrWindowFull is returned by Push when assigning the APDU's fragments
// would make the window exceed its capacity.
var ErrWindowFull = errors.New("txwindow: window full")

// ErrMissing is returned by Retransmit when the sender has already
// discarded the requested sqn; the receiver must be reset.
var ErrMissing = errors.New("txwindow: sqn discarded, receiver must reset")

// ErrAPDUTooLarge is returned by Push when the payload would need more
// than MaxFragments ODATA packets to carry.
var ErrAPDUTooLarge = errors.New("txwindow: apdu exceeds max fragment count")

// Window is the fixed-capacity transmit window for one source. It is safe
// for concurrent use; spec §5 assigns it a single mutex shared with the
// rate-control buckets at the call-site (Window itself only guards its own
// state).
type Window struct {
	mu sync.Mutex

	capacity     uint32
	slots        []*skb.Buffer
	trail        uint32
	lead         uint32
	initialized  bool
	fragPayload  int // max payload bytes per fragment (MTU minus headers)
	maxFragments int
}

// New builds a transmit window of the given capacity (in packets),
// fragmenting pushed APDUs to fit within fragPayload bytes each, with at
// most maxFragments fragments per APDU. maxFragments <= 0 selects
// DefaultMaxFragments.
func New(capacity uint32, fragPayload int, maxFragments int) *Window {
	if maxFragments <= 0 {
		maxFragments = DefaultMaxFragments
	}
	return &Window{
		capacity:     capacity,
		slots:        make([]*skb.Buffer, capacity),
		fragPayload:  fragPayload,
		maxFragments: maxFragments,
	}
}

func (w *Window) occupancy() uint32 {
	if !w.initialized {
		return 0
	}
	return uint32(serial.Distance(w.lead, w.trail)) + 1
}

// Push takes fragments already split by the caller (see FragmentPayload),
// assigns each the next sequence number, stores the buffers, and returns the sqn of
// the first fragment (the APDU identifier). Buffers passed in must already
// be sized with enough headroom for the caller to prepend a PGM header
// later; Push takes ownership of one reference to each buffer it stores.
func (w *Window) Push(fragments []*skb.Buffer) (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := uint32(len(fragments))
	if n == 0 {
		return 0, errors.New("txwindow: no fragments to push")
	}
	if int(n) > w.maxFragments {
		return 0, ErrAPDUTooLarge
	}

	cur := w.occupancy()
	if w.initialized && cur+n > w.capacity {
		return 0, ErrWindowFull
	}
	if !w.initialized && n > w.capacity {
		return 0, ErrWindowFull
	}

	var firstSqn uint32
	for i, frag := range fragments {
		var sqn uint32
		if !w.initialized {
			sqn = 0
			w.initialized = true
			w.trail = sqn
		} else {
			sqn = serial.Add32(w.lead, 1)
		}
		if i == 0 {
			firstSqn = sqn
		}
		w.lead = sqn
		w.slots[sqn%w.capacity] = frag
	}
	return firstSqn, nil
}

// FragmentPayload splits payload into chunks no larger than fragPayload
// bytes, honoring maxFragments. It returns ErrAPDUTooLarge if payload
// cannot be fit.
func (w *Window) FragmentPayload(payload []byte) ([][]byte, error) {
	if w.fragPayload <= 0 {
		return nil, errors.New("txwindow: fragment payload size not configured")
	}
	if len(payload) == 0 {
		return [][]byte{{}}, nil
	}
	var chunks [][]byte
	for off := 0; off < len(payload); off += w.fragPayload {
		end := off + w.fragPayload
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[off:end])
		if len(chunks) > w.maxFragments {
			return nil, ErrAPDUTooLarge
		}
	}
	return chunks, nil
}

// Retransmit returns the stored buffer for sqn if it is still retained
// ([trail,lead]); the caller is expected to Clone() it before handing the
// clone to the transport, since the window keeps its own reference until
// AdvanceTrail discards the slot. Returns ErrMissing if sqn has already
// been evicted.
func (w *Window) Retransmit(sqn uint32) (*skb.Buffer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.initialized || !serial.InRange(sqn, w.trail, w.lead) {
		return nil, fmt.Errorf("%w: sqn=%d trail=%d lead=%d", ErrMissing, sqn, w.trail, w.lead)
	}
	buf := w.slots[sqn%w.capacity]
	if buf == nil {
		return nil, fmt.Errorf("%w: sqn=%d slot empty", ErrMissing, sqn)
	}
	return buf, nil
}

// AdvanceTrail moves the trailing edge forward to sqn, releasing every
// evicted slot's reference. Idempotent: moving trail backward or to its
// current position is a no-op.
func (w *Window) AdvanceTrail(sqn uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.initialized || serial.LessOrEqual(sqn, w.trail) {
		return
	}
	for s := w.trail; serial.Less(s, sqn); s = serial.Add32(s, 1) {
		idx := s % w.capacity
		if buf := w.slots[idx]; buf != nil {
			buf.Release()
			w.slots[idx] = nil
		}
	}
	w.trail = sqn
}

// Lead returns the highest sequence number ever assigned.
func (w *Window) Lead() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lead
}

// Trail returns the oldest retained sequence number.
func (w *Window) Trail() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.trail
}

// Len returns the current occupancy (number of retained packets).
func (w *Window) Len() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.occupancy()
}

// Capacity returns the fixed window capacity.
func (w *Window) Capacity() uint32 {
	return w.capacity
}
