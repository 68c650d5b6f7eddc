// Package fec implements the RS(n,k) Reed-Solomon forward error correction
// codec used for proactive and on-demand parity (spec §4.3). The GF(2^8)
// arithmetic and Vandermonde-derived matrices are delegated to
// github.com/klauspost/reedsolomon, the same library two independent
// UDP transport implementations in the reference corpus use for identical
// packet-loss FEC.
package fec

import (
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// ErrTooManyErasures is returned when more than n-k symbols are missing
// from a group; FEC cannot reconstruct in that case and the caller must
// fall back to NAK-based repair.
var ErrTooManyErasures = errors.New("fec: more erasures than parity symbols")

// Codec encodes and decodes one RS(n,k) transmission group. A group always
// has n-k parity symbols; k is the number of original source symbols.
type Codec struct {
	n, k int
	enc  reedsolomon.Encoder
}

// New builds a Codec for the given (n, k). k is the number of source
// symbols per group; n-k is the number of parity symbols. n defaults to
// 255 per spec but any n > k is accepted so tests can use small groups.
func New(n, k int) (*Codec, error) {
	if k <= 0 || n <= k {
		return nil, fmt.Errorf("fec: invalid (n,k)=(%d,%d)", n, k)
	}
	enc, err := reedsolomon.New(k, n-k)
	if err != nil {
		return nil, fmt.Errorf("fec: %w", err)
	}
	return &Codec{n: n, k: k, enc: enc}, nil
}

// N returns the total group size (source + parity symbols).
func (c *Codec) N() int { return c.n }

// K returns the number of source symbols per group.
func (c *Codec) K() int { return c.k }

// ParityCount returns n-k, the number of parity symbols per group.
func (c *Codec) ParityCount() int { return c.n - c.k }

// EncodeBlock produces all n-k parity symbols for the given k source
// symbols. Every symbol (source and output parity) must be the same
// length; sources is mutated only by the underlying library padding rule
// (it never shortens or reorders them).
func (c *Codec) EncodeBlock(sources [][]byte) ([][]byte, error) {
	if len(sources) != c.k {
		return nil, fmt.Errorf("fec: EncodeBlock expected %d source shards, got %d", c.k, len(sources))
	}
	symLen := len(sources[0])
	shards := make([][]byte, c.n)
	copy(shards, sources)
	for i := c.k; i < c.n; i++ {
		shards[i] = make([]byte, symLen)
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("fec: encode: %w", err)
	}
	return shards[c.k:], nil
}

// Encode produces a single parity symbol at parity index p (k <= p < n).
// It is a convenience wrapper over EncodeBlock for on-demand parity
// generation where only one repair symbol is needed.
func (c *Codec) Encode(sources [][]byte, p int) ([]byte, error) {
	if p < c.k || p >= c.n {
		return nil, fmt.Errorf("fec: parity index %d out of range [%d,%d)", p, c.k, c.n)
	}
	parity, err := c.EncodeBlock(sources)
	if err != nil {
		return nil, err
	}
	return parity[p-c.k], nil
}

// DecodeParityInline repairs erasures in a full n-symbol block, where
// block[i] is nil for every erased position named in erasurePositions (and
// may be nil elsewhere too, treated identically). It requires
// len(erasurePositions) <= n-k. Reconstruction happens in place: on
// success every element of block is populated, including the parity
// symbols.
func (c *Codec) DecodeParityInline(block [][]byte, erasurePositions []int) error {
	if len(block) != c.n {
		return fmt.Errorf("fec: DecodeParityInline expected block of %d, got %d", c.n, len(block))
	}
	if len(erasurePositions) > c.n-c.k {
		return ErrTooManyErasures
	}
	for _, pos := range erasurePositions {
		if pos < 0 || pos >= c.n {
			return fmt.Errorf("fec: erasure position %d out of range", pos)
		}
		block[pos] = nil
	}
	if err := c.enc.Reconstruct(block); err != nil {
		return fmt.Errorf("fec: reconstruct: %w", err)
	}
	return nil
}

// DecodeParityAppended repairs erasures when the k source symbols and n-k
// parity symbols are tracked as two separate slices rather than one
// contiguous block (the common receive-window shape: source data arrived
// as ODATA, parity arrived separately as a parity group). erasurePositions
// index into the logical [0,n) space, same as DecodeParityInline.
func (c *Codec) DecodeParityAppended(sources, parity [][]byte, erasurePositions []int) error {
	if len(sources) != c.k {
		return fmt.Errorf("fec: expected %d source shards, got %d", c.k, len(sources))
	}
	if len(parity) != c.n-c.k {
		return fmt.Errorf("fec: expected %d parity shards, got %d", c.n-c.k, len(parity))
	}
	block := make([][]byte, c.n)
	copy(block, sources)
	copy(block[c.k:], parity)
	if err := c.DecodeParityInline(block, erasurePositions); err != nil {
		return err
	}
	copy(sources, block[:c.k])
	copy(parity, block[c.k:])
	return nil
}
