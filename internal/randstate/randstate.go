// Package randstate gives each endpoint its own seeded pseudo-random
// source, mirroring the original engine's pgm_rand_t: one generator per
// endpoint, seeded once from a platform entropy source, never a process
// singleton (spec §9's "Shared resources" calls out random-state as
// per-endpoint). Seed material comes from crypto/rand; an xid's bytes are
// used only to fill whatever part of the seed crypto/rand did not return.
package randstate

import (
	"crypto/rand"
	"encoding/binary"
	mathrand "math/rand/v2"

	"github.com/rs/xid"
)

// State is a per-endpoint pseudo-random source used for NAK back-off
// jitter and any other randomized timing the protocol needs. It is not
// safe for concurrent use; each endpoint owns exactly one.
type State struct {
	r *mathrand.Rand
}

// New seeds a fresh generator from crypto/rand, mixed with an xid's
// timestamp+counter+machine-id entropy as a fallback stretch in case the
// platform's random source returns fewer bytes than requested.
func New() *State {
	var seed [16]byte
	n, _ := rand.Read(seed[:])
	if n < len(seed) {
		id := xid.New()
		copy(seed[n:], id.Bytes())
	}
	hi := binary.BigEndian.Uint64(seed[0:8])
	lo := binary.BigEndian.Uint64(seed[8:16])
	return &State{r: mathrand.New(mathrand.NewPCG(hi, lo))}
}

// Float64 returns a pseudo-random value in [0, 1), used for the
// nak_bo_ivl x rand(0.5, 1.5) back-off jitter.
func (s *State) Float64() float64 {
	return s.r.Float64()
}

// Uint32 returns a pseudo-random 32-bit value, used for GSI fallback
// generation when no stronger source is configured.
func (s *State) Uint32() uint32 {
	return s.r.Uint32()
}
