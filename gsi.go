package openpgm

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/openpgm/pgm/internal/randstate"
)

// GSI is the 6-byte Global Source Identifier that, combined with a source
// port, forms a TSI. It must be unique among sources sharing a multicast
// group for the lifetime of a session.
type GSI [6]byte

// NewGSIFromHostname derives a GSI by hashing the local hostname, the
// traditional PGM scheme for a deployment where every host is distinct.
func NewGSIFromHostname(hostname string) GSI {
	var g GSI
	h := uuid.NewSHA1(uuid.NameSpaceDNS, []byte(hostname))
	copy(g[:], h[:6])
	return g
}

// NewGSIRandom derives a GSI from a per-endpoint random source, for
// deployments where hostnames collide (containers, NAT'd test clusters).
func NewGSIRandom(r *randstate.State) GSI {
	var g GSI
	hi := r.Uint32()
	lo := r.Uint32()
	g[0], g[1], g[2], g[3] = byte(hi>>24), byte(hi>>16), byte(hi>>8), byte(hi)
	g[4], g[5] = byte(lo>>24), byte(lo>>16)
	return g
}

// TSI is the Transport Session Identifier: a GSI plus the source port the
// session binds to. It is the key every peer's receive state is filed
// under.
type TSI struct {
	GSI  GSI
	Port uint16
}

// String renders the TSI in the canonical PGM form: six dot-separated GSI
// octets followed by the source port, e.g. "1.2.3.4.5.6.7500".
func (t TSI) String() string {
	return fmt.Sprintf("%d.%d.%d.%d.%d.%d.%d",
		t.GSI[0], t.GSI[1], t.GSI[2], t.GSI[3], t.GSI[4], t.GSI[5], t.Port)
}

// Equal reports whether two TSIs name the same session.
func (t TSI) Equal(other TSI) bool {
	return t.GSI == other.GSI && t.Port == other.Port
}
