package fair

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// Stream tags. Each tag owns one persistent stream for the whole match:
// spawn positions, pellet positions, and pellet respawn scheduling never
// share draws, so each can be replayed independently.
const (
	TagSpawn   = "spawn"
	TagPellets = "pellets"
	TagShrink  = "shrink"
)

// LCG parameters (Numerical Recipes). 32-bit state, full period modulus 2³².
const (
	lcgMultiplier uint32 = 1664525
	lcgIncrement  uint32 = 1013904223
)

// Stream is a deterministic uniform source for one tag of one match. It is
// created once at match materialization and advanced for the whole match;
// re-seeding mid-match would break replay continuity. Not safe for
// concurrent use: only the match owner goroutine draws from it.
type Stream struct {
	state uint32
}

// NewStream derives a stream from the committed seed and a tag. The initial
// state is the big-endian uint32 of the first four bytes of
// SHA-256(seed ‖ ":" ‖ tag), so distinct tags give independent sequences
// and the derivation is reproducible from the reveal.
func NewStream(seed []byte, tag string) *Stream {
	buf := make([]byte, 0, len(seed)+1+len(tag))
	buf = append(buf, seed...)
	buf = append(buf, ':')
	buf = append(buf, tag...)
	h := sha256.Sum256(buf)
	return &Stream{state: binary.BigEndian.Uint32(h[:4])}
}

// Next advances the LCG and yields a uniform float64 in [0, 1).
func (s *Stream) Next() float64 {
	s.state = s.state*lcgMultiplier + lcgIncrement
	return float64(s.state) / (1 << 32)
}

// IntN yields a uniform integer in [lo, hi). It panics if hi <= lo.
func (s *Stream) IntN(lo, hi int) int {
	if hi <= lo {
		panic("fair: IntN requires lo < hi")
	}
	v := lo + int(s.Next()*float64(hi-lo))
	if v >= hi {
		v = hi - 1
	}
	return v
}

// PointInDisk yields a uniform point in the disk of the given radius
// centred on the origin: angle θ = 2πu from the first draw, radius r = R√v
// from the second. The √ keeps density uniform by area.
func (s *Stream) PointInDisk(radius float64) (x, y float64) {
	u := s.Next()
	v := s.Next()
	theta := 2 * math.Pi * u
	r := radius * math.Sqrt(v)
	return r * math.Cos(theta), r * math.Sin(theta)
}
