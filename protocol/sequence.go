package protocol

// DefaultSequenceModulus is the sequence space of the 32-bit wire field.
const DefaultSequenceModulus uint64 = 1 << 32

// SeqSpace performs wrap-aware sequence arithmetic in [0, Modulus).
// Comparisons follow serial number arithmetic: a is before b when the forward
// distance from a to b is non-zero and less than half the space.
type SeqSpace struct {
	Modulus uint64
}

// NewSeqSpace returns a sequence space with the given modulus. A modulus of
// zero, or one larger than the wire field, selects DefaultSequenceModulus.
func NewSeqSpace(modulus uint64) SeqSpace {
	if modulus < 4 || modulus > DefaultSequenceModulus {
		modulus = DefaultSequenceModulus
	}
	return SeqSpace{Modulus: modulus}
}

func (s SeqSpace) mod() uint64 {
	if s.Modulus == 0 {
		return DefaultSequenceModulus
	}
	return s.Modulus
}

// Add returns (a + n) mod Modulus.
func (s SeqSpace) Add(a uint32, n uint64) uint32 {
	m := s.mod()
	return uint32((uint64(a)%m + n%m) % m)
}

// Next returns the sequence following a.
func (s SeqSpace) Next(a uint32) uint32 { return s.Add(a, 1) }

// Prev returns the sequence preceding a.
func (s SeqSpace) Prev(a uint32) uint32 { return s.Add(a, s.mod()-1) }

// Diff returns the forward distance from a to b.
func (s SeqSpace) Diff(a, b uint32) uint64 {
	m := s.mod()
	return (uint64(b)%m + m - uint64(a)%m) % m
}

// Less reports whether a precedes b.
func (s SeqSpace) Less(a, b uint32) bool {
	d := s.Diff(a, b)
	return d != 0 && d < s.mod()/2
}

// LessEq reports whether a precedes or equals b.
func (s SeqSpace) LessEq(a, b uint32) bool {
	return a == b || s.Less(a, b)
}

// Valid reports whether a lies inside the space.
func (s SeqSpace) Valid(a uint32) bool {
	return uint64(a) < s.mod()
}
