// Package syncfind locates sync marks in raw bitstreams with a single
// sliding window of up to 64 bits.
package syncfind

import (
	"fmt"
	"math/bits"

	"github.com/sergev/fluxdecode/bitstream"
	"github.com/sergev/fluxdecode/sector"
)

const (
	// MaxLength is the widest pattern the window can hold.
	MaxLength = 64
	// MaxPatterns is the capacity of a Finder.
	MaxPatterns = 16
)

// Pattern is a sync mark to search for. The low Length bits of Bits are
// compared, most significant first, under Mask. A zero Mask compares all
// Length bits.
type Pattern struct {
	Bits      uint64
	Mask      uint64
	Length    int
	Tolerance int // max Hamming distance accepted by MultiFind
	ID        int
	Name      string
}

// Valid reports whether the pattern fits the window.
func (p Pattern) Valid() bool {
	return p.Length > 0 && p.Length <= MaxLength
}

func (p Pattern) lengthMask() uint64 {
	if p.Length >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(p.Length)) - 1
}

// effectiveMask returns the mask limited to the pattern length.
func (p Pattern) effectiveMask() uint64 {
	m := p.lengthMask()
	if p.Mask != 0 {
		m &= p.Mask
	}
	return m
}

// errors returns the Hamming distance between the window and the pattern.
func (p Pattern) errors(window uint64) int {
	return bits.OnesCount64((window ^ p.Bits) & p.effectiveMask())
}

// Match is one occurrence of a pattern.
type Match struct {
	Pos        int // bit position of the first pattern bit
	PatternID  int
	Errors     int
	Confidence int // 100 - Errors*100/Length
}

func newMatch(p Pattern, end, errs int) Match {
	return Match{
		Pos:        end - p.Length + 1,
		PatternID:  p.ID,
		Errors:     errs,
		Confidence: 100 - errs*100/p.Length,
	}
}

// FindPattern returns up to limit exact occurrences of p in src, earliest
// first. Overlapping occurrences are all reported.
func FindPattern(src bitstream.Bits, p Pattern, limit int) []Match {
	return FindFuzzy(src, p, 0, limit)
}

// FindFirst returns the earliest exact occurrence of p.
func FindFirst(src bitstream.Bits, p Pattern) (Match, bool) {
	m := FindPattern(src, p, 1)
	if len(m) == 0 {
		return Match{}, false
	}
	return m[0], true
}

// FindFuzzy returns up to limit occurrences of p within maxErrors bit
// errors, earliest first.
func FindFuzzy(src bitstream.Bits, p Pattern, maxErrors, limit int) []Match {
	if src == nil || !p.Valid() || limit <= 0 || maxErrors < 0 {
		return nil
	}
	var out []Match
	var window uint64
	n := src.Len()
	for i := 0; i < n; i++ {
		window = window<<1 | uint64(src.Bit(i))
		if i+1 < p.Length {
			continue
		}
		if e := p.errors(window); e <= maxErrors {
			out = append(out, newMatch(p, i, e))
			if len(out) >= limit {
				break
			}
		}
	}
	return out
}

// FindPatternBytes is FindPattern over packed MSB-first data holding
// nbits valid bits. It walks the buffer a byte at a time and returns the
// same matches as the bit-by-bit search.
func FindPatternBytes(data []byte, nbits int, p Pattern, limit int) []Match {
	if !p.Valid() || limit <= 0 {
		return nil
	}
	if nbits > len(data)*8 {
		nbits = len(data) * 8
	}
	mask := p.effectiveMask()
	want := p.Bits & mask

	var out []Match
	var window uint64
	full := nbits / 8
	for i := 0; i < full; i++ {
		b := uint64(data[i])
		base := i * 8
		for k := 0; k < 8; k++ {
			w := window<<uint(k+1) | b>>uint(7-k)
			end := base + k
			if end+1 >= p.Length && w&mask == want {
				out = append(out, newMatch(p, end, 0))
				if len(out) >= limit {
					return out
				}
			}
		}
		window = window<<8 | b
	}
	for end := full * 8; end < nbits; end++ {
		bit := uint64(data[end/8]>>(7-uint(end&7))) & 1
		window = window<<1 | bit
		if end+1 >= p.Length && window&mask == want {
			out = append(out, newMatch(p, end, 0))
			if len(out) >= limit {
				return out
			}
		}
	}
	return out
}

// Finder holds up to MaxPatterns patterns searched together.
type Finder struct {
	patterns []Pattern
	maxLen   int
}

// NewFinder creates a finder with the given patterns.
func NewFinder(patterns ...Pattern) (*Finder, error) {
	f := &Finder{}
	for _, p := range patterns {
		if err := f.Add(p); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Add registers a pattern.
func (f *Finder) Add(p Pattern) error {
	if !p.Valid() {
		return fmt.Errorf("pattern %q length %d: %w", p.Name, p.Length, sector.ErrInvalidArgument)
	}
	if p.Tolerance < 0 {
		return fmt.Errorf("pattern %q tolerance %d: %w", p.Name, p.Tolerance, sector.ErrInvalidArgument)
	}
	if len(f.patterns) >= MaxPatterns {
		return fmt.Errorf("finder holds %d patterns: %w", MaxPatterns, sector.ErrOverflow)
	}
	f.patterns = append(f.patterns, p)
	if p.Length > f.maxLen {
		f.maxLen = p.Length
	}
	return nil
}

// Patterns returns the registered patterns.
func (f *Finder) Patterns() []Pattern {
	return f.patterns
}

// check tests every pattern against the window ending at bit end and
// appends matches. It reports false once limit is reached.
func (f *Finder) check(window uint64, end int, out *[]Match, limit int) bool {
	for _, p := range f.patterns {
		if end+1 < p.Length {
			continue
		}
		if e := p.errors(window); e <= p.Tolerance {
			*out = append(*out, newMatch(p, end, e))
			if len(*out) >= limit {
				return false
			}
		}
	}
	return true
}

// MultiFind evaluates every pattern against one shared window per bit,
// accepting each within its own Tolerance. Matches are reported in the
// order their last bit is seen, then in registration order.
func (f *Finder) MultiFind(src bitstream.Bits, limit int) []Match {
	if f == nil || src == nil || len(f.patterns) == 0 || limit <= 0 {
		return nil
	}
	var out []Match
	var window uint64
	n := src.Len()
	for i := 0; i < n; i++ {
		window = window<<1 | uint64(src.Bit(i))
		if !f.check(window, i, &out, limit) {
			break
		}
	}
	return out
}

// Scanner runs a Finder over a stream delivered in chunks. The window
// carries over chunk boundaries and positions are absolute.
type Scanner struct {
	finder *Finder
	window uint64
	pos    int
}

// NewScanner creates a scanner over the finder's patterns.
func NewScanner(f *Finder) *Scanner {
	return &Scanner{finder: f}
}

// Feed scans nbits bits of packed MSB-first data and returns up to limit
// matches that end within the chunk.
func (s *Scanner) Feed(chunk []byte, nbits, limit int) []Match {
	if s.finder == nil || len(s.finder.patterns) == 0 || limit <= 0 {
		return nil
	}
	if nbits > len(chunk)*8 {
		nbits = len(chunk) * 8
	}
	var out []Match
	for i := 0; i < nbits; i++ {
		bit := uint64(chunk[i/8]>>(7-uint(i&7))) & 1
		s.window = s.window<<1 | bit
		end := s.pos
		s.pos++
		if !s.finder.check(s.window, end, &out, limit) {
			// Keep the remaining bits in the window so the next chunk
			// continues from the right state.
			for i++; i < nbits; i++ {
				s.window = s.window<<1 | uint64(chunk[i/8]>>(7-uint(i&7)))&1
				s.pos++
			}
			break
		}
	}
	return out
}

// Pos returns the number of bits consumed so far.
func (s *Scanner) Pos() int {
	return s.pos
}

// Reset clears the window and position.
func (s *Scanner) Reset() {
	s.window = 0
	s.pos = 0
}
