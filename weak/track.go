package weak

import (
	"encoding/json"
	"fmt"

	"github.com/sergev/fluxdecode/bitstream"
	"github.com/sergev/fluxdecode/sector"
)

// Region is a run of consecutive weak bits, [Start, End).
type Region struct {
	Start         int   `json:"start_bit" yaml:"start_bit"`
	End           int   `json:"end_bit" yaml:"end_bit"`
	Length        int   `json:"length" yaml:"length"`
	MinConfidence uint8 `json:"min_confidence" yaml:"min_confidence"`
	AvgConfidence uint8 `json:"avg_confidence" yaml:"avg_confidence"`
}

// Track is one revolution (or a fusion of revolutions) with per-bit
// confidence and weak flags.
type Track struct {
	bits *bitstream.Stream
	conf []uint8
	weak []bool

	regions     []Region
	weakCount   int
	strongCount int
}

// NewTrack creates a track of n zero bits with zero confidence.
func NewTrack(n int) *Track {
	if n < 0 {
		n = 0
	}
	return &Track{
		bits: bitstream.FromPacked(make([]byte, (n+7)/8), n),
		conf: make([]uint8, n),
		weak: make([]bool, n),
	}
}

// NewTrackFromBits creates a track from decoded bits, every bit strong
// with the given confidence.
func NewTrackFromBits(bits bitstream.Bits, confidence uint8) *Track {
	t := &Track{
		bits: bitstream.New(bits.Len()),
		conf: make([]uint8, 0, bits.Len()),
		weak: make([]bool, 0, bits.Len()),
	}
	for i := 0; i < bits.Len(); i++ {
		t.Append(Bit{Value: bits.Bit(i), Confidence: confidence})
	}
	return t
}

// Append adds one bit at the end of the track.
func (t *Track) Append(b Bit) {
	t.bits.Append(b.Value)
	t.conf = append(t.conf, b.Confidence)
	t.weak = append(t.weak, b.Weak)
}

// Len returns the number of bits.
func (t *Track) Len() int {
	return t.bits.Len()
}

// At returns bit i.
func (t *Track) At(i int) Bit {
	if i < 0 || i >= t.Len() {
		return Bit{}
	}
	return Bit{Value: t.bits.Bit(i), Confidence: t.conf[i], Weak: t.weak[i]}
}

// Set overwrites bit i. Regions are not updated until DetectRegions.
func (t *Track) Set(i int, b Bit) error {
	if i < 0 || i >= t.Len() {
		return fmt.Errorf("bit %d of %d: %w", i, t.Len(), sector.ErrInvalidArgument)
	}
	t.bits.Set(i, b.Value)
	t.conf[i] = b.Confidence
	t.weak[i] = b.Weak
	return nil
}

// Bits returns the bit values.
func (t *Track) Bits() *bitstream.Stream {
	return t.bits
}

// Confidence returns the per-bit confidence array.
func (t *Track) Confidence() []uint8 {
	return t.conf
}

// WeakFlags returns the per-bit weak flags.
func (t *Track) WeakFlags() []bool {
	return t.weak
}

// DetectRegions rescans the whole track, collapsing runs of weak bits
// into regions and dropping runs shorter than minLength. It also
// recomputes the weak and strong bit counts.
func (t *Track) DetectRegions(minLength int) []Region {
	if minLength < 1 {
		minLength = 1
	}
	t.regions = t.regions[:0]
	t.weakCount = 0
	t.strongCount = 0

	start := -1
	var sum int
	var minConf uint8
	closeRun := func(end int) {
		if start >= 0 && end-start >= minLength {
			t.regions = append(t.regions, Region{
				Start:         start,
				End:           end,
				Length:        end - start,
				MinConfidence: minConf,
				AvgConfidence: uint8(sum / (end - start)),
			})
		}
		start = -1
	}

	n := t.Len()
	for i := 0; i < n; i++ {
		if !t.weak[i] {
			t.strongCount++
			closeRun(i)
			continue
		}
		t.weakCount++
		c := t.conf[i]
		if start < 0 {
			start = i
			sum = 0
			minConf = c
		}
		sum += int(c)
		if c < minConf {
			minConf = c
		}
	}
	closeRun(n)

	return t.regions
}

// Regions returns the regions found by the last DetectRegions call.
func (t *Track) Regions() []Region {
	return t.regions
}

// WeakCount returns the number of weak bits from the last scan.
func (t *Track) WeakCount() int {
	return t.weakCount
}

// StrongCount returns the number of strong bits from the last scan.
func (t *Track) StrongCount() int {
	return t.strongCount
}

// WeakRatio returns weak bits over all bits from the last scan.
func (t *Track) WeakRatio() float64 {
	total := t.weakCount + t.strongCount
	if total == 0 {
		return 0
	}
	return float64(t.weakCount) / float64(total)
}

// Mask writes the weak flags as a packed MSB-first bitmap into buf and
// returns the number of bits written.
func (t *Track) Mask(buf []byte) int {
	n := t.Len()
	if len(buf)*8 < n {
		n = len(buf) * 8
	}
	for i := range buf {
		buf[i] = 0
	}
	for i := 0; i < n; i++ {
		if t.weak[i] {
			buf[i/8] |= 1 << (7 - uint(i&7))
		}
	}
	return n
}

// Merge fuses up to MaxRevolutions tracks of the same physical track
// bit by bit and detects weak regions on the result. Tracks of unequal
// length are fused over the shortest one.
func Merge(tracks []*Track, minRegion int) (*Track, error) {
	if len(tracks) == 0 {
		return nil, fmt.Errorf("no tracks to merge: %w", sector.ErrInvalidArgument)
	}
	if len(tracks) > MaxRevolutions {
		return nil, fmt.Errorf("%d tracks, at most %d: %w", len(tracks), MaxRevolutions, sector.ErrOverflow)
	}
	n := -1
	for i, tr := range tracks {
		if tr == nil {
			return nil, fmt.Errorf("track %d: %w", i, sector.ErrNilBuffer)
		}
		if n < 0 || tr.Len() < n {
			n = tr.Len()
		}
	}

	out := &Track{
		bits: bitstream.New(n),
		conf: make([]uint8, 0, n),
		weak: make([]bool, 0, n),
	}
	var f Fusion
	for i := 0; i < n; i++ {
		f.Reset()
		for _, tr := range tracks {
			_ = f.Add(tr.At(i))
		}
		out.Append(f.Fuse())
	}
	out.DetectRegions(minRegion)
	return out, nil
}

// Report is a serializable summary of a track's weak-bit state.
type Report struct {
	BitCount    int      `json:"bit_count" yaml:"bit_count"`
	WeakBits    int      `json:"weak_bits" yaml:"weak_bits"`
	StrongBits  int      `json:"strong_bits" yaml:"strong_bits"`
	WeakRatio   float64  `json:"weak_ratio" yaml:"weak_ratio"`
	RegionCount int      `json:"region_count" yaml:"region_count"`
	Regions     []Region `json:"regions" yaml:"regions"`
}

// Report summarizes the track as of the last DetectRegions call.
func (t *Track) Report() Report {
	regions := make([]Region, len(t.regions))
	copy(regions, t.regions)
	return Report{
		BitCount:    t.Len(),
		WeakBits:    t.weakCount,
		StrongBits:  t.strongCount,
		WeakRatio:   t.WeakRatio(),
		RegionCount: len(regions),
		Regions:     regions,
	}
}

// JSON renders the report.
func (r Report) JSON() ([]byte, error) {
	return json.Marshal(r)
}
