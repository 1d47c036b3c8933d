// Package weak models bits whose value is uncertain and fuses several
// revolutions of the same track into one annotated track.
package weak

import (
	"fmt"
	"math"

	"github.com/sergev/fluxdecode/sector"
)

const (
	// MaxRevolutions is the capacity of a Fusion buffer.
	MaxRevolutions = 8

	// Threshold is the fused confidence under which a bit is weak.
	Threshold = 128

	// weakDistance is the fraction of the half window beyond which a
	// single sample is flagged weak.
	weakDistance = 0.85
)

// Bit is a bit value with a confidence in [0,255] and a weak flag.
type Bit struct {
	Value      uint8
	Confidence uint8
	Weak       bool
}

// ConfidenceBand maps a normalized distance from the window center
// (0 at the center, 1 at the window edge) to a confidence value.
func ConfidenceBand(d float64) uint8 {
	switch {
	case d < 0.15:
		return 255
	case d < 0.30:
		return 200
	case d < 0.50:
		return 128
	case d < 0.70:
		return 80
	default:
		return 40
	}
}

// Classify builds a Bit from the timing offset of its flux transition
// relative to the expected cell-window center.
func Classify(value uint8, offset, halfWindow float64) Bit {
	if halfWindow <= 0 {
		return Bit{Value: value & 1, Weak: true}
	}
	d := math.Abs(offset) / halfWindow
	return Bit{
		Value:      value & 1,
		Confidence: ConfidenceBand(d),
		Weak:       d > weakDistance,
	}
}

// Fusion collects samples of one bit position from several revolutions.
type Fusion struct {
	samples [MaxRevolutions]Bit
	n       int
}

// Add appends a sample. It fails with sector.ErrOverflow when full.
func (f *Fusion) Add(b Bit) error {
	if f.n >= MaxRevolutions {
		return fmt.Errorf("fusion holds %d samples: %w", MaxRevolutions, sector.ErrOverflow)
	}
	f.samples[f.n] = b
	f.n++
	return nil
}

// Len returns the number of samples collected.
func (f *Fusion) Len() int {
	return f.n
}

// Reset discards all samples.
func (f *Fusion) Reset() {
	f.n = 0
}

// Fuse reduces the samples to one bit by confidence-weighted majority.
func (f *Fusion) Fuse() Bit {
	if f.n == 0 {
		return Bit{Weak: true}
	}

	var weight [2]uint32
	var count [2]int
	for _, s := range f.samples[:f.n] {
		v := s.Value & 1
		weight[v] += uint32(s.Confidence)
		count[v]++
	}

	value := uint8(0)
	switch {
	case weight[1] > weight[0]:
		value = 1
	case weight[1] == weight[0]:
		switch {
		case count[1] > count[0]:
			value = 1
		case count[1] == count[0]:
			value = f.samples[0].Value & 1
		}
	}

	total := weight[0] + weight[1]
	var conf uint8
	if total > 0 {
		conf = uint8(weight[value] * 255 / total)
	}
	disagree := count[value^1] > 0

	return Bit{
		Value:      value,
		Confidence: conf,
		Weak:       disagree || conf < Threshold,
	}
}
