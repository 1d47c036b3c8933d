package mfm

import (
	"fmt"
	"math/rand"

	"github.com/sergev/fluxdecode/bitstream"
)

// GenerateFluxTransitions converts raw cells to flux transition times.
// Every one cell is a transition at the end of its cell period. Times
// are in sample clocks relative to the track start.
func GenerateFluxTransitions(cells bitstream.Bits, samplesPerCell float64) ([]uint64, error) {
	if cells == nil || cells.Len() == 0 {
		return nil, fmt.Errorf("empty cell stream")
	}
	if samplesPerCell <= 0 {
		return nil, fmt.Errorf("bad cell period %g", samplesPerCell)
	}

	var transitions []uint64
	n := cells.Len()
	for i := 0; i < n; i++ {
		if cells.Bit(i) != 0 {
			transitions = append(transitions, uint64(float64(i+1)*samplesPerCell+0.5))
		}
	}
	return transitions, nil
}

// CoverFullRotation extends transitions with a transition every two
// cells until the rotation period is reached.
func CoverFullRotation(transitions []uint64, samplesPerCell float64, rotation uint64) []uint64 {
	step := uint64(2*samplesPerCell + 0.5)
	if step == 0 {
		return transitions
	}
	var last uint64
	if len(transitions) > 0 {
		last = transitions[len(transitions)-1]
	}
	for last+step <= rotation {
		last += step
		transitions = append(transitions, last)
	}
	return transitions
}

// Jitter moves every transition by a uniform random amount of up to
// +/-amount cells, keeping the transitions in order.
func Jitter(transitions []uint64, samplesPerCell, amount float64, rng *rand.Rand) []uint64 {
	maxVariation := samplesPerCell * amount
	out := make([]uint64, len(transitions))
	var prev uint64
	for i, t := range transitions {
		v := float64(t) + (rng.Float64()*2-1)*maxVariation
		if v < float64(prev)+1 {
			v = float64(prev) + 1
		}
		out[i] = uint64(v)
		prev = out[i]
	}
	return out
}

// Intervals converts absolute transition times to the deltas a flux
// capture would contain.
func Intervals(transitions []uint64) []uint32 {
	out := make([]uint32, len(transitions))
	var prev uint64
	for i, t := range transitions {
		out[i] = uint32(t - prev)
		prev = t
	}
	return out
}
