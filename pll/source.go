package pll

import (
	"github.com/sergev/fluxdecode/weak"
)

// FluxSource provides flux intervals for the PLL, in sample clocks.
type FluxSource interface {
	// NextFlux returns the time until the next transition.
	// Returns 0 if no more transitions are available.
	NextFlux() float64
}

// FluxIterator provides flux intervals from absolute transition times.
// It implements the FluxSource interface.
type FluxIterator struct {
	transitions []uint64 // absolute transition times in sample clocks
	index       int
	lastTime    uint64
}

// NewFluxIterator creates a new FluxIterator from transition times.
func NewFluxIterator(transitions []uint64) *FluxIterator {
	return &FluxIterator{transitions: transitions}
}

// NextFlux implements FluxSource.
func (fi *FluxIterator) NextFlux() float64 {
	if fi.index >= len(fi.transitions) {
		return 0
	}
	next := fi.transitions[fi.index]
	interval := next - fi.lastTime
	fi.lastTime = next
	fi.index++
	return float64(interval)
}

// IsDone returns true if all transitions have been consumed.
func (fi *FluxIterator) IsDone() bool {
	return fi.index >= len(fi.transitions)
}

// IntervalSource provides flux intervals from a list of deltas, as read
// from a flux dump.
type IntervalSource struct {
	intervals []uint32
	index     int
}

// NewIntervalSource creates a source over the given intervals.
func NewIntervalSource(intervals []uint32) *IntervalSource {
	return &IntervalSource{intervals: intervals}
}

// NextFlux implements FluxSource. Zero intervals in the input are skipped.
func (s *IntervalSource) NextFlux() float64 {
	for s.index < len(s.intervals) {
		v := s.intervals[s.index]
		s.index++
		if v > 0 {
			return float64(v)
		}
	}
	return 0
}

// BitSink consumes recovered bits one at a time.
type BitSink interface {
	PushBit(bit uint8) error
}

// Feed runs one pulse through the PLL and pushes the resulting cells
// into sink: Cells-1 zeros then a one. The first sink error stops the
// run and is returned along with the PLL result.
func (p *PLL) Feed(pos float64, sink BitSink) (Result, error) {
	r := p.ProcessPulse(pos)
	if sink == nil {
		return r, nil
	}
	for i := 1; i < r.Cells; i++ {
		if err := sink.PushBit(0); err != nil {
			return r, err
		}
	}
	if r.Cells > 0 {
		if err := sink.PushBit(1); err != nil {
			return r, err
		}
	}
	return r, nil
}

// Recover drains src through the PLL and returns the recovered bit
// track. Zero bits between transitions inherit the confidence of the
// transition that closes them. If sink is not nil every bit is also
// pushed to it; sink errors are collected and do not stop recovery.
func (p *PLL) Recover(src FluxSource, sink BitSink) (*weak.Track, []error) {
	track := weak.NewTrack(0)
	var errs []error
	if src == nil {
		return track, nil
	}
	for {
		pos := src.NextFlux()
		if pos <= 0 {
			break
		}
		r := p.ProcessPulse(pos)
		if r.Cells == 0 {
			continue
		}
		zero := weak.Bit{Value: 0, Confidence: r.Confidence, Weak: r.Weak}
		for i := 1; i < r.Cells; i++ {
			track.Append(zero)
			if sink != nil {
				if err := sink.PushBit(0); err != nil {
					errs = append(errs, err)
				}
			}
		}
		track.Append(r.Bit())
		if sink != nil {
			if err := sink.PushBit(1); err != nil {
				errs = append(errs, err)
			}
		}
	}
	track.DetectRegions(1)
	return track, errs
}
