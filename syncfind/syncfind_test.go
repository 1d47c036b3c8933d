package syncfind

import (
	"math/rand"
	"testing"

	"github.com/sergev/fluxdecode/bitstream"
	"github.com/sergev/fluxdecode/sector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// streamWith builds a stream of zero padding with value v (n bits) at each offset.
func streamWith(total int, v uint64, n int, offsets ...int) *bitstream.Stream {
	bits := make([]uint8, total)
	for _, off := range offsets {
		for i := 0; i < n; i++ {
			bits[off+i] = uint8(v>>uint(n-1-i)) & 1
		}
	}
	return bitstream.FromBits(bits)
}

func positions(ms []Match) []int {
	out := make([]int, len(ms))
	for i, m := range ms {
		out[i] = m.Pos
	}
	return out
}

func TestFindPatternReportsEarliestPosition(t *testing.T) {
	src := streamWith(200, 0x4489, 16, 17, 100)
	ms := FindPattern(src, MFMSync, 10)
	assert.Equal(t, []int{17, 100}, positions(ms))
	for _, m := range ms {
		assert.Equal(t, 0, m.Errors)
		assert.Equal(t, 100, m.Confidence)
		assert.Equal(t, IDMFMSync, m.PatternID)
	}

	first, ok := FindFirst(src, MFMSync)
	require.True(t, ok)
	assert.Equal(t, 17, first.Pos)

	_, ok = FindFirst(bitstream.New(0), MFMSync)
	assert.False(t, ok)
}

func TestFindPatternLimit(t *testing.T) {
	src := streamWith(200, 0x4489, 16, 10, 50, 90)
	assert.Len(t, FindPattern(src, MFMSync, 2), 2)
}

func TestOverlappingMatches(t *testing.T) {
	src := bitstream.FromBits([]uint8{1, 1, 1, 1})
	ones := Pattern{Bits: 0x3, Length: 2}
	assert.Equal(t, []int{0, 1, 2}, positions(FindPattern(src, ones, 10)))
}

func TestPatternAtStreamEdges(t *testing.T) {
	src := streamWith(48, 0x448944894489, 48, 0)
	ms := FindPattern(src, MFMTripleSync, 4)
	require.Len(t, ms, 1)
	assert.Equal(t, 0, ms[0].Pos)

	// Each A1 inside the triple is found too.
	assert.Equal(t, []int{0, 16, 32}, positions(FindPattern(src, MFMSync, 4)))
}

func TestMaskIgnoresBits(t *testing.T) {
	src := streamWith(64, 0xD5AA97, 24, 8)
	p := Pattern{Bits: 0xD5AA96, Mask: 0xFFFFFE, Length: 24}
	assert.Equal(t, []int{8}, positions(FindPattern(src, p, 4)))
	assert.Empty(t, FindPattern(src, AppleAddress, 4))
}

func TestFindFuzzy(t *testing.T) {
	// 0x4489 with two bits flipped.
	src := streamWith(64, 0x4489^0x0101, 16, 20)
	assert.Empty(t, FindPattern(src, MFMSync, 4))
	assert.Empty(t, FindFuzzy(src, MFMSync, 1, 4))

	ms := FindFuzzy(src, MFMSync, 2, 4)
	require.Len(t, ms, 1)
	assert.Equal(t, 20, ms[0].Pos)
	assert.Equal(t, 2, ms[0].Errors)
	assert.Equal(t, 100-2*100/16, ms[0].Confidence)
}

func TestDegenerateInputs(t *testing.T) {
	src := streamWith(64, 0x4489, 16, 0)
	assert.Nil(t, FindPattern(src, Pattern{Bits: 1, Length: 0}, 4))
	assert.Nil(t, FindPattern(src, Pattern{Bits: 1, Length: 65}, 4))
	assert.Nil(t, FindPattern(src, MFMSync, 0))
	assert.Nil(t, FindPattern(nil, MFMSync, 4))
	assert.Nil(t, FindFuzzy(src, MFMSync, -1, 4))
	assert.Nil(t, FindPatternBytes(src.Bytes(), src.Len(), Pattern{}, 4))

	var f *Finder
	assert.Nil(t, f.MultiFind(src, 4))
}

func TestFinderAdd(t *testing.T) {
	f, err := NewFinder()
	require.NoError(t, err)
	assert.ErrorIs(t, f.Add(Pattern{Length: 0}), sector.ErrInvalidArgument)
	assert.ErrorIs(t, f.Add(Pattern{Length: 8, Tolerance: -1}), sector.ErrInvalidArgument)
	for i := 0; i < MaxPatterns; i++ {
		require.NoError(t, f.Add(Pattern{Bits: uint64(i), Length: 8, ID: i}))
	}
	assert.ErrorIs(t, f.Add(CBMSync), sector.ErrOverflow)
	assert.Len(t, f.Patterns(), MaxPatterns)
}

func TestMultiFindMatchesSingleSearches(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	bits := make([]uint8, 4096)
	for i := range bits {
		bits[i] = uint8(rng.Intn(2))
	}
	src := bitstream.FromBits(bits)

	patterns := []Pattern{
		{Bits: 0x5, Length: 3, ID: 1},
		{Bits: 0xA5, Length: 8, ID: 2},
		{Bits: 0x4489, Length: 16, Tolerance: 3, ID: 3},
		{Bits: 0x3F, Mask: 0x33, Length: 6, ID: 4},
	}
	f, err := NewFinder(patterns...)
	require.NoError(t, err)
	all := f.MultiFind(src, 1<<20)

	byID := map[int][]Match{}
	for _, m := range all {
		byID[m.PatternID] = append(byID[m.PatternID], m)
	}
	for _, p := range patterns {
		want := FindFuzzy(src, p, p.Tolerance, 1<<20)
		require.NotEmpty(t, want, "pattern %d", p.ID)
		assert.Equal(t, want, byID[p.ID], "pattern %d", p.ID)
	}
}

func TestScannerAcrossChunks(t *testing.T) {
	// A1 split across the boundary of two chunks.
	src := streamWith(64, 0x4489, 16, 26)
	data := src.Bytes()

	f, err := NewFinder(MFMSync)
	require.NoError(t, err)
	s := NewScanner(f)
	first := s.Feed(data[:4], 32, 8)
	second := s.Feed(data[4:], 32, 8)
	assert.Empty(t, first)
	require.Len(t, second, 1)
	assert.Equal(t, 26, second[0].Pos)
	assert.Equal(t, 64, s.Pos())

	s.Reset()
	assert.Equal(t, 0, s.Pos())
	assert.Len(t, s.Feed(data, 64, 8), 1)
}

func TestScannerEqualsMultiFind(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	data := make([]byte, 512)
	rng.Read(data)
	src := bitstream.FromBytes(data)

	f, err := NewFinder(Pattern{Bits: 0x2D, Length: 6, ID: 1}, Pattern{Bits: 0x1E3, Length: 9, Tolerance: 1, ID: 2})
	require.NoError(t, err)
	want := f.MultiFind(src, 1<<20)

	s := NewScanner(f)
	var got []Match
	for off := 0; off < len(data); off += 7 {
		end := off + 7
		if end > len(data) {
			end = len(data)
		}
		got = append(got, s.Feed(data[off:end], (end-off)*8, 1<<20)...)
	}
	assert.Equal(t, want, got)
}

func TestBytePathEqualsScalar(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	data := make([]byte, 2048)
	rng.Read(data)
	// Plant some real marks.
	copy(data[100:], []byte{0x44, 0x89, 0x44, 0x89, 0x44, 0x89})
	copy(data[700:], []byte{0xD5, 0xAA, 0x96})

	for _, nbits := range []int{len(data) * 8, len(data)*8 - 5} {
		src := bitstream.FromPacked(data, nbits)
		for _, p := range append(WellKnown(), Pattern{Bits: 0x6, Length: 3}, Pattern{Bits: 0xB, Mask: 0x9, Length: 4}) {
			want := FindPattern(src, p, 1<<20)
			got := FindPatternBytes(data, nbits, p, 1<<20)
			assert.Equal(t, want, got, "%s over %d bits", p.Name, nbits)
		}
	}

	ms := FindPatternBytes(data, len(data)*8, MFMTripleSync, 4)
	require.NotEmpty(t, ms)
	assert.Equal(t, 800, ms[0].Pos)
	assert.Len(t, FindPatternBytes(data, len(data)*8, Pattern{Bits: 0, Length: 1}, 3), 3)
}
