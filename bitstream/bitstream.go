package bitstream

import (
	"errors"
)

// ErrEndOfStream is returned by Reader when all bits have been consumed.
var ErrEndOfStream = errors.New("end of bitstream")

// Bits is a read-only view of a bit-addressable buffer.
type Bits interface {
	// Len returns the number of valid bits.
	Len() int
	// Bit returns bit i (0 or 1). Bits past the end read as 0.
	Bit(i int) uint8
}

// Stream is a growable bit buffer, packed MSB-first like raw track data.
type Stream struct {
	data []byte // packed bits, MSB-first
	n    int    // number of valid bits
}

// New creates an empty stream with room for capacityBits bits.
func New(capacityBits int) *Stream {
	if capacityBits < 0 {
		capacityBits = 0
	}
	return &Stream{
		data: make([]byte, 0, (capacityBits+7)/8),
	}
}

// FromBytes wraps packed MSB-first data. All len(data)*8 bits are valid.
// The slice is borrowed, not copied.
func FromBytes(data []byte) *Stream {
	return &Stream{
		data: data,
		n:    len(data) * 8,
	}
}

// FromPacked wraps packed MSB-first data holding exactly nbits valid bits.
func FromPacked(data []byte, nbits int) *Stream {
	if nbits > len(data)*8 {
		nbits = len(data) * 8
	}
	if nbits < 0 {
		nbits = 0
	}
	return &Stream{
		data: data,
		n:    nbits,
	}
}

// FromBits builds a stream from a slice of 0/1 values.
func FromBits(bits []uint8) *Stream {
	s := New(len(bits))
	for _, b := range bits {
		s.Append(b)
	}
	return s
}

// Len returns the number of valid bits.
func (s *Stream) Len() int {
	return s.n
}

// Bit returns bit i (MSB-first within each byte).
func (s *Stream) Bit(i int) uint8 {
	if i < 0 || i >= s.n {
		return 0
	}
	return (s.data[i/8] >> (7 - uint(i&7))) & 1
}

// Set overwrites bit i. Out-of-range indices are ignored.
func (s *Stream) Set(i int, bit uint8) {
	if i < 0 || i >= s.n {
		return
	}
	mask := byte(1) << (7 - uint(i&7))
	if bit != 0 {
		s.data[i/8] |= mask
	} else {
		s.data[i/8] &^= mask
	}
}

// Append adds one bit at the end of the stream.
func (s *Stream) Append(bit uint8) {
	if s.n/8 >= len(s.data) {
		s.data = append(s.data, 0)
	}
	if bit != 0 {
		s.data[s.n/8] |= 1 << (7 - uint(s.n&7))
	}
	s.n++
}

// AppendBits adds the low n bits of v, most significant first.
func (s *Stream) AppendBits(v uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		s.Append(uint8(v>>uint(i)) & 1)
	}
}

// AppendBytes adds whole bytes, MSB first.
func (s *Stream) AppendBytes(data []byte) {
	for _, b := range data {
		s.AppendBits(uint64(b), 8)
	}
}

// Bytes returns the packed data, trimmed to the used length.
func (s *Stream) Bytes() []byte {
	return s.data[:(s.n+7)/8]
}

// Slice returns a copy of bits [from, to).
func (s *Stream) Slice(from, to int) *Stream {
	if from < 0 {
		from = 0
	}
	if to > s.n {
		to = s.n
	}
	out := New(to - from)
	if to <= from {
		return out
	}
	out.data = make([]byte, (to-from+7)/8)
	out.n = to - from
	Copy(out.data, 0, s.data, from, to-from)
	return out
}

// Copy copies size bits from src at bit offset srcOff to dst at bit
// offset dstOff. It stops early at the end of either buffer and returns
// the final destination offset.
func Copy(dst []byte, dstOff int, src []byte, srcOff int, size int) int {
	for i := 0; i < size; i++ {
		if srcOff >= len(src)*8 || dstOff >= len(dst)*8 {
			return dstOff
		}

		srcBit := (src[srcOff/8] >> (7 - (srcOff & 7))) & 1
		if srcBit != 0 {
			dst[dstOff/8] |= 1 << (7 - (dstOff & 7))
		} else {
			dst[dstOff/8] &= ^(1 << (7 - (dstOff & 7)))
		}

		srcOff++
		dstOff++
	}
	return dstOff
}

// Reader reads bits sequentially from a Bits source.
type Reader struct {
	src Bits
	pos int // next bit position
}

// NewReader creates a reader positioned at bit 0.
func NewReader(src Bits) *Reader {
	return &Reader{src: src}
}

// Pos returns the position of the next bit to be read.
func (r *Reader) Pos() int {
	return r.pos
}

// ReadBit returns the next bit.
func (r *Reader) ReadBit() (uint8, error) {
	if r.pos >= r.src.Len() {
		return 0, ErrEndOfStream
	}
	bit := r.src.Bit(r.pos)
	r.pos++
	return bit, nil
}

// ReadBits reads n bits (n <= 64) and returns them MSB-first.
func (r *Reader) ReadBits(n int) (uint64, error) {
	var v uint64
	for i := 0; i < n; i++ {
		bit, err := r.ReadBit()
		if err != nil {
			return 0, err
		}
		v = v<<1 | uint64(bit)
	}
	return v, nil
}
