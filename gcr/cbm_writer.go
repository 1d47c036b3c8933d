package gcr

import (
	"fmt"

	"github.com/sergev/fluxdecode/bitstream"
	"github.com/sergev/fluxdecode/sector"
)

// Commodore track layout.
const (
	cbmSyncBits  = 40 // five FF bytes
	cbmHeaderGap = 9  // 55 bytes after a header block
	cbmSectorGap = 8  // 55 bytes after a data block
	cbmGapByte   = 0x55
)

// CBMSector describes one sector of a synthetic 1541 track.
type CBMSector struct {
	Track  int
	Sector int
	DiskID uint16 // id1<<8 | id2
	Data   []byte

	// Corruption knobs for building damaged tracks.
	BadHeaderChecksum bool
	BadDataChecksum   bool
	FlipBits          []int // bit offsets in the GCR data block to invert
	OmitData          bool
}

// CBMWriter builds raw Commodore GCR bits.
type CBMWriter struct {
	bits *bitstream.Stream
}

// NewCBMWriter creates an empty writer.
func NewCBMWriter() *CBMWriter {
	return &CBMWriter{bits: bitstream.New(0)}
}

// EncodeCBM converts bytes to GCR bits, two 5-bit codes per byte.
func EncodeCBM(data []byte) *bitstream.Stream {
	out := bitstream.New(len(data) * cbmSymbolBits)
	for _, b := range data {
		out.AppendBits(uint64(CBMCode[b>>4]), 5)
		out.AppendBits(uint64(CBMCode[b&0x0F]), 5)
	}
	return out
}

// WriteSync writes a run of n one bits.
func (w *CBMWriter) WriteSync(n int) {
	for i := 0; i < n; i++ {
		w.bits.Append(1)
	}
}

// WriteGap writes n raw gap bytes.
func (w *CBMWriter) WriteGap(n int) {
	for i := 0; i < n; i++ {
		w.bits.AppendBits(cbmGapByte, 8)
	}
}

func (w *CBMWriter) writeBlock(block []byte, flips []int) {
	enc := EncodeCBM(block)
	for _, i := range flips {
		enc.Set(i, enc.Bit(i)^1)
	}
	for i := 0; i < enc.Len(); i++ {
		w.bits.Append(enc.Bit(i))
	}
}

// WriteHeader writes a sync mark and a header block.
func (w *CBMWriter) WriteHeader(s CBMSector) {
	trk, sec := byte(s.Track), byte(s.Sector)
	id1, id2 := byte(s.DiskID>>8), byte(s.DiskID)
	chk := sec ^ trk ^ id2 ^ id1
	if s.BadHeaderChecksum {
		chk ^= 0x01
	}
	w.WriteSync(cbmSyncBits)
	w.writeBlock([]byte{CBMHeaderID, chk, sec, trk, id2, id1, 0x0F, 0x0F}, nil)
}

// WriteData writes a sync mark and a data block.
func (w *CBMWriter) WriteData(s CBMSector) error {
	if len(s.Data) != CBMSectorSize {
		return fmt.Errorf("sector of %d bytes: %w", len(s.Data), sector.ErrInvalidArgument)
	}
	block := make([]byte, 0, cbmDataBytes)
	block = append(block, CBMDataID)
	block = append(block, s.Data...)
	var chk byte
	for _, b := range s.Data {
		chk ^= b
	}
	if s.BadDataChecksum {
		chk ^= 0x01
	}
	block = append(block, chk, 0x00, 0x00)
	w.WriteSync(cbmSyncBits)
	w.writeBlock(block, s.FlipBits)
	return nil
}

// EncodeTrack writes all sectors with 1541 gaps and returns the bits.
func (w *CBMWriter) EncodeTrack(sectors []CBMSector) (*bitstream.Stream, error) {
	for _, s := range sectors {
		w.WriteHeader(s)
		w.WriteGap(cbmHeaderGap)
		if !s.OmitData {
			if err := w.WriteData(s); err != nil {
				return nil, err
			}
		}
		w.WriteGap(cbmSectorGap)
	}
	return w.bits, nil
}

// Bits returns the bits written so far.
func (w *CBMWriter) Bits() *bitstream.Stream {
	return w.bits
}

// CBMSectorsPerTrack returns the 1541 sector count of a track (1-based).
func CBMSectorsPerTrack(track int) int {
	switch {
	case track <= 17:
		return 21
	case track <= 24:
		return 19
	case track <= 30:
		return 18
	default:
		return 17
	}
}
