package mfm

import (
	"github.com/sergev/fluxdecode/bitstream"
	"github.com/sergev/fluxdecode/crc"
)

// Mark bytes of the IBM track format.
const (
	MarkIndex       = 0xFC
	MarkAddress     = 0xFE
	MarkData        = 0xFB
	MarkDeletedData = 0xF8
)

// FM clock patterns of the address marks.
const (
	fmClockIndex = 0xD7
	fmClockMark  = 0xC7
)

// Writer produces raw MFM or FM cells, MSB-first.
type Writer struct {
	fm          bool
	cells       *bitstream.Stream
	lastDataBit uint8 // last data bit, for the clock of the next zero
	maxCells    int   // track capacity in cells, 0 for unlimited
}

// NewWriter creates an MFM writer.
func NewWriter(maxCells int) *Writer {
	return &Writer{cells: bitstream.New(maxCells), maxCells: maxCells}
}

// NewFMWriter creates an FM writer.
func NewFMWriter(maxCells int) *Writer {
	w := NewWriter(maxCells)
	w.fm = true
	return w
}

// writeCell appends one raw cell unless the track has ended.
func (w *Writer) writeCell(v uint8) {
	if w.maxCells > 0 && w.cells.Len() >= w.maxCells {
		return
	}
	w.cells.Append(v)
}

// writeBit writes one data bit as two cells.
func (w *Writer) writeBit(dataBit uint8) {
	dataBit &= 1
	switch {
	case w.fm:
		w.writeCell(1)
		w.writeCell(dataBit)
	case dataBit != 0:
		w.writeCell(0)
		w.writeCell(1)
	default:
		w.writeCell(w.lastDataBit ^ 1)
		w.writeCell(0)
	}
	w.lastDataBit = dataBit
}

// writeByte writes a data byte as 16 cells.
func (w *Writer) writeByte(data byte) {
	for i := 7; i >= 0; i-- {
		w.writeBit((data >> uint(i)) & 1)
	}
}

// writeBytes writes a block of data bytes.
func (w *Writer) writeBytes(data []byte) {
	for _, b := range data {
		w.writeByte(b)
	}
}

// writeGap writes n bytes of gap filler.
func (w *Writer) writeGap(n int) {
	filler := byte(0x4E)
	if w.fm {
		filler = 0xFF
	}
	for i := 0; i < n; i++ {
		w.writeByte(filler)
	}
}

// writeClocked writes a byte with an explicit FM clock pattern.
func (w *Writer) writeClocked(clock, data byte) {
	for i := 7; i >= 0; i-- {
		w.writeCell((clock >> uint(i)) & 1)
		w.writeCell((data >> uint(i)) & 1)
	}
	w.lastDataBit = data & 1
}

// writeMissingClock writes A1 or C2 with the clock of data bit missing
// suppressed: bit 2 for A1, bit 3 for C2.
func (w *Writer) writeMissingClock(data byte, missing int) {
	for i := 7; i >= 0; i-- {
		bit := (data >> uint(i)) & 1
		if i == missing && bit == 0 {
			w.writeCell(0)
			w.writeCell(0)
			w.lastDataBit = 0
			continue
		}
		w.writeBit(bit)
	}
}

// writePreamble writes the zero run that precedes every mark.
func (w *Writer) writePreamble() {
	n := 12
	if w.fm {
		n = 6
	}
	for i := 0; i < n; i++ {
		w.writeByte(0)
	}
}

// WriteMark writes the sync preamble and an address mark. For MFM that
// is three A1 sync bytes followed by the mark byte. For FM the mark
// byte itself carries the missing clocks.
func (w *Writer) WriteMark(mark byte) {
	w.writePreamble()
	if w.fm {
		w.writeClocked(fmClockMark, mark)
		return
	}
	for i := 0; i < 3; i++ {
		w.writeMissingClock(0xA1, 2)
	}
	w.writeByte(mark)
}

// WriteIndexMark writes the index address mark.
func (w *Writer) WriteIndexMark() {
	w.writePreamble()
	if w.fm {
		w.writeClocked(fmClockIndex, MarkIndex)
		return
	}
	for i := 0; i < 3; i++ {
		w.writeMissingClock(0xC2, 3)
	}
	w.writeByte(MarkIndex)
}

// markCRC returns the CRC register after the sync bytes and mark.
func (w *Writer) markCRC(mark byte) uint16 {
	if w.fm {
		return crc.Update(crc.Seed, mark)
	}
	return crc.Update(crc.AfterSync, mark)
}

// Sector describes one sector to put on a synthetic track.
type Sector struct {
	Cylinder int
	Head     int
	Number   int
	SizeCode int
	Data     []byte
	Deleted  bool

	// Corruption knobs for building damaged tracks.
	BadAddressCRC bool
	BadDataCRC    bool
	OmitData      bool
}

// WriteAddress writes an ID address mark with its CRC.
func (w *Writer) WriteAddress(s Sector) {
	w.WriteMark(MarkAddress)
	id := []byte{byte(s.Cylinder), byte(s.Head), byte(s.Number), byte(s.SizeCode)}
	w.writeBytes(id)
	sum := crc.UpdateBytes(w.markCRC(MarkAddress), id)
	if s.BadAddressCRC {
		sum ^= 0x0101
	}
	w.writeByte(byte(sum >> 8))
	w.writeByte(byte(sum))
}

// WriteData writes a data mark, the payload and its CRC.
func (w *Writer) WriteData(s Sector) {
	mark := byte(MarkData)
	if s.Deleted {
		mark = MarkDeletedData
	}
	w.WriteMark(mark)
	w.writeBytes(s.Data)
	sum := crc.UpdateBytes(w.markCRC(mark), s.Data)
	if s.BadDataCRC {
		sum ^= 0x8000
	}
	w.writeByte(byte(sum >> 8))
	w.writeByte(byte(sum))
}

// Format holds the gap lengths of a track layout, in bytes.
//
// Track layout for IBM PC floppies
// ┌─────┬──────┬────┬···┬──────┬──────┬────┬──────┬────┬────┬···┬─────┐
// │gap4a│Index │gap1│   │Sector│Sector│gap2│Data  │Data│gap3│   │gap4b│
// │(80) │Marker│(50)│   │Marker│Header│(22)│Marker│+CRC│    │   │     │
// └─────┴──────┴────┴···┴──────┴──────┴────┴──────┴────┴────┴···┴─────┘
//
//	└───────────────repeat──────────────────┘
type Format struct {
	Gap4a int
	Gap1  int
	Gap2  int
	Gap3  int
}

// IBMFormat returns the MFM layout for the given data rate in kbps.
func IBMFormat(bitRate uint16, sectorsPerTrack int) Format {
	gap2, gap3 := computeGapsIBMPC(bitRate, sectorsPerTrack)
	return Format{Gap4a: 80, Gap1: 50, Gap2: gap2, Gap3: gap3}
}

// FMFormat returns the single-density IBM 3740 layout.
func FMFormat() Format {
	return Format{Gap4a: 40, Gap1: 26, Gap2: 11, Gap3: 27}
}

// EncodeTrack writes a full track and fills the rest of the track
// capacity with gap bytes. It returns the raw cells.
func (w *Writer) EncodeTrack(sectors []Sector, f Format) *bitstream.Stream {
	w.writeGap(f.Gap4a)
	w.WriteIndexMark()
	w.writeGap(f.Gap1)

	for _, s := range sectors {
		w.WriteAddress(s)
		w.writeGap(f.Gap2)
		if !s.OmitData {
			w.WriteData(s)
		}
		w.writeGap(f.Gap3)
	}

	if w.maxCells > 0 {
		if fill := (w.maxCells - w.cells.Len()) / 16; fill > 0 {
			w.writeGap(fill)
		}
	}
	return w.cells
}

// EncodeTrackIBMPC encodes a standard PC track: sectors numbered from 1,
// 512 bytes each.
func (w *Writer) EncodeTrackIBMPC(sectors [][]byte, cylinder, head int, bitRate uint16) *bitstream.Stream {
	list := make([]Sector, len(sectors))
	for i, data := range sectors {
		list[i] = Sector{Cylinder: cylinder, Head: head, Number: i + 1, SizeCode: 2, Data: data}
	}
	return w.EncodeTrack(list, IBMFormat(bitRate, len(sectors)))
}

// Cells returns the cells written so far.
func (w *Writer) Cells() *bitstream.Stream {
	return w.cells
}

// Compute gap2 and gap3 based on bit rate and number of sectors per track.
//
//	            Floppy  Media   Sectors
//	Bit rate    Drive   Volume  per track  Heads  Tracks  gap2  gap3
//	----------------------------------------------------------------
//	500 kbps    5¼"AT   1.2M    15         2      80      22    84
//	            3½"     1.44M   18         2      80      22    108
//	            3½"     1.6M    20         2      80      22    44
//	----------------------------------------------------------------
//	250 kbps    5¼"SS   160K    8          1      40      22    80
//	            5¼"PC   360K    9          2      40      22    80
//	            3½"     720K    9          2      80      22    80
//	            3½"     800K    10         2      80      22    34
//	----------------------------------------------------------------
//	300 kbps    5¼"AT   360K    9          2      40      22    80
//	----------------------------------------------------------------
//	1000 kbps   3½"     2.88M   36         2      80      41    84
func computeGapsIBMPC(bitRate uint16, sectorsPerTrack int) (int, int) {
	headerGap := 22
	if bitRate > 500 {
		headerGap = 41
	}

	sectorGap := 80
	switch bitRate {
	case 500:
		sectorGap = 108
		if sectorsPerTrack < 18 {
			sectorGap = 84
		}
		if sectorsPerTrack > 18 {
			sectorGap = 44
		}
	case 1000:
		sectorGap = 84
		if sectorsPerTrack > 36 {
			sectorGap = 40
		}
	case 250, 300:
		if sectorsPerTrack > 9 {
			sectorGap = 34
		}
	}
	return headerGap, sectorGap
}

// SizeCodeBytes returns the payload length for an IBM size code.
func SizeCodeBytes(code int) int {
	return 128 << uint(code&7)
}
