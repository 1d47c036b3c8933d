package gcr

import (
	"github.com/sergev/fluxdecode/bitstream"
	"github.com/sergev/fluxdecode/sector"
)

// Commodore block layout, in decoded bytes.
const (
	CBMSectorSize = 256
	CBMHeaderID   = 0x08
	CBMDataID     = 0x07

	// Header: 08, checksum, sector, track, id2, id1, 0F, 0F.
	cbmHeaderBytes = 8
	// Data: 07, payload, checksum, 00, 00.
	cbmDataBytes = 1 + CBMSectorSize + 3

	cbmSyncOnes     = 10
	cbmDefaultWin   = 64 // GCR bytes from header end to data sync
	cbmSymbolBits   = 10
	cbmDataBitCount = cbmDataBytes * cbmSymbolBits
)

// Recovery rebuilds a data block whose GCR symbols did not all decode.
// The bits start at the block ID.
type Recovery interface {
	DecodeBits(bits bitstream.Bits) ([]byte, error)
}

// CBMDecoder is a bit-level Commodore 1541 GCR decoder.
type CBMDecoder struct {
	listener sector.Listener
	recovery Recovery
	window   int

	pos  int
	ones int // current run of one bits

	state   cbmState
	shift   uint16
	nbits   int
	field   []byte
	need    int
	bad     int // invalid symbols in the current block
	raw     *bitstream.Stream
	markPos int

	pending    *sector.Address
	pendingAge int // bits since the pending header ended
	addr       *sector.Address

	synced bool
	stats  sector.Stats
}

type cbmState int

const (
	cbmIdle cbmState = iota
	cbmSync          // sync run seen, waiting for the first zero
	cbmBlock         // collecting 10-bit symbols
)

// NewCBMDecoder creates a Commodore decoder reporting sectors to l.
func NewCBMDecoder(l sector.Listener) *CBMDecoder {
	return &CBMDecoder{listener: l, window: cbmDefaultWin}
}

// SetListener replaces the sector listener.
func (d *CBMDecoder) SetListener(l sector.Listener) {
	d.listener = l
}

// SetRecovery installs a fallback for data blocks with invalid symbols.
func (d *CBMDecoder) SetRecovery(r Recovery) {
	d.recovery = r
}

// SetWindow sets how many GCR bytes may pass between a header block and
// its data block. Non-positive values restore the default.
func (d *CBMDecoder) SetWindow(bytes int) {
	if bytes <= 0 {
		bytes = cbmDefaultWin
	}
	d.window = bytes
}

// Encoding implements sector.BitDecoder.
func (d *CBMDecoder) Encoding() sector.Encoding {
	return sector.EncodingCBMGCR
}

// Stats implements sector.BitDecoder.
func (d *CBMDecoder) Stats() sector.Stats {
	return d.stats
}

// SyncDetected implements sector.BitDecoder. It is true on the bit that
// completes a run of ten one bits.
func (d *CBMDecoder) SyncDetected() bool {
	return d.synced
}

// Reset implements sector.BitDecoder.
func (d *CBMDecoder) Reset() {
	d.pos = 0
	d.ones = 0
	d.synced = false
	d.pending = nil
	d.pendingAge = 0
	d.stats = sector.Stats{}
	d.idle()
}

func (d *CBMDecoder) idle() {
	d.state = cbmIdle
	d.field = nil
	d.raw = nil
	d.addr = nil
	d.nbits = 0
	d.shift = 0
	d.bad = 0
}

// PushBit implements sector.BitDecoder.
func (d *CBMDecoder) PushBit(bit uint8) error {
	if d == nil {
		return sector.ErrNilDecoder
	}
	bit &= 1
	d.pos++
	d.synced = false
	if bit == 1 {
		d.ones++
	} else {
		d.ones = 0
	}

	var err error
	if d.pending != nil && d.state != cbmBlock {
		d.pendingAge++
		if d.pendingAge > d.window*8 {
			d.stats.SyncLosses++
			err = sector.FieldError(sector.ErrSyncLost, "data block", d.pending.BitPos)
			d.pending = nil
		}
	}

	if d.ones == cbmSyncOnes {
		d.synced = true
		if d.state == cbmBlock {
			d.stats.SyncLosses++
			err = sector.FieldError(sector.ErrSyncLost, d.blockName(), d.markPos)
		}
		d.idle()
		d.state = cbmSync
		return err
	}

	switch d.state {
	case cbmSync:
		if bit == 0 {
			d.state = cbmBlock
			d.markPos = d.pos - 1
			d.need = 1
			d.field = make([]byte, 0, cbmDataBytes)
			d.raw = bitstream.New(cbmDataBitCount)
			d.collect(bit)
		}
	case cbmBlock:
		if e := d.collect(bit); e != nil {
			err = e
		}
	}
	return err
}

func (d *CBMDecoder) blockName() string {
	if d.need == cbmHeaderBytes {
		return "header block"
	}
	return "data block"
}

// collect shifts one bit into the current block.
func (d *CBMDecoder) collect(bit uint8) error {
	d.raw.Append(bit)
	d.shift = d.shift<<1 | uint16(bit)
	d.nbits++
	if d.nbits < cbmSymbolBits {
		return nil
	}
	hi, okHi := CBMNibble(byte(d.shift >> 5))
	lo, okLo := CBMNibble(byte(d.shift))
	d.nbits = 0
	d.shift = 0
	if !okHi {
		d.bad++
		d.stats.InvalidSymbols++
	}
	if !okLo {
		d.bad++
		d.stats.InvalidSymbols++
	}
	d.field = append(d.field, hi<<4|lo)

	if len(d.field) == 1 {
		switch {
		case okHi && okLo && d.field[0] == CBMHeaderID:
			d.need = cbmHeaderBytes
		case okHi && okLo && d.field[0] == CBMDataID:
			d.need = cbmDataBytes
			if d.pending == nil {
				d.stats.SyncLosses++
				pos := d.markPos
				d.idle()
				return sector.FieldError(sector.ErrSyncLost, "header block", pos)
			}
			d.addr = d.pending
			d.pending = nil
		default:
			// Not a block this decoder knows; wait for the next sync.
			d.bad = 0
			d.idle()
			return nil
		}
	}
	if len(d.field) < d.need {
		return nil
	}
	if d.need == cbmHeaderBytes {
		return d.finishHeader()
	}
	return d.finishData()
}

func (d *CBMDecoder) finishHeader() error {
	f := d.field
	chk, sec, trk, id2, id1 := f[1], f[2], f[3], f[4], f[5]
	addr := &sector.Address{
		Cylinder: int(trk),
		Sector:   int(sec),
		SizeCode: 1,
		DiskID:   uint16(id1)<<8 | uint16(id2),
		CRC:      uint16(chk),
		Valid:    d.bad == 0 && chk == sec^trk^id2^id1,
		BitPos:   d.markPos,
	}
	bad := d.bad
	if d.pending != nil {
		d.stats.SyncLosses++
	}
	d.pending = addr
	d.pendingAge = 0
	d.idle()

	switch {
	case bad > 0:
		d.stats.BadAddresses++
		return sector.FieldError(sector.ErrInvalidSymbol, "header block", addr.BitPos)
	case !addr.Valid:
		d.stats.BadAddresses++
		return sector.FieldError(sector.ErrChecksum, "header block", addr.BitPos)
	}
	return nil
}

func (d *CBMDecoder) finishData() error {
	field := d.field
	recovered := false
	if d.bad > 0 && d.recovery != nil {
		if out, err := d.recovery.DecodeBits(d.raw); err == nil && len(out) >= cbmDataBytes-2 {
			field = out
			recovered = true
		}
	}

	data := make([]byte, CBMSectorSize)
	copy(data, field[1:1+CBMSectorSize])
	var sum byte
	for _, b := range data {
		sum ^= b
	}
	stored := field[1+CBMSectorSize]
	ok := sum == stored && (d.bad == 0 || recovered)

	rec := &sector.Record{
		Encoding: sector.EncodingCBMGCR,
		Address:  *d.addr,
		Mark:     CBMDataID,
		Data:     data,
		CRC:      uint16(stored),
		CRCOK:    ok && d.addr.Valid,
		BitPos:   d.markPos,
	}
	bad := d.bad
	d.idle()

	d.stats.Found++
	if rec.CRCOK {
		d.stats.Good++
	} else {
		d.stats.Bad++
	}
	if d.listener != nil {
		d.listener.OnSector(rec)
	}
	switch {
	case bad > 0 && !recovered:
		return sector.FieldError(sector.ErrInvalidSymbol, "data block", rec.BitPos)
	case !ok:
		return sector.FieldError(sector.ErrChecksum, "data block", rec.BitPos)
	}
	return nil
}

// Decode runs every bit through the decoder. Field errors are reflected
// in Stats and do not stop decoding.
func (d *CBMDecoder) Decode(bits bitstream.Bits) error {
	if d == nil {
		return sector.ErrNilDecoder
	}
	if bits == nil {
		return sector.ErrNilBuffer
	}
	n := bits.Len()
	for i := 0; i < n; i++ {
		_ = d.PushBit(bits.Bit(i))
	}
	return nil
}
