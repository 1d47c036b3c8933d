package mfm

import (
	"math/rand"
	"testing"

	"github.com/sergev/fluxdecode/bitstream"
	"github.com/sergev/fluxdecode/pll"
	"github.com/sergev/fluxdecode/sector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sectorData(seed int64, n int) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func pcSectors(count int) [][]byte {
	out := make([][]byte, count)
	for i := range out {
		out[i] = sectorData(int64(i), 512)
	}
	return out
}

func TestDecodeIBMTrack(t *testing.T) {
	sectors := pcSectors(9)
	cells := NewWriter(100000).EncodeTrackIBMPC(sectors, 3, 1, 250)

	var c sector.Collector
	d := NewDecoder(&c)
	require.NoError(t, d.Decode(cells))

	require.Len(t, c.Records, 9)
	for i, rec := range c.Records {
		assert.True(t, rec.CRCOK, "sector %d", i+1)
		assert.Equal(t, sector.EncodingMFM, rec.Encoding)
		assert.Equal(t, 3, rec.Address.Cylinder)
		assert.Equal(t, 1, rec.Address.Head)
		assert.Equal(t, i+1, rec.Address.Sector)
		assert.Equal(t, 2, rec.Address.SizeCode)
		assert.True(t, rec.Address.Valid)
		assert.Equal(t, byte(MarkData), rec.Mark)
		assert.Equal(t, sectors[i], rec.Data)
		assert.Greater(t, rec.BitPos, rec.Address.BitPos)
	}

	s := d.Stats()
	assert.Equal(t, sector.Stats{Found: 9, Good: 9, IndexMarks: 1}, s)
	assert.Equal(t, 0.0, s.ErrorRate())
}

func TestDecodeDamagedFields(t *testing.T) {
	list := []Sector{
		{Cylinder: 1, Number: 1, SizeCode: 1, Data: sectorData(1, 256)},
		{Cylinder: 1, Number: 2, SizeCode: 1, Data: sectorData(2, 256), BadAddressCRC: true},
		{Cylinder: 1, Number: 3, SizeCode: 1, Data: sectorData(3, 256), BadDataCRC: true},
		{Cylinder: 1, Number: 4, SizeCode: 1, Data: sectorData(4, 256), OmitData: true},
		{Cylinder: 1, Number: 5, SizeCode: 1, Data: sectorData(5, 256), Deleted: true},
	}
	cells := NewWriter(0).EncodeTrack(list, IBMFormat(250, len(list)))

	var c sector.Collector
	d := NewDecoder(&c)
	var errs []error
	for i := 0; i < cells.Len(); i++ {
		if err := d.PushBit(cells.Bit(i)); err != nil {
			errs = append(errs, err)
		}
	}

	require.Len(t, c.Records, 4)
	assert.True(t, c.Records[0].CRCOK)

	assert.False(t, c.Records[1].CRCOK, "address CRC failed")
	assert.False(t, c.Records[1].Address.Valid)
	assert.Equal(t, list[1].Data, c.Records[1].Data)

	assert.False(t, c.Records[2].CRCOK, "data CRC failed")
	assert.True(t, c.Records[2].Address.Valid)

	assert.True(t, c.Records[3].CRCOK)
	assert.Equal(t, 5, c.Records[3].Address.Sector)
	assert.Equal(t, byte(MarkDeletedData), c.Records[3].Mark)

	s := d.Stats()
	assert.Equal(t, 4, s.Found)
	assert.Equal(t, 2, s.Good)
	assert.Equal(t, 2, s.Bad)
	assert.Equal(t, 1, s.BadAddresses)
	assert.Equal(t, 1, s.SyncLosses, "sector 4 has no data field")

	require.Len(t, errs, 3)
	assert.ErrorIs(t, errs[0], sector.ErrChecksum)
	assert.ErrorIs(t, errs[1], sector.ErrChecksum)
	assert.ErrorIs(t, errs[2], sector.ErrSyncLost)
}

func TestResyncAbandonsField(t *testing.T) {
	w := NewWriter(0)
	first := Sector{Cylinder: 2, Number: 1, SizeCode: 2, Data: sectorData(9, 512)}
	w.WriteAddress(first)
	w.writeGap(22)
	w.WriteMark(MarkData)
	w.writeBytes(first.Data[:100]) // truncated by a rewrite
	second := Sector{Cylinder: 2, Number: 2, SizeCode: 0, Data: sectorData(10, 128)}
	w.WriteAddress(second)
	w.writeGap(22)
	w.WriteData(second)
	w.writeGap(10)

	var c sector.Collector
	d := NewDecoder(&c)
	require.NoError(t, d.Decode(w.Cells()))
	require.Len(t, c.Records, 1)
	assert.Equal(t, 2, c.Records[0].Address.Sector)
	assert.True(t, c.Records[0].CRCOK)
	assert.Equal(t, 1, d.Stats().SyncLosses)
}

func TestFMResyncAbandonsField(t *testing.T) {
	w := NewFMWriter(0)
	first := Sector{Cylinder: 2, Number: 1, SizeCode: 1, Data: sectorData(9, 256)}
	w.WriteAddress(first)
	w.writeGap(11)
	w.WriteMark(MarkData)
	w.writeBytes(first.Data[:100]) // truncated by a rewrite
	second := Sector{Cylinder: 2, Number: 2, SizeCode: 0, Data: sectorData(10, 128)}
	w.WriteAddress(second)
	w.writeGap(11)
	w.WriteData(second)
	w.writeGap(10)

	var c sector.Collector
	d := NewFMDecoder(&c)
	var errs []error
	cells := w.Cells()
	for i := 0; i < cells.Len(); i++ {
		if err := d.PushBit(cells.Bit(i)); err != nil {
			errs = append(errs, err)
		}
	}
	require.Len(t, c.Records, 1)
	assert.Equal(t, 2, c.Records[0].Address.Sector)
	assert.True(t, c.Records[0].CRCOK)
	assert.Equal(t, second.Data, c.Records[0].Data)
	assert.Equal(t, sector.Stats{Found: 1, Good: 1, SyncLosses: 1}, d.Stats())
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], sector.ErrSyncLost)
}

func TestDataFieldWithoutAddress(t *testing.T) {
	d := NewDecoder(nil)
	d.state = stateData
	d.need = 3

	var errs []error
	for i := 0; i < 3*16; i++ {
		if err := d.PushBit(0); err != nil {
			errs = append(errs, err)
		}
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], sector.ErrInvalidState)
	assert.Equal(t, sector.Stats{}, d.Stats())
}

func TestOrphanDataMark(t *testing.T) {
	w := NewWriter(0)
	w.writeGap(4)
	w.WriteMark(MarkData)
	w.writeGap(4)

	d := NewDecoder(nil)
	require.NoError(t, d.Decode(w.Cells()))
	assert.Equal(t, 1, d.Stats().SyncLosses)
	assert.Equal(t, 0, d.Stats().Found)
}

func TestDecodeFMTrack(t *testing.T) {
	list := make([]Sector, 26)
	for i := range list {
		list[i] = Sector{Cylinder: 7, Number: i + 1, SizeCode: 0, Data: sectorData(int64(100+i), 128)}
	}
	list[4].BadDataCRC = true
	cells := NewFMWriter(0).EncodeTrack(list, FMFormat())

	var c sector.Collector
	d := NewFMDecoder(&c)
	require.NoError(t, d.Decode(cells))
	require.Len(t, c.Records, 26)
	for i, rec := range c.Records {
		assert.Equal(t, sector.EncodingFM, rec.Encoding)
		assert.Equal(t, i+1, rec.Address.Sector)
		assert.Equal(t, list[i].Data, rec.Data)
		assert.Equal(t, i != 4, rec.CRCOK, "sector %d", i+1)
	}
	assert.Equal(t, sector.Stats{Found: 26, Good: 25, Bad: 1, IndexMarks: 1}, d.Stats())
	assert.Equal(t, sector.EncodingFM, d.Encoding())
}

func TestSyncDetectedAndReset(t *testing.T) {
	w := NewWriter(0)
	w.WriteMark(MarkAddress)
	cells := w.Cells()

	d := NewDecoder(nil)
	seen := 0
	for i := 0; i < cells.Len(); i++ {
		require.NoError(t, d.PushBit(cells.Bit(i)))
		if d.SyncDetected() {
			seen++
			assert.Equal(t, 15*16, d.Pos())
		}
	}
	assert.Equal(t, 1, seen)

	d.Reset()
	assert.Equal(t, 0, d.Pos())
	assert.Equal(t, sector.Stats{}, d.Stats())
}

func TestNilArguments(t *testing.T) {
	var d *Decoder
	assert.ErrorIs(t, d.PushBit(1), sector.ErrNilDecoder)
	assert.ErrorIs(t, d.Decode(bitstream.New(0)), sector.ErrNilDecoder)
	assert.ErrorIs(t, NewDecoder(nil).Decode(nil), sector.ErrNilBuffer)
}

func TestDataMarkWindow(t *testing.T) {
	w := NewWriter(0)
	s := Sector{Number: 1, SizeCode: 0, Data: sectorData(3, 128)}
	w.WriteAddress(s)
	w.writeGap(30)
	w.WriteData(s)

	var c sector.Collector
	d := NewDecoder(&c)
	d.SetWindow(20)
	require.NoError(t, d.Decode(w.Cells()))
	assert.Empty(t, c.Records)
	assert.Equal(t, 2, d.Stats().SyncLosses, "window expired, then orphan data mark")

	c.Records = nil
	d = NewDecoder(&c)
	require.NoError(t, d.Decode(w.Cells()))
	assert.Len(t, c.Records, 1)
}

// An IDAM for track 5, head 0, sector 3, size code 2 with 512 bytes of
// data, recorded as jittered flux and recovered through the PLL.
func TestFluxEndToEnd(t *testing.T) {
	const samplesPerCell = 80.0 // 40 MHz capture of 500 kcells/s

	data := sectorData(42, 512)
	w := NewWriter(0)
	w.writeGap(40)
	w.WriteAddress(Sector{Cylinder: 5, Head: 0, Number: 3, SizeCode: 2})
	w.writeGap(22)
	w.WriteData(Sector{Data: data})
	w.writeGap(40)

	transitions, err := GenerateFluxTransitions(w.Cells(), samplesPerCell)
	require.NoError(t, err)
	transitions = Jitter(transitions, samplesPerCell, 0.05, rand.New(rand.NewSource(42)))

	p := pll.New(pll.DefaultConfig())
	p.Configure(40e6, 500e3)

	var records []*sector.Record
	d := NewDecoder(sector.ListenerFunc(func(rec *sector.Record) {
		records = append(records, rec)
	}))
	track, errs := p.Recover(pll.NewIntervalSource(Intervals(transitions)), d)
	require.Empty(t, errs)
	assert.Greater(t, track.Len(), 0)

	require.Len(t, records, 1)
	rec := records[0]
	assert.True(t, rec.CRCOK)
	assert.Equal(t, 5, rec.Address.Cylinder)
	assert.Equal(t, 0, rec.Address.Head)
	assert.Equal(t, 3, rec.Address.Sector)
	assert.Equal(t, 2, rec.Address.SizeCode)
	assert.Equal(t, data, rec.Data)
}
