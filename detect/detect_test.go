package detect

import (
	"math/rand"
	"testing"

	"github.com/sergev/fluxdecode/gcr"
	"github.com/sergev/fluxdecode/mfm"
	"github.com/sergev/fluxdecode/sector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flags(list ...sector.Encoding) Flags {
	var f Flags
	for _, e := range list {
		f = f.With(e)
	}
	return f
}

func TestFlags(t *testing.T) {
	f := flags(sector.EncodingFM, sector.EncodingMFM)
	assert.True(t, f.Has(sector.EncodingFM))
	assert.False(t, f.Has(sector.EncodingCBMGCR))

	e, ok := f.Highest()
	require.True(t, ok)
	assert.Equal(t, sector.EncodingMFM, e)

	_, ok = Flags(0).Highest()
	assert.False(t, ok)
}

func TestPriorityOrder(t *testing.T) {
	tests := []struct {
		set  Flags
		want sector.Encoding
	}{
		{flags(sector.EncodingFM, sector.EncodingAppleGCR), sector.EncodingAppleGCR},
		{flags(sector.EncodingMFM, sector.EncodingCBMGCR), sector.EncodingCBMGCR},
		{flags(sector.EncodingMFM, sector.EncodingM2FM), sector.EncodingM2FM},
		{flags(sector.EncodingTandyFM, sector.EncodingMFM), sector.EncodingTandyFM},
		{flags(sector.EncodingFM, sector.EncodingMFM), sector.EncodingMFM},
		{flags(sector.EncodingFM), sector.EncodingFM},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			d := New(DefaultConfig())
			assert.Equal(t, tt.want, d.Update(tt.set))
		})
	}
}

func TestLockAfterThreshold(t *testing.T) {
	d := New(DefaultConfig())
	assert.Equal(t, sector.EncodingUnknown, d.Current())

	mfmFlag := flags(sector.EncodingMFM)
	d.Update(mfmFlag)
	assert.False(t, d.Locked())
	d.Update(mfmFlag)
	assert.False(t, d.Locked())
	d.Update(mfmFlag)
	assert.True(t, d.Locked())
	assert.Equal(t, sector.EncodingMFM, d.Current())

	d.Update(0)
	assert.True(t, d.Locked(), "bits without sync marks change nothing")
	assert.Equal(t, Stats{Updates: 3, Switches: 1, Locks: 1}, d.Stats())
}

func TestUnlockedSwitchesImmediately(t *testing.T) {
	d := New(DefaultConfig())
	d.Update(flags(sector.EncodingMFM))
	d.Update(flags(sector.EncodingMFM))
	assert.Equal(t, sector.EncodingFM, d.Update(flags(sector.EncodingFM)))
	assert.False(t, d.Locked())

	// The new encoding starts with one match.
	d.Update(flags(sector.EncodingFM))
	d.Update(flags(sector.EncodingFM))
	assert.True(t, d.Locked())
}

func TestLockedHysteresis(t *testing.T) {
	d := New(DefaultConfig())
	for i := 0; i < 3; i++ {
		d.Update(flags(sector.EncodingMFM))
	}
	require.True(t, d.Locked())

	fm := flags(sector.EncodingFM)
	for i := 0; i < 9; i++ {
		assert.Equal(t, sector.EncodingMFM, d.Update(fm), "mismatch %d", i+1)
	}
	assert.Equal(t, sector.EncodingFM, d.Update(fm))
	assert.False(t, d.Locked())
}

func TestMatchResetsMismatches(t *testing.T) {
	d := New(DefaultConfig())
	for i := 0; i < 3; i++ {
		d.Update(flags(sector.EncodingMFM))
	}
	fm := flags(sector.EncodingFM)
	for round := 0; round < 5; round++ {
		for i := 0; i < 9; i++ {
			d.Update(fm)
		}
		d.Update(flags(sector.EncodingMFM))
	}
	assert.Equal(t, sector.EncodingMFM, d.Current())
	assert.True(t, d.Locked())
}

func TestCustomThresholds(t *testing.T) {
	d := New(Config{LockThreshold: 1, UnlockThreshold: 2})
	d.Update(flags(sector.EncodingFM))
	assert.False(t, d.Locked(), "a switch alone never locks")
	d.Update(flags(sector.EncodingFM))
	assert.True(t, d.Locked())
	d.Update(flags(sector.EncodingMFM))
	assert.Equal(t, sector.EncodingFM, d.Current())
	d.Update(flags(sector.EncodingMFM))
	assert.Equal(t, sector.EncodingMFM, d.Current())

	assert.Error(t, Config{}.Validate())
	assert.NoError(t, DefaultConfig().Validate())

	d = New(Config{})
	assert.Equal(t, DefaultConfig(), d.cfg)
	d.Reset()
	assert.Equal(t, sector.EncodingUnknown, d.Current())
	assert.Equal(t, DefaultConfig(), d.cfg)
}

func allDecoders() []sector.BitDecoder {
	return []sector.BitDecoder{
		mfm.NewDecoder(nil),
		mfm.NewFMDecoder(nil),
		gcr.NewAppleDecoder(nil),
		gcr.NewCBMDecoder(nil),
	}
}

func TestRunnerDetectsMFM(t *testing.T) {
	sectors := make([][]byte, 9)
	for i := range sectors {
		sectors[i] = make([]byte, 512)
		rand.New(rand.NewSource(int64(i))).Read(sectors[i])
	}
	cells := mfm.NewWriter(100000).EncodeTrackIBMPC(sectors, 0, 0, 250)

	r := NewRunner(New(DefaultConfig()), allDecoders()...)
	require.NoError(t, r.Decode(cells))
	assert.Equal(t, sector.EncodingMFM, r.Detector().Current())
	assert.True(t, r.Detector().Locked())

	stats := r.Stats()
	assert.Equal(t, 9, stats[sector.EncodingMFM].Good)
	assert.Zero(t, stats[sector.EncodingAppleGCR].Found)
	assert.Zero(t, stats[sector.EncodingCBMGCR].Found)
}

func TestRunnerDetectsCBM(t *testing.T) {
	list := make([]gcr.CBMSector, 17)
	for i := range list {
		data := make([]byte, 256)
		rand.New(rand.NewSource(int64(i))).Read(data)
		list[i] = gcr.CBMSector{Track: 35, Sector: i, DiskID: 0x4142, Data: data}
	}
	bits, err := gcr.NewCBMWriter().EncodeTrack(list)
	require.NoError(t, err)

	r := NewRunner(New(DefaultConfig()), allDecoders()...)
	require.NoError(t, r.Decode(bits))
	assert.Equal(t, sector.EncodingCBMGCR, r.Detector().Current())
	assert.True(t, r.Detector().Locked())
	assert.Equal(t, 17, r.Stats()[sector.EncodingCBMGCR].Good)

	r.Reset()
	assert.Equal(t, sector.EncodingUnknown, r.Detector().Current())
	assert.Zero(t, r.Stats()[sector.EncodingCBMGCR].Good)
}

func TestRunnerExternalFlags(t *testing.T) {
	r := NewRunner(New(DefaultConfig()), mfm.NewDecoder(nil))
	r.SetExternalFlags(flags(sector.EncodingM2FM))
	require.NoError(t, r.PushBit(0))
	assert.Equal(t, sector.EncodingM2FM, r.Detector().Current())

	// External flags apply to one bit only.
	require.NoError(t, r.PushBit(0))
	assert.Equal(t, 1, r.Detector().Stats().Updates)

	assert.ErrorIs(t, r.Decode(nil), sector.ErrNilBuffer)
}
