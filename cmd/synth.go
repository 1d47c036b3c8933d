package cmd

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sergev/fluxdecode/mfm"
	"github.com/sergev/fluxdecode/sector"
	"github.com/sergev/fluxdecode/track"
)

type synthFlags struct {
	encoding string
	sectors  int
	sizeCode int
	cylinder int
	head     int
	rpm      int
	jitter   float64
	seed     int64
	bad      int
	binary   bool
}

func newSynthCommand() *cobra.Command {
	var f synthFlags
	cmd := &cobra.Command{
		Use:   "synth OUT",
		Short: "Write a synthetic jittered flux track",
		Long: "Write one revolution of a synthetic IBM track as flux intervals at the configured " +
			"sample and bit rates. Sector contents are pseudo-random from --seed.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSynth(args[0], &f)
		},
	}
	cmd.Flags().StringVar(&f.encoding, "encoding", "MFM", "track encoding: MFM or FM")
	cmd.Flags().IntVar(&f.sectors, "sectors", 9, "sectors per track")
	cmd.Flags().IntVar(&f.sizeCode, "size-code", 2, "sector size code, 128<<n bytes")
	cmd.Flags().IntVar(&f.cylinder, "cylinder", 0, "cylinder number in the address fields")
	cmd.Flags().IntVar(&f.head, "head", 0, "head number in the address fields")
	cmd.Flags().IntVar(&f.rpm, "rpm", 300, "rotation speed")
	cmd.Flags().Float64Var(&f.jitter, "jitter", 0.05, "transition jitter, fraction of a cell")
	cmd.Flags().Int64Var(&f.seed, "seed", 1, "random seed for data and jitter")
	cmd.Flags().IntVar(&f.bad, "bad", 0, "sector number to write with a bad data CRC")
	cmd.Flags().BoolVar(&f.binary, "binary", false, "write intervals as little-endian uint32")
	return cmd
}

func synthIntervals(f *synthFlags, sampleRate, bitRate float64) ([]uint32, error) {
	enc, err := sector.ParseEncoding(f.encoding)
	if err != nil {
		return nil, err
	}
	if f.sectors <= 0 || f.sizeCode < 0 || f.sizeCode > 7 || f.rpm <= 0 {
		return nil, fmt.Errorf("invalid track geometry: %d sectors, size code %d, %d rpm", f.sectors, f.sizeCode, f.rpm)
	}

	rotation := sampleRate * 60 / float64(f.rpm)
	samplesPerCell := sampleRate / bitRate
	maxCells := int(bitRate * 60 / float64(f.rpm))

	var w *mfm.Writer
	var format mfm.Format
	switch enc {
	case sector.EncodingMFM:
		w = mfm.NewWriter(maxCells)
		format = mfm.IBMFormat(uint16(bitRate/2000), f.sectors)
	case sector.EncodingFM:
		w = mfm.NewFMWriter(maxCells)
		format = mfm.FMFormat()
	default:
		return nil, fmt.Errorf("cannot synthesize %s tracks", enc)
	}

	rng := rand.New(rand.NewSource(f.seed))
	list := make([]mfm.Sector, f.sectors)
	for i := range list {
		data := make([]byte, mfm.SizeCodeBytes(f.sizeCode))
		rng.Read(data)
		list[i] = mfm.Sector{
			Cylinder:   f.cylinder,
			Head:       f.head,
			Number:     i + 1,
			SizeCode:   f.sizeCode,
			Data:       data,
			BadDataCRC: i+1 == f.bad,
		}
	}
	cells := w.EncodeTrack(list, format)

	transitions, err := mfm.GenerateFluxTransitions(cells, samplesPerCell)
	if err != nil {
		return nil, err
	}
	transitions = mfm.CoverFullRotation(transitions, samplesPerCell, uint64(rotation))
	if f.jitter > 0 {
		transitions = mfm.Jitter(transitions, samplesPerCell, f.jitter, rng)
	}
	return mfm.Intervals(transitions), nil
}

func runSynth(name string, f *synthFlags) error {
	intervals, err := synthIntervals(f, conf.Capture.SampleRate, conf.Capture.BitRate)
	if err != nil {
		return err
	}

	file, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	if f.binary {
		err = track.WriteBinaryIntervals(file, intervals)
	} else {
		err = track.WriteIntervals(file, intervals)
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}

	logrus.WithFields(logrus.Fields{
		"file":      name,
		"encoding":  f.encoding,
		"sectors":   f.sectors,
		"intervals": len(intervals),
	}).Info("track written")
	return file.Close()
}
