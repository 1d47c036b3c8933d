package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sergev/fluxdecode/catalog"
	"github.com/sergev/fluxdecode/metrics"
	"github.com/sergev/fluxdecode/track"
)

type decodeFlags struct {
	binary     bool
	sampleRate float64
	bitRate    float64
	format     string
	db         string
	metrics    string
}

func newDecodeCommand() *cobra.Command {
	var f decodeFlags
	cmd := &cobra.Command{
		Use:   "decode FILE...",
		Short: "Decode a track from flux captures, one file per revolution",
		Long: "Decode a track from flux interval captures. Every FILE holds one revolution " +
			"as decimal sample counts, one per line, or as little-endian uint32 values with --binary.",
		Args: cobra.RangeArgs(1, 8),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecode(cmd, args, &f)
		},
	}
	cmd.Flags().BoolVar(&f.binary, "binary", false, "read intervals as little-endian uint32")
	cmd.Flags().Float64Var(&f.sampleRate, "sample-rate", 0, "flux sample clock in Hz (default from config)")
	cmd.Flags().Float64Var(&f.bitRate, "bit-rate", 0, "raw cell rate in cells per second (default from config)")
	cmd.Flags().StringVarP(&f.format, "format", "f", "text", "output format: text, json or yaml")
	cmd.Flags().StringVar(&f.db, "db", "", "store the result in this SQLite catalog")
	cmd.Flags().StringVar(&f.metrics, "metrics", "", "write Prometheus metrics to this textfile")
	return cmd
}

func readRevolution(name string, binary bool) ([]uint32, error) {
	file, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var intervals []uint32
	if binary {
		intervals, err = track.ReadBinaryIntervals(file)
	} else {
		intervals, err = track.ReadIntervals(file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	if len(intervals) == 0 {
		return nil, fmt.Errorf("%s holds no flux intervals", name)
	}
	return intervals, nil
}

func runDecode(cmd *cobra.Command, files []string, f *decodeFlags) error {
	switch f.format {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q", f.format)
	}

	opts, err := conf.Options()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("sample-rate") {
		opts.SampleRate = f.sampleRate
	}
	if cmd.Flags().Changed("bit-rate") {
		opts.BitRate = f.bitRate
	}

	revolutions := make([][]uint32, len(files))
	for i, name := range files {
		revolutions[i], err = readRevolution(name, f.binary)
		if err != nil {
			return err
		}
	}

	res, err := track.DecodeTrack(cmd.Context(), revolutions, opts)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", strings.Join(files, ", "), err)
	}

	if err := printResult(cmd.OutOrStdout(), res, f.format); err != nil {
		return err
	}

	if f.db != "" {
		cat, err := catalog.Open(f.db, logrus.WithField("component", "catalog"))
		if err != nil {
			return err
		}
		defer cat.Close()
		session, err := cat.NewSession(strings.Join(files, ","))
		if err != nil {
			return err
		}
		if _, err := cat.SaveTrack(session, res); err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"db":      f.db,
			"session": session.ID,
		}).Info("result stored")
	}

	if f.metrics != "" {
		rec := metrics.NewRecorder()
		rec.ObserveTrack(res)
		if err := rec.WriteTextfile(f.metrics); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
	}
	return nil
}

func printResult(w io.Writer, res *track.Result, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(res); err != nil {
			return err
		}
		return enc.Close()
	}

	good := res.GoodSectors()
	fmt.Fprintf(w, "Encoding: %s, %d revolutions\n", res.Encoding, len(res.Revolutions))
	fmt.Fprintf(w, "Sectors: %d good, %d bad\n", good, len(res.Sectors)-good)
	fmt.Fprintf(w, "Weak bits: %d of %d in %d regions\n", res.Weak.WeakBits, res.Weak.BitCount, res.Weak.RegionCount)
	if len(res.Sectors) == 0 {
		return nil
	}
	fmt.Fprintf(w, "%4s %4s %4s %6s %4s %6s  %s\n", "Cyl", "Head", "Sec", "Bytes", "Rev", "Copies", "Status")
	for _, s := range res.Sectors {
		status := "ok"
		if !s.Record.CRCOK {
			status = "bad crc"
		}
		a := s.Record.Address
		fmt.Fprintf(w, "%4d %4d %4d %6d %4d %3d/%-2d  %s\n",
			a.Cylinder, a.Head, a.Sector, len(s.Record.Data), s.Revolution, s.GoodCopies, s.Copies, status)
	}
	return nil
}
