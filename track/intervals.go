package track

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ReadIntervals parses flux intervals written one per line as decimal
// sample counts. Blank lines and lines starting with '#' are skipped.
func ReadIntervals(r io.Reader) ([]uint32, error) {
	var out []uint32
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		v, err := strconv.ParseUint(text, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, uint32(v))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadBinaryIntervals reads little-endian uint32 intervals until EOF.
func ReadBinaryIntervals(r io.Reader) ([]uint32, error) {
	var out []uint32
	br := bufio.NewReader(r)
	var buf [4]byte
	for {
		_, err := io.ReadFull(br, buf[:])
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("interval %d: %w", len(out), err)
		}
		out = append(out, binary.LittleEndian.Uint32(buf[:]))
	}
}

// WriteIntervals writes intervals in the text form read by
// ReadIntervals.
func WriteIntervals(w io.Writer, intervals []uint32) error {
	bw := bufio.NewWriter(w)
	for _, v := range intervals {
		if _, err := fmt.Fprintln(bw, v); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteBinaryIntervals writes intervals as little-endian uint32 values.
func WriteBinaryIntervals(w io.Writer, intervals []uint32) error {
	bw := bufio.NewWriter(w)
	var buf [4]byte
	for _, v := range intervals {
		binary.LittleEndian.PutUint32(buf[:], v)
		if _, err := bw.Write(buf[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}
