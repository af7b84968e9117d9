package decoder

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"telemetry-pipeline/internal/models"
)

// ArchiveEpoch is the zero point of the archive time vector, which
// stores fractional days since this instant.
var ArchiveEpoch = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

const archiveTimeStem = "time"

// DecodeArchive reads a numerical-model archive directory: one shared
// time-vector array (time.bin, or time_01.bin..time_12.bin when split
// per calendar month) plus one little-endian float64 array per
// variable. Variable files with k columns per time step keep the first
// column that holds any finite value.
func DecodeArchive(dir string) (*models.Frame, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read archive %s: %w", dir, err)
	}

	// stem → month suffix ("" for unsplit) → file name
	parts := make(map[string]map[string]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".bin") {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), ".bin")
		suffix := ""
		if i := strings.LastIndex(stem, "_"); i >= 0 && len(stem)-i == 3 {
			if m := stem[i+1:]; m >= "01" && m <= "12" {
				suffix = m
				stem = stem[:i]
			}
		}
		if parts[stem] == nil {
			parts[stem] = make(map[string]string)
		}
		parts[stem][suffix] = e.Name()
	}

	timeParts, ok := parts[archiveTimeStem]
	if !ok {
		return nil, fmt.Errorf("%s: archive has no time vector", dir)
	}
	suffixes := make([]string, 0, len(timeParts))
	for s := range timeParts {
		suffixes = append(suffixes, s)
	}
	sort.Strings(suffixes)

	frame := models.NewFrame()
	for _, suffix := range suffixes {
		days, err := readFloat64Array(filepath.Join(dir, timeParts[suffix]))
		if err != nil {
			return nil, fmt.Errorf("%s: time vector: %w", dir, err)
		}
		if len(days) == 0 {
			continue
		}

		slice := models.NewFrame()
		for i, d := range days {
			t := ArchiveEpoch.Add(time.Duration(d * float64(24*time.Hour))).Round(time.Second)
			slice.AppendRow(t, nil, models.RowSource{File: timeParts[suffix], Line: i + 1})
		}

		for stem, files := range parts {
			if stem == archiveTimeStem {
				continue
			}
			name, ok := files[suffix]
			if !ok {
				continue
			}
			raw, err := readFloat64Array(filepath.Join(dir, name))
			if err != nil {
				return nil, fmt.Errorf("%s: variable %s: %w", dir, stem, err)
			}
			col := selectColumn(raw, len(days))
			if col == nil {
				return nil, fmt.Errorf("%s: variable %s has %d values for %d time steps",
					dir, stem, len(raw), len(days))
			}
			dst := slice.AddColumn(stem)
			copy(dst, col)
		}
		frame.AppendFrame(slice)
	}
	return frame, nil
}

// selectColumn reduces a possibly 2-D array (n*k values for n time
// steps) to the single meaningful column: the first one containing any
// finite value. Returns nil if the length is not a multiple of n.
func selectColumn(raw []float64, n int) []float64 {
	if n == 0 || len(raw)%n != 0 {
		return nil
	}
	k := len(raw) / n
	if k == 1 {
		return raw
	}
	for c := 0; c < k; c++ {
		col := make([]float64, n)
		finite := false
		for i := 0; i < n; i++ {
			col[i] = raw[i*k+c]
			if !math.IsNaN(col[i]) && !math.IsInf(col[i], 0) {
				finite = true
			}
		}
		if finite {
			return col
		}
	}
	// all columns empty, take the first
	col := make([]float64, n)
	for i := 0; i < n; i++ {
		col[i] = raw[i*k]
	}
	return col
}

func readFloat64Array(path string) ([]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("%s: size %d is not a multiple of 8", path, len(data))
	}
	out := make([]float64, len(data)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return out, nil
}
