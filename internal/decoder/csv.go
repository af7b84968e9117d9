package decoder

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"telemetry-pipeline/internal/models"
)

// csvIgnoredColumns are device bookkeeping columns that never carry
// measurement data.
var csvIgnoredColumns = map[string]bool{
	"No.":  true,
	"sec":  true,
	"msec": true,
}

// csvMissing extends the missing vocabulary with device-specific
// sentinel tokens.
var csvMissing = map[string]bool{
	"":           true,
	"NAN":        true,
	"NaN":        true,
	"nan":        true,
	"OverRange":  true,
	"UnderRange": true,
	"BurnOut":    true,
	"Error":      true,
	"-":          true,
	"----":       true,
	"+++++":      true,
}

// DecodeCSV parses a plain CSV dump whose header row starts with
// "Timestamp". Every row records its file and line number, needed for
// provenance in chronology-repair logging.
func DecodeCSV(path string) (*models.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return decodeDeviceCSV(path, f)
}

func decodeDeviceCSV(path string, src io.Reader) (*models.Frame, error) {
	r := csv.NewReader(src)
	r.FieldsPerRecord = -1

	names, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: bad CSV header: %w", path, err)
	}
	if len(names) == 0 || !strings.EqualFold(strings.TrimSpace(names[0]), "Timestamp") {
		return nil, fmt.Errorf("%s: first column is %q, want Timestamp", path, first(names))
	}
	for i := range names {
		names[i] = strings.TrimSpace(names[i])
	}

	frame := models.NewFrame()
	line := 1
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) {
				// an I/O failure repeats on every read; keep what decoded
				break
			}
			continue
		}
		if len(row) == 0 {
			continue
		}
		t, err := parseTimestamp(row[0])
		if err != nil {
			continue
		}
		values := make(map[string]float64, len(names)-1)
		for i := 1; i < len(names) && i < len(row); i++ {
			if csvIgnoredColumns[names[i]] {
				continue
			}
			values[names[i]] = parseCSVValue(row[i])
		}
		frame.AppendRow(t, values, models.RowSource{File: path, Line: line})
	}
	return frame, nil
}

func parseCSVValue(s string) float64 {
	s = strings.TrimSpace(s)
	if csvMissing[s] {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}
