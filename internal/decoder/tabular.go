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

// tabularMissing are the literal tokens the delimited-text format uses
// for cells without a value. INF tokens are handled separately: they
// decode to infinities, not to missing.
var tabularMissing = map[string]bool{
	"":    true,
	"NAN": true,
	"NaN": true,
	"nan": true,
}

// DecodeTabular parses a delimited-text logger dump: a 4-line ASCII
// header (environment line with the TOA5 tag, column names, units,
// processing tags) followed by quoted CSV rows. The first column must
// be TIMESTAMP; rows whose timestamp does not parse are dropped.
func DecodeTabular(path string) (*models.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return decodeTabular(path, f)
}

func decodeTabular(path string, src io.Reader) (*models.Frame, error) {
	r := csv.NewReader(src)
	r.FieldsPerRecord = -1

	env, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: bad text header: %w", path, err)
	}
	if len(env) == 0 || env[0] != "TOA5" {
		return nil, fmt.Errorf("%s: missing TOA5 format tag", path)
	}
	names, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: bad column-name header: %w", path, err)
	}
	if len(names) == 0 || !strings.EqualFold(names[0], models.TimestampColumn) {
		return nil, fmt.Errorf("%s: first column is %q, want %s", path, first(names), models.TimestampColumn)
	}
	// Units and processing lines are informational only.
	for i := 0; i < 2; i++ {
		if _, err := r.Read(); err != nil {
			return nil, fmt.Errorf("%s: short text header: %w", path, err)
		}
	}

	frame := models.NewFrame()
	line := 4
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
			// one malformed row never aborts the file
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
			values[names[i]] = parseTabularValue(row[i])
		}
		frame.AppendRow(t, values, models.RowSource{File: path, Line: line})
	}
	return frame, nil
}

func parseTabularValue(s string) float64 {
	s = strings.TrimSpace(s)
	if tabularMissing[s] {
		return math.NaN()
	}
	switch strings.ToUpper(s) {
	case "INF", "+INF":
		return math.Inf(1)
	case "-INF":
		return math.Inf(-1)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func first(cells []string) string {
	if len(cells) == 0 {
		return ""
	}
	return cells[0]
}
