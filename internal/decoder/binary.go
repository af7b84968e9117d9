package decoder

import (
	"bufio"
	"encoding/binary"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"telemetry-pipeline/internal/models"
)

// BinaryEpoch is the zero point of the SECONDS/NANOSECONDS timestamp
// fields in binary logger records.
var BinaryEpoch = time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	secondsColumn     = "SECONDS"
	nanosecondsColumn = "NANOSECONDS"
)

// fp2 special bit patterns.
const (
	fp2PosInf = 0x1FFF
	fp2NegInf = 0x9FFF
	fp2NaN    = 0x9FFE
)

// DecodeFP2 expands the packed 16-bit logger float: 1 sign bit, 2
// exponent bits, 13 mantissa bits, value = ±mantissa/10^exponent.
// Three reserved patterns encode +Inf, -Inf and NaN; a zero mantissa is
// exactly 0.0 regardless of the sign bit.
func DecodeFP2(w uint16) float64 {
	switch w {
	case fp2PosInf:
		return math.Inf(1)
	case fp2NegInf:
		return math.Inf(-1)
	case fp2NaN:
		return math.NaN()
	}
	mantissa := float64(w & 0x1FFF)
	if mantissa == 0 {
		return 0.0
	}
	exponent := int(w>>13) & 0x3
	v := mantissa / math.Pow10(exponent)
	if w&0x8000 != 0 {
		return -v
	}
	return v
}

// binaryField is one record field as declared by the header type codes.
type binaryField struct {
	name  string
	typ   string
	width int
}

// fieldWidth maps a header type code to its byte width in the record.
// A column named TIMESTAMP carries no bytes: its value is synthesized
// from the SECONDS/NANOSECONDS fields.
func fieldWidth(name, typ string) (int, error) {
	if strings.EqualFold(name, models.TimestampColumn) {
		return 0, nil
	}
	switch strings.ToUpper(typ) {
	case "ULONG", "LONG", "IEEE4", "FP4":
		return 4, nil
	case "FP2", "USHORT", "SHORT":
		return 2, nil
	}
	if rest, ok := strings.CutPrefix(strings.ToUpper(typ), "ASCII("); ok {
		n, err := strconv.Atoi(strings.TrimSuffix(rest, ")"))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("bad ASCII width in type code %q", typ)
		}
		return n, nil
	}
	return 0, fmt.Errorf("unknown binary type code %q", typ)
}

// DecodeBinary parses a binary record file: a 5-line ASCII header
// (format tag, column names, units, processing tags, type codes)
// followed by fixed-width little-endian records. Records are streamed
// in fixed-size chunks; a truncated final record ends the stream.
func DecodeBinary(path string) (*models.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)

	header := make([][]string, 5)
	for i := range header {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("%s: short binary header: %w", path, err)
		}
		cells, err := csv.NewReader(strings.NewReader(line)).Read()
		if err != nil {
			return nil, fmt.Errorf("%s: bad binary header line %d: %w", path, i+1, err)
		}
		header[i] = cells
	}
	if len(header[0]) == 0 || header[0][0] != "TOB1" {
		return nil, fmt.Errorf("%s: missing TOB1 format tag", path)
	}
	names, types := header[1], header[4]
	if len(names) == 0 || len(names) != len(types) {
		return nil, fmt.Errorf("%s: header declares %d columns but %d type codes",
			path, len(names), len(types))
	}

	fields := make([]binaryField, len(names))
	recordWidth := 0
	secIdx, nanoIdx := -1, -1
	for i, name := range names {
		w, err := fieldWidth(name, types[i])
		if err != nil {
			return nil, fmt.Errorf("%s: column %q: %w", path, name, err)
		}
		fields[i] = binaryField{name: name, typ: strings.ToUpper(types[i]), width: w}
		recordWidth += w
		switch strings.ToUpper(name) {
		case secondsColumn:
			secIdx = i
		case nanosecondsColumn:
			nanoIdx = i
		}
	}
	if recordWidth == 0 {
		return nil, fmt.Errorf("%s: zero-width record", path)
	}
	if secIdx < 0 {
		return nil, fmt.Errorf("%s: header declares no %s column", path, secondsColumn)
	}
	if fields[secIdx].width != 4 {
		return nil, fmt.Errorf("%s: %s column has type %q, want a 4-byte integer",
			path, secondsColumn, types[secIdx])
	}
	if nanoIdx >= 0 && fields[nanoIdx].width != 4 {
		return nil, fmt.Errorf("%s: %s column has type %q, want a 4-byte integer",
			path, nanosecondsColumn, types[nanoIdx])
	}

	frame := models.NewFrame()
	record := make([]byte, recordWidth)
	line := 5 // header lines consumed; rows are 1-based after that

	for {
		if _, err := io.ReadFull(r, record); err != nil {
			// EOF or a short/partial final record ends the stream.
			break
		}
		line++

		values := make(map[string]float64, len(fields))
		var seconds, nanos uint32
		off := 0
		for i, fld := range fields {
			raw := record[off : off+fld.width]
			off += fld.width
			if fld.width == 0 {
				continue
			}
			// the timestamp counters never materialize as data columns,
			// whichever 4-byte type code declared them
			if i == secIdx || i == nanoIdx {
				v := binary.LittleEndian.Uint32(raw)
				if i == secIdx {
					seconds = v
				} else {
					nanos = v
				}
				continue
			}
			switch fld.typ {
			case "ULONG":
				values[fld.name] = float64(binary.LittleEndian.Uint32(raw))
			case "LONG":
				values[fld.name] = float64(int32(binary.LittleEndian.Uint32(raw)))
			case "IEEE4", "FP4":
				values[fld.name] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw)))
			case "FP2":
				values[fld.name] = DecodeFP2(binary.LittleEndian.Uint16(raw))
			case "USHORT":
				values[fld.name] = float64(binary.LittleEndian.Uint16(raw))
			case "SHORT":
				values[fld.name] = float64(int16(binary.LittleEndian.Uint16(raw)))
			default:
				// ASCII(n) fields carry no numeric value.
			}
		}

		t := BinaryEpoch.Add(time.Duration(seconds)*time.Second + time.Duration(nanos)*time.Nanosecond)
		frame.AppendRow(t, values, models.RowSource{File: path, Line: line})
	}

	return frame, nil
}
