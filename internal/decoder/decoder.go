// Package decoder parses the station file formats into models.Frame
// tables. Decoders are pure and stateless per file, which is what makes
// the decode stage safe to run on a worker pool.
package decoder

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"strings"
	"time"

	"telemetry-pipeline/internal/models"
)

// Format identifies one of the supported physical file formats.
type Format string

const (
	// FormatBinary is the record-oriented binary logger dump with a
	// 5-line ASCII header (tag "TOB1").
	FormatBinary Format = "binary"
	// FormatTabular is the delimited-text logger dump with a 4-line
	// ASCII header (tag "TOA5").
	FormatTabular Format = "tabular"
	// FormatCSV is plain CSV with a "Timestamp" header column.
	FormatCSV Format = "csv"
	// FormatArchive is a directory of per-variable numeric arrays plus a
	// shared time vector (external numerical-model archive).
	FormatArchive Format = "archive"
)

// Decode parses one file (or archive directory) into a frame. A nil
// frame with an error means the header was unrecoverably corrupt; the
// caller logs and skips the file.
func Decode(path string) (*models.Frame, error) {
	format, err := Detect(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatBinary:
		return DecodeBinary(path)
	case FormatTabular:
		return DecodeTabular(path)
	case FormatCSV:
		return DecodeCSV(path)
	case FormatArchive:
		return DecodeArchive(path)
	}
	return nil, fmt.Errorf("no decoder for format %q", format)
}

// Detect classifies a file by inspecting its first line. Directories
// are classified as archive layouts.
func Detect(path string) (Format, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return FormatArchive, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read header of %s: %w", path, err)
	}
	line = strings.TrimRight(line, "\r\n")

	switch {
	case strings.HasPrefix(line, `"TOB1"`):
		return FormatBinary, nil
	case strings.HasPrefix(line, `"TOA5"`):
		return FormatTabular, nil
	}

	// Plain CSV: the first header cell must read "Timestamp".
	cells, err := csv.NewReader(strings.NewReader(line)).Read()
	if err == nil && len(cells) > 0 && strings.EqualFold(strings.TrimSpace(cells[0]), "Timestamp") {
		return FormatCSV, nil
	}
	return "", fmt.Errorf("%s: unrecognized file format", path)
}

// timestampLayouts are tried in order when parsing text timestamps.
var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
	time.RFC3339,
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
