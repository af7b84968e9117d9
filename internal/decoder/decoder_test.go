package decoder

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDetect(t *testing.T) {
	dir := t.TempDir()
	binaryPath := writeFile(t, dir, "logger.dat", "\"TOB1\",\"stn\"\nrest")
	tabularPath := writeFile(t, dir, "logger_daily.dat", "\"TOA5\",\"stn\"\nrest")
	csvPath := writeFile(t, dir, "device.csv", "Timestamp,CH1,CH2\n")
	unknownPath := writeFile(t, dir, "notes.txt", "field notes, nothing else\n")
	archiveDir := filepath.Join(dir, "model_archive")
	require.NoError(t, os.Mkdir(archiveDir, 0o755))

	tests := []struct {
		name    string
		path    string
		want    Format
		wantErr bool
	}{
		{"binary tag", binaryPath, FormatBinary, false},
		{"tabular tag", tabularPath, FormatTabular, false},
		{"plain csv", csvPath, FormatCSV, false},
		{"directory is archive", archiveDir, FormatArchive, false},
		{"unrecognized", unknownPath, "", true},
		{"missing file", filepath.Join(dir, "nope.dat"), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Detect(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeTabular(t *testing.T) {
	content := `"TOA5","stn1","CR1000","1234","CR1000.Std.27","CPU:prog.CR1","5678","Hourly"
"TIMESTAMP","RECORD","AirTC","RH"
"TS","RN","Deg C","%"
"","","Avg","Smp"
"2019-06-01 00:00:00",1,12.5,"NAN"
"2019-06-01 01:00:00",2,"INF",55.1
"not a timestamp",3,1.0,2.0
"2019-06-01 02:00:00",4,"-INF",60
`
	path := writeFile(t, t.TempDir(), "stn1_hourly.dat", content)

	frame, err := DecodeTabular(path)
	require.NoError(t, err)
	require.Equal(t, 3, frame.Len())

	assert.Equal(t, time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC), frame.Times[0])

	air := frame.Column("AirTC")
	require.NotNil(t, air)
	assert.InDelta(t, 12.5, air[0], 1e-12)
	assert.True(t, math.IsInf(air[1], 1))
	assert.True(t, math.IsInf(air[2], -1))

	rh := frame.Column("RH")
	require.NotNil(t, rh)
	assert.True(t, math.IsNaN(rh[0]))
	assert.InDelta(t, 55.1, rh[1], 1e-12)

	// the bad-timestamp row was dropped, line numbers still track the file
	assert.Equal(t, 5, frame.Source(0).Line)
	assert.Equal(t, 8, frame.Source(2).Line)
}

func TestDecodeTabularRejectsWrongFirstColumn(t *testing.T) {
	content := `"TOA5","stn1"
"RECORD","AirTC"
"RN","Deg C"
"",""
`
	path := writeFile(t, t.TempDir(), "bad.dat", content)
	_, err := DecodeTabular(path)
	assert.Error(t, err)
}

// failingAfter yields the given content, then a persistent I/O error on
// every subsequent read, like a disk failing mid-file.
func failingAfter(content string) io.Reader {
	return io.MultiReader(strings.NewReader(content), iotest.ErrReader(errors.New("read: input/output error")))
}

func TestDecodeTabularStopsOnReadFailure(t *testing.T) {
	content := `"TOA5","stn1"
"TIMESTAMP","AirTC"
"TS","Deg C"
"",""
"2019-06-01 00:00:00",12.5
"2019-06-01 01:00:00",13.0
`
	frame, err := decodeTabular("stn1_hourly.dat", failingAfter(content))
	require.NoError(t, err)
	assert.Equal(t, 2, frame.Len())
}

func TestDecodeCSVStopsOnReadFailure(t *testing.T) {
	content := `Timestamp,CH1
2020-03-01 10:00:00,3.21
`
	frame, err := decodeDeviceCSV("device_01.csv", failingAfter(content))
	require.NoError(t, err)
	assert.Equal(t, 1, frame.Len())
}

func TestDecodeCSV(t *testing.T) {
	content := `Timestamp,No.,sec,CH1,CH2
2020-03-01 10:00:00,1,0,3.21,OverRange
2020-03-01 10:00:30,2,30,----,0.55
2020-03-01 10:01:00,3,60,BurnOut,+++++
`
	path := writeFile(t, t.TempDir(), "device_01.csv", content)

	frame, err := DecodeCSV(path)
	require.NoError(t, err)
	require.Equal(t, 3, frame.Len())

	// bookkeeping columns never become data
	assert.False(t, frame.HasColumn("No."))
	assert.False(t, frame.HasColumn("sec"))

	ch1 := frame.Column("CH1")
	require.NotNil(t, ch1)
	assert.InDelta(t, 3.21, ch1[0], 1e-12)
	assert.True(t, math.IsNaN(ch1[1]))
	assert.True(t, math.IsNaN(ch1[2]))

	ch2 := frame.Column("CH2")
	require.NotNil(t, ch2)
	assert.True(t, math.IsNaN(ch2[0]))
	assert.InDelta(t, 0.55, ch2[1], 1e-12)
	assert.True(t, math.IsNaN(ch2[2]))
}

func writeFloat64File(t *testing.T, dir, name string, values []float64) {
	t.Helper()
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), buf, 0o644))
}

func TestDecodeArchive(t *testing.T) {
	dir := t.TempDir()
	// 0.5 days and 0.75 days past the archive epoch
	writeFloat64File(t, dir, "time.bin", []float64{0.5, 0.75})
	writeFloat64File(t, dir, "water_temp.bin", []float64{4.2, 4.4})
	// two columns per time step, first column all NaN: second one wins
	writeFloat64File(t, dir, "salinity.bin", []float64{math.NaN(), 35.0, math.NaN(), 35.2})

	frame, err := DecodeArchive(dir)
	require.NoError(t, err)
	require.Equal(t, 2, frame.Len())

	assert.Equal(t, ArchiveEpoch.Add(12*time.Hour), frame.Times[0])
	assert.Equal(t, ArchiveEpoch.Add(18*time.Hour), frame.Times[1])

	wt := frame.Column("water_temp")
	require.NotNil(t, wt)
	assert.InDelta(t, 4.2, wt[0], 1e-12)

	sal := frame.Column("salinity")
	require.NotNil(t, sal)
	assert.InDelta(t, 35.0, sal[0], 1e-12)
	assert.InDelta(t, 35.2, sal[1], 1e-12)
}

func TestDecodeArchiveMonthlySplit(t *testing.T) {
	dir := t.TempDir()
	writeFloat64File(t, dir, "time_01.bin", []float64{1.0})
	writeFloat64File(t, dir, "time_02.bin", []float64{32.0})
	writeFloat64File(t, dir, "level_01.bin", []float64{0.8})
	writeFloat64File(t, dir, "level_02.bin", []float64{0.9})

	frame, err := DecodeArchive(dir)
	require.NoError(t, err)
	require.Equal(t, 2, frame.Len())

	assert.Equal(t, ArchiveEpoch.AddDate(0, 0, 1), frame.Times[0])
	assert.Equal(t, ArchiveEpoch.AddDate(0, 0, 32), frame.Times[1])

	level := frame.Column("level")
	require.NotNil(t, level)
	assert.InDelta(t, 0.8, level[0], 1e-12)
	assert.InDelta(t, 0.9, level[1], 1e-12)
}

func TestDecodeArchiveErrors(t *testing.T) {
	t.Run("missing time vector", func(t *testing.T) {
		dir := t.TempDir()
		writeFloat64File(t, dir, "water_temp.bin", []float64{1.0})
		_, err := DecodeArchive(dir)
		assert.Error(t, err)
	})

	t.Run("length mismatch", func(t *testing.T) {
		dir := t.TempDir()
		writeFloat64File(t, dir, "time.bin", []float64{0.5, 0.75})
		writeFloat64File(t, dir, "water_temp.bin", []float64{1.0, 2.0, 3.0})
		_, err := DecodeArchive(dir)
		assert.Error(t, err)
	})
}

func TestDecodeDispatch(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "device.csv", "Timestamp,CH1\n2020-01-01 00:00:00,1.5\n")

	frame, err := Decode(path)
	require.NoError(t, err)
	assert.Equal(t, 1, frame.Len())

	_, err = Decode(writeFile(t, dir, "junk.txt", "nothing here\n"))
	assert.Error(t, err)
}
