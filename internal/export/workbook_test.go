package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/rpattn/jiracache/internal/domain"
	"github.com/rpattn/jiracache/internal/history"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteSnapshots(t *testing.T) {
	snapshots := map[string][]history.Snapshot{
		"2024-02-01": {
			{Key: "TEST-1", Created: "2024-01-10", Fields: map[string]domain.Value{"status": domain.String("Open")}},
		},
		"2024-01-15": {
			{Key: "TEST-1", Created: "2024-01-10", Fields: map[string]domain.Value{}},
			{Key: "TEST-2", Created: "2024-01-12", ResolutionDate: "2024-01-14", Fields: map[string]domain.Value{
				"status": domain.String("Done"),
				"points": domain.Int(3),
			}},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteSnapshots(&buf, snapshots, []string{"status", "points"}))

	sheets, err := SheetNames(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-15", "2024-02-01"}, sheets)

	rows, err := ReadRows(bytes.NewReader(buf.Bytes()), "2024-01-15")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"key", "created", "resolutiondate", "status", "points"}, rows[0])
	assert.Equal(t, []string{"TEST-1", "2024-01-10"}, rows[1])
	assert.Equal(t, []string{"TEST-2", "2024-01-12", "2024-01-14", "Done", "3"}, rows[2])

	rows, err = ReadRows(bytes.NewReader(buf.Bytes()), "2024-02-01")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"TEST-1", "2024-01-10", "", "Open"}, rows[1])
}

func TestWriteSnapshotsEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSnapshots(&buf, nil, []string{"status"}))

	rows, err := ReadRows(bytes.NewReader(buf.Bytes()), "Sheet1")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"key", "created", "resolutiondate", "status"}}, rows)
}

func TestWriteLeadTimes(t *testing.T) {
	start := "2024-03-04T09:00:00.000+0000"
	end := "2024-03-11T09:00:00.000+0000"
	leadTimes := []history.LeadTime{
		{Key: "TEST-1", Start: &start, End: &end},
		{Key: "TEST-2"},
	}
	now := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)

	var buf bytes.Buffer
	require.NoError(t, WriteLeadTimes(&buf, leadTimes, true, now))

	rows, err := ReadRows(bytes.NewReader(buf.Bytes()), "Lead times")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"key", "start", "end", "days"}, rows[0])
	assert.Equal(t, []string{"TEST-1", start, end, "7"}, rows[1])
	assert.Equal(t, []string{"TEST-2", "", "", "-1"}, rows[2])
}

func TestUniqueSheetName(t *testing.T) {
	used := map[string]bool{}
	assert.Equal(t, "2024-W05", uniqueSheetName("2024-W05", used))
	assert.Equal(t, "2024-W05 (2)", uniqueSheetName("2024-W05", used))
	assert.Equal(t, "2024-03-10T10-00-00", uniqueSheetName("2024-03-10T10:00:00", used))
	assert.Equal(t, "snapshot", uniqueSheetName("?*", used))

	long := uniqueSheetName("2024-03-10T10:00:00.000000+00:00-long-suffix", used)
	assert.LessOrEqual(t, len(long), maxSheetLength)
}
