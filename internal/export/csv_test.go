package export

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/games"
	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecords() []games.GameRecord {
	first := time.Date(2025, time.March, 1, 12, 0, 0, 123000000, time.UTC)
	return []games.GameRecord{
		{
			PastGameID:    "g1",
			Content:       "2.10×",
			LastGameIndex: record.StringPtr("41"),
			FirstSeen:     first,
			LastSeen:      first.Add(time.Minute),
			Occurrences:   2,
			Timestamps:    []time.Time{first, first.Add(time.Minute)},
		},
		{
			PastGameID:  "g2",
			Content:     "quoted, \"value\"\nwith newline",
			FirstSeen:   first,
			LastSeen:    first,
			Occurrences: 1,
		},
	}
}

func TestCSVRoundTrip(t *testing.T) {
	rows := FromGameRecords(sampleRecords())

	var buffer bytes.Buffer
	require.NoError(t, WriteCSV(&buffer, rows))
	assert.True(t, strings.HasPrefix(buffer.String(), "pastGameId,content,lastGameIndex,firstSeen,lastSeen,occurrences\n"))

	parsed, err := ParseCSV(&buffer)
	require.NoError(t, err)
	require.Len(t, parsed, len(rows))
	for index := range rows {
		assert.Equal(t, rows[index].PastGameID, parsed[index].PastGameID)
		assert.Equal(t, rows[index].Content, parsed[index].Content)
		assert.Equal(t, record.StringValue(rows[index].LastGameIndex), record.StringValue(parsed[index].LastGameIndex))
		assert.True(t, rows[index].FirstSeen.Equal(parsed[index].FirstSeen))
		assert.True(t, rows[index].LastSeen.Equal(parsed[index].LastSeen))
		assert.Equal(t, rows[index].Occurrences, parsed[index].Occurrences)
	}
	assert.Nil(t, parsed[1].LastGameIndex)
}

func TestParseCSVRejectsUnknownHeader(t *testing.T) {
	_, err := ParseCSV(strings.NewReader("id,content,lastGameIndex,firstSeen,lastSeen,occurrences\n"))
	require.ErrorIs(t, err, errHeaderMismatch)
}

func TestWriteTempFileCleanupRemovesFile(t *testing.T) {
	dir := t.TempDir()
	path, cleanup, err := WriteTempFile(dir, FromGameRecords(sampleRecords()))
	require.NoError(t, err)

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "g1,2.10×,41,")

	cleanup()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	cleanup()
}
