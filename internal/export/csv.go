// Package export serializes the unique-game index to CSV.
package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/games"
	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/record"
)

// FileName is the attachment name served for CSV downloads.
const FileName = "individualGames.csv"

const tempFilePattern = "individual-games-*.csv"

// Header lists the CSV columns in order.
var Header = []string{"pastGameId", "content", "lastGameIndex", "firstSeen", "lastSeen", "occurrences"}

var errHeaderMismatch = errors.New("export: unexpected csv header")

// Row is one unique game without its observation timestamps.
type Row struct {
	PastGameID    string
	Content       string
	LastGameIndex *string
	FirstSeen     time.Time
	LastSeen      time.Time
	Occurrences   int64
}

// FromGameRecords drops the timestamp sequences and keeps the scalar columns.
func FromGameRecords(records []games.GameRecord) []Row {
	rows := make([]Row, 0, len(records))
	for _, gameRecord := range records {
		rows = append(rows, Row{
			PastGameID:    gameRecord.PastGameID,
			Content:       gameRecord.Content,
			LastGameIndex: gameRecord.LastGameIndex,
			FirstSeen:     gameRecord.FirstSeen,
			LastSeen:      gameRecord.LastSeen,
			Occurrences:   gameRecord.Occurrences,
		})
	}
	return rows
}

// WriteCSV writes the header followed by one line per row. Times are RFC 3339 in UTC.
func WriteCSV(w io.Writer, rows []Row) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, row := range rows {
		if err := writer.Write([]string{
			row.PastGameID,
			row.Content,
			record.StringValue(row.LastGameIndex),
			row.FirstSeen.UTC().Format(time.RFC3339Nano),
			row.LastSeen.UTC().Format(time.RFC3339Nano),
			strconv.FormatInt(row.Occurrences, 10),
		}); err != nil {
			return fmt.Errorf("write row %s: %w", row.PastGameID, err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// ParseCSV reads rows written by WriteCSV. An empty lastGameIndex column parses as nil.
func ParseCSV(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(Header)

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	if strings.Join(header, ",") != strings.Join(Header, ",") {
		return nil, fmt.Errorf("%w: %v", errHeaderMismatch, header)
	}

	var rows []Row
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		row, err := parseRow(fields)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseRow(fields []string) (Row, error) {
	firstSeen, err := time.Parse(time.RFC3339Nano, fields[3])
	if err != nil {
		return Row{}, fmt.Errorf("parse firstSeen for %s: %w", fields[0], err)
	}
	lastSeen, err := time.Parse(time.RFC3339Nano, fields[4])
	if err != nil {
		return Row{}, fmt.Errorf("parse lastSeen for %s: %w", fields[0], err)
	}
	occurrences, err := strconv.ParseInt(fields[5], 10, 64)
	if err != nil {
		return Row{}, fmt.Errorf("parse occurrences for %s: %w", fields[0], err)
	}
	row := Row{
		PastGameID:  fields[0],
		Content:     fields[1],
		FirstSeen:   firstSeen.UTC(),
		LastSeen:    lastSeen.UTC(),
		Occurrences: occurrences,
	}
	if fields[2] != "" {
		row.LastGameIndex = record.StringPtr(fields[2])
	}
	return row, nil
}

// WriteTempFile writes rows to a new file under dir and returns its path with a cleanup
// function that removes it. The cleanup is safe to call more than once.
func WriteTempFile(dir string, rows []Row) (string, func(), error) {
	file, err := os.CreateTemp(dir, tempFilePattern)
	if err != nil {
		return "", func() {}, fmt.Errorf("create temp file: %w", err)
	}
	path := file.Name()
	cleanup := func() {
		_ = os.Remove(path)
	}

	if err := WriteCSV(file, rows); err != nil {
		_ = file.Close()
		cleanup()
		return "", func() {}, err
	}
	if err := file.Close(); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("close temp file: %w", err)
	}
	return path, cleanup, nil
}
