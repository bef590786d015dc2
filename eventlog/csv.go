package eventlog

import (
	"encoding/csv"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

var csvHeader = []string{"timestamp", "event_type", "message"}

// CSVLog appends entries as "timestamp,event_type,message" rows.
// The camera is not a column: use one file per camera when it matters.
type CSVLog struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

// OpenCSV opens (or creates) the file at path for appending. The header is written to empty files only.
func OpenCSV(path string) (*CSVLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "Can't open event log %s", path)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "Can't stat event log %s", path)
	}
	l := &CSVLog{
		file:   file,
		writer: csv.NewWriter(file),
	}
	if info.Size() == 0 {
		if err := l.writeRow(csvHeader); err != nil {
			file.Close()
			return nil, err
		}
	}
	return l, nil
}

// Append implements Log. Every row is flushed immediately.
func (l *CSVLog) Append(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return errors.New("Event log is closed")
	}
	return l.writeRow([]string{entry.Time.Format(TimeLayout), string(entry.Category), entry.Message})
}

func (l *CSVLog) writeRow(row []string) error {
	if err := l.writer.Write(row); err != nil {
		return errors.Wrap(err, "Can't write event")
	}
	l.writer.Flush()
	if err := l.writer.Error(); err != nil {
		return errors.Wrap(err, "Can't flush event")
	}
	return nil
}

// Close closes underlying file. Idempotent.
func (l *CSVLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadCSV parses rows written by CSVLog, header excluded
func ReadCSV(r io.Reader) ([]Entry, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(csvHeader)
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "Can't parse event log")
	}
	entries := make([]Entry, 0, len(rows))
	for i, row := range rows {
		if i == 0 && row[0] == csvHeader[0] {
			continue
		}
		ts, err := parseTime(row[0])
		if err != nil {
			return nil, errors.Wrapf(err, "Bad timestamp on row %d", i+1)
		}
		entries = append(entries, Entry{
			Time:     ts,
			Category: Category(row[1]),
			Message:  row[2],
		})
	}
	return entries, nil
}
