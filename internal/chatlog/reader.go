package chatlog

import (
	"bytes"
	"encoding/csv"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/you/livechat-collector/internal/core"
)

// ReadRecords parses every data row of the log file at path. Columns are
// matched by header name; missing columns read as empty strings.
func ReadRecords(path string) ([]core.LogRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads log rows from r, header first.
func Decode(r io.Reader) ([]core.LogRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err == io.EOF {
		return []core.LogRecord{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		if _, ok := index[name]; !ok {
			index[name] = i
		}
	}
	field := func(row []string, name string) string {
		i, ok := index[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	out := []core.LogRecord{}
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read row")
		}
		out = append(out, core.LogRecord{
			Datetime:  field(row, "datetime"),
			Author:    field(row, "author"),
			Message:   field(row, "message"),
			SuperChat: field(row, "superChat"),
		})
	}
	return out, nil
}

// DecodeAppended parses the complete rows in chunk, which starts at a row
// boundary, and returns them with the number of bytes they occupied. A header
// row is skipped. A trailing partial row is left unconsumed.
func DecodeAppended(chunk []byte) ([]core.LogRecord, int64) {
	cr := csv.NewReader(bytes.NewReader(chunk))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var (
		out      []core.LogRecord
		consumed int64
	)
	for {
		row, err := cr.Read()
		if err != nil {
			break
		}
		end := cr.InputOffset()
		if end > 0 && chunk[end-1] != '\n' {
			// row not terminated yet
			break
		}
		consumed = end
		if len(row) >= 2 && row[0] == Header[0] && row[1] == Header[1] {
			continue
		}
		rec := core.LogRecord{Datetime: row[0]}
		if len(row) > 1 {
			rec.Author = row[1]
		}
		if len(row) > 2 {
			rec.Message = row[2]
		}
		if len(row) > 3 {
			rec.SuperChat = row[3]
		}
		out = append(out, rec)
	}
	return out, consumed
}
