package ingest

import (
	"encoding/csv"
	"io"
	"strings"

	"github.com/pkg/errors"
)

const utf8BOM = "\ufeff"

// ErrMalformedBatch reports an upload that cannot be split into rows at all.
// Row-level problems are reported as rejections instead.
var ErrMalformedBatch = errors.New("malformed batch")

// ReadCSV reads a header-prefixed delimited export into rows.
// Short records yield rows with the missing columns absent; validation reports them.
func ReadCSV(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.Wrap(ErrMalformedBatch, "csv is empty")
		}
		return nil, errors.Wrap(malformed(err), "read csv header")
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], utf8BOM)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var rows []Row
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(malformed(err), "read csv row %d", len(rows)+1)
		}

		row := make(Row, len(header))
		for i, value := range record {
			if i >= len(header) {
				break
			}
			row[header[i]] = value
		}
		rows = append(rows, row)
	}

	return rows, nil
}

// malformed tags csv syntax errors; read failures of the underlying stream pass through.
func malformed(err error) error {
	var perr *csv.ParseError
	if errors.As(err, &perr) {
		return errors.Wrap(ErrMalformedBatch, perr.Error())
	}
	return err
}
