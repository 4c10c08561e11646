package importer

import (
	"bufio"
	"context"
	"encoding/csv"
	"io"
	"os"

	"github.com/rotisserie/eris"
)

// ReadCSVFile reads every row of a CSV file, header included.
func ReadCSVFile(ctx context.Context, path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "importer: open csv %s", path)
	}
	defer f.Close() //nolint:errcheck
	return ReadCSV(ctx, f)
}

// ReadCSV reads every row from r. Rows may have differing field counts.
func ReadCSV(ctx context.Context, r io.Reader) ([][]string, error) {
	br := bufio.NewReader(r)
	// Spreadsheet exports often start with a UTF-8 byte order mark.
	if b, err := br.Peek(3); err == nil && string(b) == "\xef\xbb\xbf" {
		_, _ = br.Discard(3)
	}

	reader := csv.NewReader(br)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	var rows [][]string
	for {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "importer: csv read cancelled")
		}
		record, err := reader.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, eris.Wrap(err, "importer: read csv row")
		}
		rows = append(rows, record)
	}
}
