package producer

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/directdata/bridge/schema"
)

// cleanCSV rewrites a staged data file with values normalized to the
// object's declared column types, flushing every chunkRows rows so that
// memory stays bounded on arbitrarily large extracts. Values which do not
// parse under their declared type pass through unchanged; the warehouse
// load surfaces them if they are truly malformed.
func cleanCSV(w io.Writer, r io.Reader, cols []schema.Column, chunkRows int) error {
	var cr = csv.NewReader(r)
	cr.FieldsPerRecord = -1
	var cw = csv.NewWriter(w)

	header, err := cr.Read()
	if err != nil {
		return fmt.Errorf("reading data header: %w", err)
	}
	var types = make(map[string]schema.Type, len(cols))
	for _, c := range cols {
		types[c.Name] = c.Type
	}
	var colTypes = make([]schema.Type, len(header))
	for i, name := range header {
		header[i] = strings.ToLower(strings.TrimSpace(name))
		colTypes[i] = types[header[i]]
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	for rows := 0; ; rows++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("reading data row: %w", err)
		}
		for i := range record {
			if i < len(colTypes) {
				record[i] = cleanValue(record[i], colTypes[i])
			}
		}
		if err := cw.Write(record); err != nil {
			return err
		}
		if (rows+1)%chunkRows == 0 {
			cw.Flush()
			if err := cw.Error(); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

func cleanValue(v string, t schema.Type) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return v
	}
	switch t {
	case schema.Bool:
		switch strings.ToLower(v) {
		case "true", "t", "1", "yes":
			return "true"
		case "false", "f", "0", "no":
			return "false"
		}
	case schema.Integer:
		// Feed exports render some integers with a trailing fraction.
		if f, err := strconv.ParseFloat(v, 64); err == nil && f == float64(int64(f)) {
			return strconv.FormatInt(int64(f), 10)
		}
	}
	return v
}
