// Package manifest parses the per-window manifest CSV into a closed set
// of typed rows. The manifest is the authoritative description of one
// window's intent; it is parsed strictly and exactly once, at entry.
package manifest

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/directdata/bridge/schema"
)

// Operation names the kind of a manifest row.
type Operation string

const (
	OpUpsert      Operation = "upsert"
	OpDelete      Operation = "delete"
	OpDropTable   Operation = "drop_table"
	OpDropColumn  Operation = "drop_column"
	OpAddColumn   Operation = "add_column"
	OpAlterColumn Operation = "alter_column"
)

// Row is a single parsed manifest row. Exactly the types in this package
// implement it.
type Row interface {
	Object() string
	Op() Operation
}

// Upsert loads the rows of |File| into |ObjectName|, replacing any rows
// whose primary key already exists.
type Upsert struct {
	ObjectName  string
	File        string
	Fingerprint string
	RowCount    int64
}

// Delete removes the rows whose primary keys are enumerated by |File|.
type Delete struct {
	ObjectName string
	File       string
	RowCount   int64
}

// DropTable removes the object's table entirely.
type DropTable struct {
	ObjectName string
}

// DropColumn removes one column of the object's table.
type DropColumn struct {
	ObjectName string
	Column     string
}

// AddColumn introduces a column. Applying it is idempotent: an existing
// column of a compatible type is left alone.
type AddColumn struct {
	ObjectName string
	Column     string
	To         schema.Type
}

// AlterColumn widens a column from one logical type to another.
type AlterColumn struct {
	ObjectName string
	Column     string
	From       schema.Type
	To         schema.Type
}

func (r Upsert) Object() string      { return r.ObjectName }
func (r Delete) Object() string      { return r.ObjectName }
func (r DropTable) Object() string   { return r.ObjectName }
func (r DropColumn) Object() string  { return r.ObjectName }
func (r AddColumn) Object() string   { return r.ObjectName }
func (r AlterColumn) Object() string { return r.ObjectName }

func (Upsert) Op() Operation      { return OpUpsert }
func (Delete) Op() Operation      { return OpDelete }
func (DropTable) Op() Operation   { return OpDropTable }
func (DropColumn) Op() Operation  { return OpDropColumn }
func (AddColumn) Op() Operation   { return OpAddColumn }
func (AlterColumn) Op() Operation { return OpAlterColumn }

// Manifest is the ordered collection of a window's rows.
type Manifest struct {
	rows []Row
}

// Rows returns all rows in manifest order.
func (m *Manifest) Rows() []Row { return m.rows }

// Upserts returns the upsert rows in manifest order.
func (m *Manifest) Upserts() (out []Upsert) {
	for _, r := range m.rows {
		if u, ok := r.(Upsert); ok {
			out = append(out, u)
		}
	}
	return
}

// Deletes returns the delete rows in manifest order.
func (m *Manifest) Deletes() (out []Delete) {
	for _, r := range m.rows {
		if d, ok := r.(Delete); ok {
			out = append(out, d)
		}
	}
	return
}

// DropTables returns the drop_table rows.
func (m *Manifest) DropTables() (out []DropTable) {
	for _, r := range m.rows {
		if d, ok := r.(DropTable); ok {
			out = append(out, d)
		}
	}
	return
}

// DropColumns returns the drop_column rows.
func (m *Manifest) DropColumns() (out []DropColumn) {
	for _, r := range m.rows {
		if d, ok := r.(DropColumn); ok {
			out = append(out, d)
		}
	}
	return
}

// AddColumns returns the add_column rows.
func (m *Manifest) AddColumns() (out []AddColumn) {
	for _, r := range m.rows {
		if a, ok := r.(AddColumn); ok {
			out = append(out, a)
		}
	}
	return
}

// AlterColumns returns the alter_column rows.
func (m *Manifest) AlterColumns() (out []AlterColumn) {
	for _, r := range m.rows {
		if a, ok := r.(AlterColumn); ok {
			out = append(out, a)
		}
	}
	return
}

var columns = []string{
	"object_name", "operation", "file_path",
	"schema_fingerprint", "row_count",
	"column_name", "from_type", "to_type",
}

// Parse reads a manifest CSV. Rows are validated as they are read:
// unknown operations, data rows without files, and schema rows without
// column metadata are all rejected.
func Parse(r io.Reader) (*Manifest, error) {
	var cr = csv.NewReader(r)
	cr.FieldsPerRecord = len(columns)

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading manifest header: %w", err)
	}
	for i, want := range columns {
		if i >= len(header) || strings.TrimSpace(header[i]) != want {
			return nil, fmt.Errorf("manifest header column %d is not %q", i, want)
		}
	}

	var m = new(Manifest)
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("reading manifest line %d: %w", line, err)
		}

		row, err := parseRow(record)
		if err != nil {
			return nil, fmt.Errorf("manifest line %d: %w", line, err)
		}
		m.rows = append(m.rows, row)
	}
	return m, nil
}

func parseRow(record []string) (Row, error) {
	var (
		object      = strings.TrimSpace(record[0])
		op          = Operation(strings.TrimSpace(record[1]))
		file        = strings.TrimSpace(record[2])
		fingerprint = strings.TrimSpace(record[3])
		column      = strings.TrimSpace(record[5])
	)
	if object == "" {
		return nil, fmt.Errorf("row has no object_name")
	}

	var rowCount int64
	if rc := strings.TrimSpace(record[4]); rc != "" {
		var err error
		if rowCount, err = strconv.ParseInt(rc, 10, 64); err != nil {
			return nil, fmt.Errorf("bad row_count %q", rc)
		}
	}

	switch op {
	case OpUpsert:
		if file == "" {
			return nil, fmt.Errorf("upsert of %s has no file_path", object)
		}
		return Upsert{ObjectName: object, File: file, Fingerprint: fingerprint, RowCount: rowCount}, nil

	case OpDelete:
		if file == "" {
			return nil, fmt.Errorf("delete of %s has no file_path", object)
		}
		return Delete{ObjectName: object, File: file, RowCount: rowCount}, nil

	case OpDropTable:
		return DropTable{ObjectName: object}, nil

	case OpDropColumn:
		if column == "" {
			return nil, fmt.Errorf("drop_column of %s has no column_name", object)
		}
		return DropColumn{ObjectName: object, Column: column}, nil

	case OpAddColumn:
		if column == "" {
			return nil, fmt.Errorf("add_column of %s has no column_name", object)
		}
		to, err := schema.ParseType(strings.TrimSpace(record[7]))
		if err != nil {
			return nil, fmt.Errorf("add_column of %s.%s: %w", object, column, err)
		}
		return AddColumn{ObjectName: object, Column: column, To: to}, nil

	case OpAlterColumn:
		if column == "" {
			return nil, fmt.Errorf("alter_column of %s has no column_name", object)
		}
		from, err := schema.ParseType(strings.TrimSpace(record[6]))
		if err != nil {
			return nil, fmt.Errorf("alter_column of %s.%s: %w", object, column, err)
		}
		to, err := schema.ParseType(strings.TrimSpace(record[7]))
		if err != nil {
			return nil, fmt.Errorf("alter_column of %s.%s: %w", object, column, err)
		}
		return AlterColumn{ObjectName: object, Column: column, From: from, To: to}, nil
	}
	return nil, fmt.Errorf("unknown operation %q", op)
}

// Write renders rows as a manifest CSV. It is the inverse of Parse and is
// used by the producer, which writes the manifest only after every file
// the manifest references has been staged.
func Write(w io.Writer, rows []Row) error {
	var cw = csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return err
	}
	for _, row := range rows {
		var record = make([]string, len(columns))
		record[0] = row.Object()
		record[1] = string(row.Op())

		switch r := row.(type) {
		case Upsert:
			record[2], record[3] = r.File, r.Fingerprint
			record[4] = strconv.FormatInt(r.RowCount, 10)
		case Delete:
			record[2] = r.File
			record[4] = strconv.FormatInt(r.RowCount, 10)
		case DropTable:
			// Only object_name and operation.
		case DropColumn:
			record[5] = r.Column
		case AddColumn:
			record[5], record[7] = r.Column, string(r.To)
		case AlterColumn:
			record[5], record[6], record[7] = r.Column, string(r.From), string(r.To)
		default:
			return fmt.Errorf("unknown row type %T", row)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
