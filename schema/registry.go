package schema

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Registry maps an object name to its ordered column schema, as declared
// by one window's metadata. A Registry lives only for the duration of a
// single apply and is rebuilt from scratch for every window.
type Registry map[string][]Column

// Columns returns the declared schema of |object|, or nil.
func (r Registry) Columns(object string) []Column {
	return r[object]
}

// Fingerprint produces a stable digest input for an object's schema:
// the ordered "name:type" sequence joined by commas. Callers hash it.
func (r Registry) Fingerprint(object string) string {
	var parts []string
	for _, c := range r[object] {
		parts = append(parts, c.Name+":"+string(c.Type))
	}
	return strings.Join(parts, ",")
}

// ParseMetadata reads a vendor metadata CSV and builds the per-window
// Registry. Expected columns are extract, column_name, type and length;
// extra columns (labels, modified dates) are ignored. The object name is
// the extract's component after the first '.', normalized for the
// warehouse.
func ParseMetadata(r io.Reader) (Registry, error) {
	var cr = csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading metadata header: %w", err)
	}
	var idx = make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(strings.ToLower(name))] = i
	}
	for _, required := range []string{"extract", "column_name", "type"} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("metadata is missing required column %q", required)
		}
	}

	var registry = make(Registry)
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("reading metadata line %d: %w", line, err)
		}
		var field = func(name string) string {
			if i, ok := idx[name]; ok && i < len(record) {
				return strings.TrimSpace(record[i])
			}
			return ""
		}

		var object = ObjectOfExtract(field("extract"))
		if object == "" {
			return nil, fmt.Errorf("metadata line %d has no extract", line)
		}
		var length int
		if l := field("length"); l != "" {
			if length, err = strconv.Atoi(l); err != nil {
				return nil, fmt.Errorf("metadata line %d: bad length %q", line, l)
			}
		}
		typ, typeLength := MapVendor(field("type"), length)

		registry[object] = append(registry[object], Column{
			Name:     strings.ToLower(field("column_name")),
			Type:     typ,
			Length:   typeLength,
			Nullable: true,
		})
	}
	return registry, nil
}

// ObjectOfExtract maps a vendor extract name such as "Object.product__v"
// to its warehouse object name.
func ObjectOfExtract(extract string) string {
	if extract == "" {
		return ""
	}
	if i := strings.IndexByte(extract, '.'); i >= 0 {
		extract = extract[i+1:]
	}
	return NormalizeObject(extract)
}
