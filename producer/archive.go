package producer

import (
	"archive/tar"
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/directdata/bridge/manifest"
	"github.com/directdata/bridge/schema"
)

// vendorRow is one line of the feed's own manifest: a pointer to a data
// file within the archive, or to the metadata change file.
type vendorRow struct {
	Extract string // "Object.product__v", "Metadata.metadata"
	Type    string // "updates" or "deletes"
	Records int64
	File    string // archive-relative path
}

const metadataExtract = "Metadata.metadata"

// parseVendorManifest reads the feed's manifest CSV. Columns are located
// by header name; columns this bridge does not consume are ignored.
func parseVendorManifest(r io.Reader) ([]vendorRow, error) {
	var cr = csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading feed manifest header: %w", err)
	}
	var index = make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(strings.ToLower(name))] = i
	}
	for _, required := range []string{"extract", "type", "records", "file"} {
		if _, ok := index[required]; !ok {
			return nil, fmt.Errorf("feed manifest is missing column %q", required)
		}
	}

	var rows []vendorRow
	for {
		record, err := cr.Read()
		if err == io.EOF {
			return rows, nil
		} else if err != nil {
			return nil, fmt.Errorf("reading feed manifest: %w", err)
		}
		records, err := strconv.ParseInt(strings.TrimSpace(record[index["records"]]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("feed manifest row for %s: bad records count: %w",
				record[index["extract"]], err)
		}
		rows = append(rows, vendorRow{
			Extract: strings.TrimSpace(record[index["extract"]]),
			Type:    strings.TrimSpace(record[index["type"]]),
			Records: records,
			File:    strings.TrimSpace(record[index["file"]]),
		})
	}
}

// translateManifest converts the feed's manifest and the window's schema
// registry into this bridge's manifest. Metadata updates become
// add-column directives (the apply engine resolves adds of existing
// columns into type alterations), and metadata deletes become table or
// column drops. Data rows become upserts and deletes carrying the
// object's schema fingerprint.
func translateManifest(rows []vendorRow, registry schema.Registry, metadataChanges map[string][]schema.Column) ([]manifest.Row, error) {
	var out []manifest.Row
	for _, row := range rows {
		if row.Extract == metadataExtract {
			if row.Records == 0 {
				continue
			}
			translated, err := translateMetadataRow(row, metadataChanges)
			if err != nil {
				return nil, err
			}
			out = append(out, translated...)
			continue
		}

		var object = schema.ObjectOfExtract(row.Extract)
		switch row.Type {
		case "updates":
			if row.Records == 0 {
				continue
			}
			out = append(out, manifest.Upsert{
				ObjectName:  object,
				File:        row.File,
				Fingerprint: registry.Fingerprint(object),
				RowCount:    row.Records,
			})
		case "deletes":
			if row.Records == 0 {
				continue
			}
			out = append(out, manifest.Delete{
				ObjectName: object,
				File:       row.File,
				RowCount:   row.Records,
			})
		default:
			return nil, fmt.Errorf("feed manifest row for %s has unknown type %q", row.Extract, row.Type)
		}
	}
	return out, nil
}

func translateMetadataRow(row vendorRow, changes map[string][]schema.Column) ([]manifest.Row, error) {
	var objects = make([]string, 0, len(changes))
	for object := range changes {
		objects = append(objects, object)
	}
	sort.Strings(objects)

	var out []manifest.Row
	switch row.Type {
	case "updates":
		for _, object := range objects {
			for _, col := range changes[object] {
				out = append(out, manifest.AddColumn{
					ObjectName: object,
					Column:     col.Name,
					To:         col.Type,
				})
			}
		}
	case "deletes":
		for _, object := range objects {
			var dropsTable = false
			for _, col := range changes[object] {
				if col.Name == "id" {
					dropsTable = true
					break
				}
			}
			if dropsTable {
				out = append(out, manifest.DropTable{ObjectName: object})
				continue
			}
			for _, col := range changes[object] {
				out = append(out, manifest.DropColumn{ObjectName: object, Column: col.Name})
			}
		}
	default:
		return nil, fmt.Errorf("feed manifest metadata row has unknown type %q", row.Type)
	}
	return out, nil
}

// archiveWalker iterates the regular-file members of a tar.gz archive.
// The archive is walked twice per window (manifest and metadata first,
// then data), so construction is cheap and re-runnable over a seekable
// source.
type archiveWalker struct {
	open func() (io.ReadCloser, error)
	// root is the stripped top-level folder, recorded by walk. Feed
	// manifest file paths carry the same prefix and are normalized
	// against it.
	root string
}

// walk calls fn for each regular file member with its archive-root
// relative name.
func (a *archiveWalker) walk(fn func(name string, r io.Reader) error) error {
	var src, err = a.open()
	if err != nil {
		return err
	}
	defer src.Close()

	gz, err := gzip.NewReader(src)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer gz.Close()

	var tr = tar.NewReader(gz)
	var root string
	var rootKnown bool
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		var name = path.Clean(hdr.Name)

		// Archives wrap their contents in a single top-level folder;
		// member names are taken relative to it.
		if !rootKnown {
			if i := strings.IndexByte(name, '/'); i > 0 {
				root = name[:i+1]
			}
			a.root = root
			rootKnown = true
		}
		name = strings.TrimPrefix(name, root)

		if err := fn(name, tr); err != nil {
			return fmt.Errorf("archive member %s: %w", name, err)
		}
	}
}

func isManifestMember(name string) bool {
	return path.Base(name) == "manifest.csv" && !strings.Contains(name, "/")
}

func isMetadataMember(name string) bool {
	var base = path.Base(name)
	return base == "metadata.csv" || base == "metadata_full.csv"
}
