package producer

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/directdata/bridge/alert"
	"github.com/directdata/bridge/controlplane"
	"github.com/directdata/bridge/manifest"
	"github.com/directdata/bridge/schema"
	"github.com/directdata/bridge/staging"
	"github.com/directdata/bridge/vault"
)

// buildArchive renders a tar.gz archive with members wrapped in a single
// top-level folder, the way feed extracts are packaged.
func buildArchive(t *testing.T, members map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	var gz = gzip.NewWriter(&buf)
	var tw = tar.NewWriter(gz)
	for name, body := range members {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     "extract/" + name,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(body)),
		}))
		_, err := io.WriteString(tw, body)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

type fakeFeed struct {
	windows []vault.Window
	parts   map[string][]byte
	fail    map[string]error
}

func (f *fakeFeed) ListWindows(context.Context, vault.ExtractType, time.Time, time.Time) ([]vault.Window, error) {
	return f.windows, nil
}

func (f *fakeFeed) DownloadPart(_ context.Context, name string) (io.ReadCloser, error) {
	if err := f.fail[name]; err != nil {
		return nil, err
	}
	var body, ok = f.parts[name]
	if !ok {
		return nil, fmt.Errorf("no such part %s", name)
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

const testMetadata = "extract,column_name,type,length\n" +
	"Object.product__v,id,id,0\n" +
	"Object.product__v,name__v,String,128\n"

func incrWindow(stop time.Time, records int64, parts ...string) vault.Window {
	var w = vault.Window{
		Filename:    "201110-" + stop.Format("20060102-1504") + "-N.tar.gz",
		StartTime:   stop.Add(-15 * time.Minute),
		StopTime:    stop,
		RecordCount: records,
	}
	for i, name := range parts {
		w.Parts = append(w.Parts, vault.FilePart{Name: name, Part: i + 1})
	}
	return w
}

func TestRunOnceStagesAndRegisters(t *testing.T) {
	var ctx = context.Background()
	var store = controlplane.NewMemory()
	var objects = staging.NewMemory()

	require.NoError(t, store.PutVaultState(ctx, &controlplane.VaultState{
		VaultID:             "vault-1",
		Mode:                controlplane.ModeIncremental,
		LastAppliedStopTime: "202401010000",
		CurrentEpoch:        3,
	}))

	var archive = buildArchive(t, map[string]string{
		"manifest.csv": "extract,type,records,file\n" +
			"Object.product__v,updates,2,Object/product__v.csv\n" +
			"Object.product__v,deletes,1,Object/product__v_deletes.csv\n" +
			"Metadata.metadata,updates,0,\n",
		"metadata_full.csv":             testMetadata,
		"Object/product__v.csv":         "id,name__v\np1,Cholecap\np2,Restolar\n",
		"Object/product__v_deletes.csv": "id\np9\n",
	})
	var stop = time.Date(2024, 1, 1, 0, 15, 0, 0, time.UTC)
	var feed = &fakeFeed{
		windows: []vault.Window{incrWindow(stop, 3, "part.001")},
		parts:   map[string][]byte{"part.001": archive},
	}

	var p = New(Config{VaultID: "vault-1", Extract: vault.ExtractIncremental},
		store, objects, feed, alert.Log{})
	require.NoError(t, p.RunOnce(ctx))

	// The raw archive, every referenced file, the window metadata, and
	// the manifest are staged under the window prefix.
	var prefix = "vault=vault-1/incr/stoptime=202401010015"
	for _, key := range []string{
		prefix + "/201110-20240101-0015-N.tar.gz",
		prefix + "/Object/product__v.csv",
		prefix + "/Object/product__v_deletes.csv",
		prefix + "/metadata.csv",
		prefix + "/manifest.csv",
	} {
		ok, err := objects.Exists(ctx, key)
		require.NoError(t, err)
		require.True(t, ok, key)
	}

	// The staged manifest parses and carries the translated rows.
	body, err := objects.Get(ctx, prefix+"/manifest.csv")
	require.NoError(t, err)
	parsed, err := manifest.Parse(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())

	require.Len(t, parsed.Upserts(), 1)
	require.Equal(t, "product__v", parsed.Upserts()[0].ObjectName)
	require.Equal(t, "Object/product__v.csv", parsed.Upserts()[0].File)
	require.Equal(t, int64(2), parsed.Upserts()[0].RowCount)
	require.NotEmpty(t, parsed.Upserts()[0].Fingerprint)
	require.Len(t, parsed.Deletes(), 1)

	// The entry is registered READY under the vault's current epoch.
	entry, err := store.GetEntry(ctx, controlplane.EntryKey{
		VaultID: "vault-1", LoadType: controlplane.LoadIncremental, LogicalTime: "202401010015"})
	require.NoError(t, err)
	require.Equal(t, controlplane.StatusReady, entry.Status)
	require.Equal(t, int64(3), entry.Epoch)
	require.Equal(t, prefix, entry.Prefix)
	require.NotEmpty(t, entry.Checksum)

	// A second tick observes the registered entry and does nothing.
	require.NoError(t, p.RunOnce(ctx))
	again, err := store.GetEntry(ctx, entry.Key())
	require.NoError(t, err)
	require.Equal(t, entry.Checksum, again.Checksum)
}

func TestRunOnceSkipsCoveredAndEmptyWindows(t *testing.T) {
	var ctx = context.Background()
	var store = controlplane.NewMemory()
	var objects = staging.NewMemory()

	require.NoError(t, store.PutVaultState(ctx, &controlplane.VaultState{
		VaultID:             "vault-1",
		Mode:                controlplane.ModeIncremental,
		LastAppliedStopTime: "202401010030",
	}))

	var feed = &fakeFeed{windows: []vault.Window{
		incrWindow(time.Date(2024, 1, 1, 0, 15, 0, 0, time.UTC), 5, "a.001"), // behind watermark
		incrWindow(time.Date(2024, 1, 1, 0, 30, 0, 0, time.UTC), 5, "b.001"), // at watermark
		incrWindow(time.Date(2024, 1, 1, 0, 45, 0, 0, time.UTC), 0, "c.001"), // empty
	}}

	var p = New(Config{VaultID: "vault-1", Extract: vault.ExtractIncremental},
		store, objects, feed, alert.Log{})
	require.NoError(t, p.RunOnce(ctx))

	entries, err := store.ScanForward(ctx, "vault-1", controlplane.LoadIncremental, "", 0)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRunOnceStopsOnStagingFailure(t *testing.T) {
	var ctx = context.Background()
	var store = controlplane.NewMemory()
	var objects = staging.NewMemory()

	var archive = buildArchive(t, map[string]string{
		"manifest.csv":          "extract,type,records,file\nObject.product__v,updates,1,Object/product__v.csv\n",
		"Object/product__v.csv": "id\np1\n",
	})
	var feed = &fakeFeed{
		windows: []vault.Window{
			incrWindow(time.Date(2024, 1, 1, 0, 15, 0, 0, time.UTC), 1, "broken.001"),
			incrWindow(time.Date(2024, 1, 1, 0, 30, 0, 0, time.UTC), 1, "later.001"),
		},
		parts: map[string][]byte{"later.001": archive},
		fail:  map[string]error{"broken.001": errors.New("connection reset")},
	}

	var p = New(Config{VaultID: "vault-1", Extract: vault.ExtractIncremental},
		store, objects, feed, alert.Log{})

	// The tick is absorbed, and the later window is NOT registered ahead
	// of the failed one.
	require.NoError(t, p.RunOnce(ctx))
	entries, err := store.ScanForward(ctx, "vault-1", controlplane.LoadIncremental, "", 0)
	require.NoError(t, err)
	require.Empty(t, entries)

	// Once the earlier window downloads, both register in order.
	feed.fail = nil
	feed.parts["broken.001"] = archive
	require.NoError(t, p.RunOnce(ctx))

	entries, err = store.ScanForward(ctx, "vault-1", controlplane.LoadIncremental, "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "202401010015", entries[0].LogicalTime)
	require.Equal(t, "202401010030", entries[1].LogicalTime)
}

func TestRunOnceResumesFromStagedArchive(t *testing.T) {
	var ctx = context.Background()
	var store = controlplane.NewMemory()
	var objects = staging.NewMemory()

	var archive = buildArchive(t, map[string]string{
		"manifest.csv":          "extract,type,records,file\nObject.product__v,updates,1,Object/product__v.csv\n",
		"Object/product__v.csv": "id\np1\n",
	})

	// The archive was staged by a prior tick that crashed before the
	// manifest; the feed has since stopped serving the parts.
	var prefix = "vault=vault-1/incr/stoptime=202401010015"
	require.NoError(t, objects.Put(ctx,
		prefix+"/201110-20240101-0015-N.tar.gz", bytes.NewReader(archive)))

	var feed = &fakeFeed{
		windows: []vault.Window{incrWindow(time.Date(2024, 1, 1, 0, 15, 0, 0, time.UTC), 1, "part.001")},
		fail:    map[string]error{"part.001": errors.New("expired")},
	}

	var p = New(Config{VaultID: "vault-1", Extract: vault.ExtractIncremental},
		store, objects, feed, alert.Log{})
	require.NoError(t, p.RunOnce(ctx))

	// Extraction resumed from the staged copy, without re-downloading.
	entry, err := store.GetEntry(ctx, controlplane.EntryKey{
		VaultID: "vault-1", LoadType: controlplane.LoadIncremental, LogicalTime: "202401010015"})
	require.NoError(t, err)
	require.Equal(t, controlplane.StatusReady, entry.Status)
}

func TestTranslateMetadataChanges(t *testing.T) {
	var rows = []vendorRow{
		{Extract: "Metadata.metadata", Type: "updates", Records: 1, File: "Metadata/metadata.csv"},
		{Extract: "Metadata.metadata", Type: "deletes", Records: 1, File: "Metadata/metadata_deletes.csv"},
	}

	var updates, err = translateMetadataRow(rows[0], map[string][]schema.Column{
		"product__v": {{Name: "notes__c", Type: schema.String}},
	})
	require.NoError(t, err)
	require.Equal(t, []manifest.Row{
		manifest.AddColumn{ObjectName: "product__v", Column: "notes__c", To: schema.String},
	}, updates)

	// A delete set containing the id column drops the whole table.
	deletes, err := translateMetadataRow(rows[1], map[string][]schema.Column{
		"discontinued__v": {{Name: "id", Type: schema.String}, {Name: "name__v", Type: schema.String}},
		"product__v":      {{Name: "notes__c", Type: schema.String}},
	})
	require.NoError(t, err)
	require.Equal(t, []manifest.Row{
		manifest.DropTable{ObjectName: "discontinued__v"},
		manifest.DropColumn{ObjectName: "product__v", Column: "notes__c"},
	}, deletes)
}
