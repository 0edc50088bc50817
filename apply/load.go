package apply

import (
	"context"
	"fmt"

	"github.com/directdata/bridge/manifest"
)

// applyIncremental runs the window's pre-load cleanup and merges inside
// the open transaction. Deletes run first: a row that is deleted and
// re-upserted within one window must end up present.
func (e *Engine) applyIncremental(ctx context.Context, tx Tx, req Request, m *manifest.Manifest, plan *schemaPlan) error {
	for _, d := range m.Deletes() {
		if !plan.exists[d.ObjectName] {
			continue // Nothing to delete from.
		}
		var key = req.Prefix + "/" + d.File
		headers, err := e.readHeader(ctx, key)
		if err != nil {
			return err
		}
		var tmp = "tmp_" + d.ObjectName + "_deletes"
		for _, stmt := range []string{
			e.gen.CreateDeletesTable(tmp, headers),
			e.gen.CopyStaging(tmp, e.objects.URL(key), headers),
			e.gen.DeleteUsing(d.ObjectName, tmp, PrimaryKeys(d.ObjectName)),
			e.gen.DropTempTable(tmp),
		} {
			if err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("deleting from %s: %w", d.ObjectName, err)
			}
		}
	}

	for _, u := range m.Upserts() {
		var key = req.Prefix + "/" + u.File
		headers, err := e.readHeader(ctx, key)
		if err != nil {
			return err
		}
		var tmp = "tmp_" + u.ObjectName + "_stage"
		for _, stmt := range []string{
			e.gen.CreateStagingTable(tmp, u.ObjectName),
			e.gen.CopyStaging(tmp, e.objects.URL(key), headers),
			e.gen.DeleteUsing(u.ObjectName, tmp, PrimaryKeys(u.ObjectName)),
			e.gen.InsertDistinct(u.ObjectName, tmp),
			e.gen.DropTempTable(tmp),
		} {
			if err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("upserting %s: %w", u.ObjectName, err)
			}
		}
	}
	return nil
}

// applyFull replaces each object's rows with the snapshot. Tables the
// plan just created skip the truncate.
func (e *Engine) applyFull(ctx context.Context, tx Tx, req Request, m *manifest.Manifest, plan *schemaPlan) error {
	for _, u := range m.Upserts() {
		var key = req.Prefix + "/" + u.File
		headers, err := e.readHeader(ctx, key)
		if err != nil {
			return err
		}
		if !plan.created[u.ObjectName] {
			if err := tx.Exec(ctx, e.gen.Truncate(u.ObjectName)); err != nil {
				return fmt.Errorf("truncating %s: %w", u.ObjectName, err)
			}
		}
		if err := tx.Exec(ctx, e.gen.Copy(u.ObjectName, e.objects.URL(key), headers)); err != nil {
			return fmt.Errorf("loading %s: %w", u.ObjectName, err)
		}
	}
	return nil
}

// applyLog appends the window's rows. Log extracts are insert-only.
func (e *Engine) applyLog(ctx context.Context, tx Tx, req Request, m *manifest.Manifest) error {
	for _, u := range m.Upserts() {
		var key = req.Prefix + "/" + u.File
		headers, err := e.readHeader(ctx, key)
		if err != nil {
			return err
		}
		if err := tx.Exec(ctx, e.gen.Copy(u.ObjectName, e.objects.URL(key), headers)); err != nil {
			return fmt.Errorf("appending to %s: %w", u.ObjectName, err)
		}
	}
	return nil
}
