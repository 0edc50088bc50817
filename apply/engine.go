package apply

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/directdata/bridge/controlplane"
	"github.com/directdata/bridge/manifest"
	"github.com/directdata/bridge/schema"
	"github.com/directdata/bridge/staging"
)

const sniffSampleRows = 1000

// Engine applies one window to the warehouse.
type Engine struct {
	objects staging.Store
	wh      Warehouse
	gen     *Generator
}

// NewEngine returns an Engine.
func NewEngine(objects staging.Store, wh Warehouse, gen *Generator) *Engine {
	return &Engine{objects: objects, wh: wh, gen: gen}
}

// Apply executes one window: manifest fetch, schema reconciliation, then
// a single transaction covering pre-load deletes and bulk loads. Any
// error after BEGIN rolls the transaction back; the window's rows are
// observable only after COMMIT.
func (e *Engine) Apply(ctx context.Context, req Request) error {
	var logger = log.WithFields(log.Fields{
		"vault":       req.VaultID,
		"loadType":    req.LoadType,
		"logicalTime": req.LogicalTime,
	})

	var m, err = e.fetchManifest(ctx, req)
	if err != nil {
		return err
	}
	if err := e.verifyStagedFiles(ctx, req, m); err != nil {
		return err
	}

	registry, err := e.loadRegistry(ctx, req, m)
	if err != nil {
		return err
	}

	// Schema reconciliation runs auto-committed and idempotent: each
	// statement re-checks existence, so a partial pass converges on the
	// next attempt. The full plan is validated before any DDL runs.
	plan, err := e.planSchema(ctx, m, registry)
	if err != nil {
		return err
	}
	if len(plan.statements) > 0 {
		if err := e.wh.EnsureSchema(ctx); err != nil {
			return err
		}
		for _, stmt := range plan.statements {
			if err := e.wh.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("reconciling schema: %w", err)
			}
		}
		logger.WithField("statements", len(plan.statements)).Info("reconciled schema")
	}

	tx, err := e.wh.Begin(ctx)
	if err != nil {
		return err
	}
	var committed bool
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				logger.WithError(err).Warn("rollback failed")
			}
		}
	}()

	switch req.LoadType {
	case controlplane.LoadIncremental:
		err = e.applyIncremental(ctx, tx, req, m, plan)
	case controlplane.LoadFull:
		err = e.applyFull(ctx, tx, req, m, plan)
	case controlplane.LoadLog:
		err = e.applyLog(ctx, tx, req, m)
	default:
		err = fmt.Errorf("unknown load type %q", req.LoadType)
	}
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing window: %w", err)
	}
	committed = true
	logger.Info("applied window")
	return nil
}

func (e *Engine) fetchManifest(ctx context.Context, req Request) (*manifest.Manifest, error) {
	var key = req.Prefix + "/" + staging.ManifestName(req.LoadType)
	var body, err = e.objects.Get(ctx, key)
	if errors.Is(err, staging.ErrNotExist) {
		return nil, fmt.Errorf("manifest %s: %w", key, ErrMissingObject)
	} else if err != nil {
		return nil, err
	}
	defer body.Close()
	return manifest.Parse(body)
}

// verifyStagedFiles checks that every file the manifest references was
// staged. The producer writes the manifest last, so a miss here is a
// protocol error, not a race.
func (e *Engine) verifyStagedFiles(ctx context.Context, req Request, m *manifest.Manifest) error {
	var files []string
	for _, u := range m.Upserts() {
		files = append(files, u.File)
	}
	for _, d := range m.Deletes() {
		files = append(files, d.File)
	}
	for _, file := range files {
		ok, err := e.objects.Exists(ctx, req.Prefix+"/"+file)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: %w", file, ErrMissingObject)
		}
	}
	return nil
}

// loadRegistry rebuilds the window's schema registry from the staged
// metadata and re-runs per-window decimal detection on sampled values.
func (e *Engine) loadRegistry(ctx context.Context, req Request, m *manifest.Manifest) (schema.Registry, error) {
	var body, err = e.objects.Get(ctx, req.Prefix+"/"+staging.MetadataName)
	if errors.Is(err, staging.ErrNotExist) {
		return make(schema.Registry), nil
	} else if err != nil {
		return nil, err
	}
	registry, err := schema.ParseMetadata(body)
	body.Close()
	if err != nil {
		return nil, err
	}

	for _, u := range m.Upserts() {
		var cols = registry.Columns(u.ObjectName)
		var sniffable []string
		for _, c := range cols {
			if c.Type == schema.Integer {
				sniffable = append(sniffable, c.Name)
			}
		}
		if len(sniffable) == 0 {
			continue
		}
		samples, err := e.sampleColumns(ctx, req.Prefix+"/"+u.File, sniffable)
		if err != nil {
			return nil, err
		}
		for i, c := range cols {
			if c.Type == schema.Integer && schema.SniffNumber(samples[c.Name]) == schema.Float {
				cols[i].Type = schema.Float
			}
		}
	}
	return registry, nil
}

// sampleColumns reads up to sniffSampleRows values of the named columns
// from a staged CSV.
func (e *Engine) sampleColumns(ctx context.Context, key string, names []string) (map[string][]string, error) {
	var body, err = e.objects.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var cr = csv.NewReader(body)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header of %s: %w", key, err)
	}
	var wanted = make(map[int]string)
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		for _, n := range names {
			if h == n {
				wanted[i] = n
			}
		}
	}

	var samples = make(map[string][]string, len(names))
	for row := 0; row < sniffSampleRows; row++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("sampling %s: %w", key, err)
		}
		for i, name := range wanted {
			if i < len(record) {
				samples[name] = append(samples[name], record[i])
			}
		}
	}
	return samples, nil
}

// readHeader returns the lowercased CSV header of a staged file, used to
// pin the COPY column order.
func (e *Engine) readHeader(ctx context.Context, key string) ([]string, error) {
	var body, err = e.objects.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var cr = csv.NewReader(body)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header of %s: %w", key, err)
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}
	return header, nil
}
