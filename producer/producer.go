// Package producer stages vendor extract windows into the object store
// and registers them on the control-plane queue. The producer never
// advances watermarks and never blocks on the consumer; its failures are
// absorbed and retried on the next tick, except protocol errors.
package producer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/directdata/bridge/alert"
	"github.com/directdata/bridge/controlplane"
	"github.com/directdata/bridge/manifest"
	"github.com/directdata/bridge/schema"
	"github.com/directdata/bridge/staging"
	"github.com/directdata/bridge/vault"
)

// Config is the producer's immutable process configuration.
type Config struct {
	VaultID           string
	Extract           vault.ExtractType
	DefaultStart      time.Time
	UseDynamicWindow  bool
	DynamicLookback   time.Duration
	ConvertToColumnar bool
	ChunkRows         int
}

// Producer stages and registers windows of one vault and extract type.
type Producer struct {
	cfg     Config
	store   controlplane.Store
	objects staging.Store
	feed    vault.Client
	alerts  alert.Alerter
	now     func() time.Time
}

// New returns a Producer.
func New(cfg Config, store controlplane.Store, objects staging.Store, feed vault.Client, alerts alert.Alerter) *Producer {
	if cfg.ChunkRows <= 0 {
		cfg.ChunkRows = 100_000
	}
	return &Producer{
		cfg:     cfg,
		store:   store,
		objects: objects,
		feed:    feed,
		alerts:  alerts,
		now:     time.Now,
	}
}

// RunOnce performs one producer tick: list available windows past the
// watermark, stage each in ascending logical-time order, and register it
// READY. A staging failure stops the tick before later windows are
// registered, preserving queue completeness below every registered key.
func (p *Producer) RunOnce(ctx context.Context) error {
	var state, err = p.store.GetVaultState(ctx, p.cfg.VaultID)
	if err != nil && !errors.Is(err, controlplane.ErrNotFound) {
		return fmt.Errorf("reading vault state: %w", err)
	}

	var watermark = p.watermark(state)
	var epoch int64
	if state != nil {
		epoch = state.CurrentEpoch
	}

	windows, err := p.feed.ListWindows(ctx, p.cfg.Extract, p.listStart(watermark), p.now().UTC())
	if err != nil {
		return fmt.Errorf("listing feed windows: %w", err)
	}
	sort.Slice(windows, func(i, j int) bool {
		return windows[i].StopTime.Before(windows[j].StopTime)
	})

	var loadType = p.cfg.Extract.LoadType()
	for i := range windows {
		var w = &windows[i]
		var logicalTime = w.LogicalTime(p.cfg.Extract)
		var logger = log.WithFields(log.Fields{
			"vault":       p.cfg.VaultID,
			"loadType":    loadType,
			"logicalTime": logicalTime,
			"file":        w.Filename,
		})

		if w.RecordCount == 0 {
			logger.Debug("skipping empty window")
			continue
		}
		if p.behindWatermark(logicalTime, watermark) {
			logger.Debug("skipping window at or behind watermark")
			continue
		}
		var key = controlplane.EntryKey{VaultID: p.cfg.VaultID, LoadType: loadType, LogicalTime: logicalTime}
		if _, err := p.store.GetEntry(ctx, key); err == nil {
			logger.Debug("window is already registered")
			continue
		} else if !errors.Is(err, controlplane.ErrNotFound) {
			return fmt.Errorf("probing entry %s: %w", controlplane.SortKey(loadType, logicalTime), err)
		}

		checksum, err := p.stageWindow(ctx, w, loadType, logicalTime)
		if err != nil {
			// Later windows must not be registered ahead of this one.
			logger.WithError(err).Warn("staging failed; stopping tick")
			return nil
		}

		var entry = &controlplane.Entry{
			VaultID:     p.cfg.VaultID,
			LoadType:    loadType,
			LogicalTime: logicalTime,
			Status:      controlplane.StatusReady,
			Prefix:      staging.WindowPrefix(p.cfg.VaultID, loadType, logicalTime),
			Checksum:    checksum,
			Epoch:       epoch,
		}
		if err := p.store.PutIfAbsent(ctx, entry); err != nil {
			if errors.Is(err, controlplane.ErrDuplicateChecksum) {
				p.alerts.CriticalFailure(ctx, p.cfg.VaultID, entry.SortKey(), err.Error())
				return fmt.Errorf("registering window %s: %w", entry.SortKey(), err)
			}
			logger.WithError(err).Warn("registration failed; stopping tick")
			return nil
		}
		logger.WithField("checksum", checksum).Info("registered window")
	}
	return nil
}

// watermark returns the logical-time key below or at which windows are
// already covered.
func (p *Producer) watermark(state *controlplane.VaultState) string {
	if state == nil {
		return ""
	}
	if p.cfg.Extract == vault.ExtractLog {
		return state.LogWatermark
	}
	return state.LastAppliedStopTime
}

// behindWatermark reports whether a window's logical time is covered by
// the watermark. FULL keys are dates while the shared watermark carries
// minute precision, so FULL compares on the date prefix and admits the
// boundary date itself.
func (p *Producer) behindWatermark(logicalTime, watermark string) bool {
	if watermark == "" {
		return false
	}
	if p.cfg.Extract == vault.ExtractFull && len(watermark) > 8 {
		return logicalTime < watermark[:8]
	}
	return logicalTime <= watermark
}

func (p *Producer) listStart(watermark string) time.Time {
	var layout = "200601021504"
	if p.cfg.Extract != vault.ExtractIncremental {
		layout = "20060102"
		if len(watermark) > 8 {
			watermark = watermark[:8]
		}
	}
	if watermark != "" {
		if t, err := time.Parse(layout, watermark); err == nil {
			return t
		}
	}
	if p.cfg.UseDynamicWindow {
		return p.now().UTC().Add(-p.cfg.DynamicLookback)
	}
	return p.cfg.DefaultStart
}

// stageWindow stages a window's raw archive and its extracted members
// under the window prefix, writing the translated manifest last. It
// returns the manifest checksum.
func (p *Producer) stageWindow(ctx context.Context, w *vault.Window, lt controlplane.LoadType, logicalTime string) (string, error) {
	var prefix = staging.WindowPrefix(p.cfg.VaultID, lt, logicalTime)

	// The raw archive is staged first, under the window prefix: a tick
	// that crashed mid-extraction resumes from the staged copy without
	// re-downloading, and the archive stays on as the window's audit
	// copy.
	var archiveKey, err = p.stageArchive(ctx, w, prefix)
	if err != nil {
		return "", err
	}

	var walker = &archiveWalker{open: func() (io.ReadCloser, error) { return p.objects.Get(ctx, archiveKey) }}

	// First pass: the feed manifest and window metadata, both small.
	var vendorRows []vendorRow
	var registry = make(schema.Registry)
	var metadataRaw []byte
	if err := walker.walk(func(name string, r io.Reader) error {
		switch {
		case isManifestMember(name):
			rows, err := parseVendorManifest(r)
			if err != nil {
				return err
			}
			vendorRows = rows
		case isMetadataMember(name):
			raw, err := io.ReadAll(r)
			if err != nil {
				return err
			}
			parsed, err := schema.ParseMetadata(bytes.NewReader(raw))
			if err != nil {
				return err
			}
			registry = parsed
			metadataRaw = raw
		}
		return nil
	}); err != nil {
		return "", err
	}
	if vendorRows == nil {
		return "", fmt.Errorf("archive %s has no manifest member", w.Filename)
	}
	// Feed manifests address files by their full archive path, including
	// the top-level folder the walker strips.
	for i := range vendorRows {
		vendorRows[i].File = strings.TrimPrefix(vendorRows[i].File, walker.root)
	}

	// The metadata change file, when the window carries one, names the
	// columns being added or dropped.
	var changeFile string
	for _, row := range vendorRows {
		if row.Extract == metadataExtract && row.Records > 0 {
			changeFile = row.File
		}
	}
	var metadataChanges = make(schema.Registry)

	// Second pass: stage every data member under the window prefix.
	if err := walker.walk(func(name string, r io.Reader) error {
		if isManifestMember(name) {
			return nil
		}
		if name == changeFile {
			raw, err := io.ReadAll(r)
			if err != nil {
				return err
			}
			if metadataChanges, err = schema.ParseMetadata(bytes.NewReader(raw)); err != nil {
				return err
			}
			r = bytes.NewReader(raw)
		}
		return p.stageMember(ctx, prefix, name, r, registry)
	}); err != nil {
		return "", err
	}

	// Stage the window metadata so the apply engine can rebuild the
	// registry without re-reading the archive.
	if metadataRaw != nil {
		if err := p.objects.Put(ctx, prefix+"/"+staging.MetadataName, bytes.NewReader(metadataRaw)); err != nil {
			return "", fmt.Errorf("staging window metadata: %w", err)
		}
	}

	translated, err := translateManifest(vendorRows, registry, metadataChanges)
	if err != nil {
		return "", err
	}

	// The manifest is written last: its presence marks the prefix
	// complete.
	var buf bytes.Buffer
	if err := manifest.Write(&buf, translated); err != nil {
		return "", fmt.Errorf("encoding manifest: %w", err)
	}
	var sum = sha256.Sum256(buf.Bytes())
	if err := p.objects.Put(ctx, prefix+"/"+staging.ManifestName(lt), bytes.NewReader(buf.Bytes())); err != nil {
		return "", fmt.Errorf("staging manifest: %w", err)
	}
	return hex.EncodeToString(sum[:]), nil
}

// stageMember writes one archive member to the window prefix, optionally
// through the chunked type-clean rewrite.
func (p *Producer) stageMember(ctx context.Context, prefix, name string, r io.Reader, registry schema.Registry) error {
	var key = prefix + "/" + name

	var cols = registry.Columns(objectOfMemberPath(name))
	if p.cfg.ConvertToColumnar && cols != nil {
		var pr, pw = io.Pipe()
		go func() {
			pw.CloseWithError(cleanCSV(pw, r, cols, p.cfg.ChunkRows))
		}()
		if err := p.objects.Put(ctx, key, pr); err != nil {
			pr.CloseWithError(err)
			return fmt.Errorf("staging %s: %w", name, err)
		}
		return nil
	}

	if err := p.objects.Put(ctx, key, r); err != nil {
		return fmt.Errorf("staging %s: %w", name, err)
	}
	return nil
}

// stageArchive streams the window's parts, in part order, into the
// archive key under the window prefix. An already-staged archive is
// reused rather than re-downloaded.
func (p *Producer) stageArchive(ctx context.Context, w *vault.Window, prefix string) (string, error) {
	var key = prefix + "/" + w.Filename

	exists, err := p.objects.Exists(ctx, key)
	if err != nil {
		return "", err
	} else if exists {
		log.WithField("file", w.Filename).Debug("archive is already staged")
		return key, nil
	}

	var parts = append([]vault.FilePart(nil), w.Parts...)
	sort.Slice(parts, func(i, j int) bool { return parts[i].Part < parts[j].Part })

	var pr, pw = io.Pipe()
	go func() {
		pw.CloseWithError(func() error {
			for _, part := range parts {
				body, err := p.feed.DownloadPart(ctx, part.Name)
				if err != nil {
					return err
				}
				_, err = io.Copy(pw, body)
				body.Close()
				if err != nil {
					return fmt.Errorf("downloading part %s: %w", part.Name, err)
				}
			}
			return nil
		}())
	}()
	if err := p.objects.Put(ctx, key, pr); err != nil {
		pr.CloseWithError(err)
		return "", fmt.Errorf("staging archive %s: %w", w.Filename, err)
	}
	return key, nil
}

// objectOfMemberPath maps an archive member path such as
// "Object/product__v.csv" to its object name.
func objectOfMemberPath(name string) string {
	var base = path.Base(name)
	if i := strings.IndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	return schema.NormalizeObject(base)
}
