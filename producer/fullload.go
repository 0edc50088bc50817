package producer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/directdata/bridge/controlplane"
	"github.com/directdata/bridge/staging"
)

// TriggerFullLoad switches a vault into FULL_LOAD mode at a snapshot
// date: the epoch is bumped, the watermark is rewound to the snapshot
// boundary, and every INCR entry past the boundary is reset READY under
// the new epoch so it replays after the full load lands.
//
// The steps are individually idempotent rather than atomic: a re-run
// after a partial failure fails the epoch guard on the state write, and
// an operator re-run with the observed epoch completes the rewind.
func TriggerFullLoad(ctx context.Context, store controlplane.Store, objects staging.Store, vaultID string, snapshotDate time.Time) error {
	var state, err = store.GetVaultState(ctx, vaultID)
	if errors.Is(err, controlplane.ErrNotFound) {
		state = &controlplane.VaultState{VaultID: vaultID, Mode: controlplane.ModeIncremental}
		if err = store.PutVaultState(ctx, state); err != nil {
			return fmt.Errorf("seeding vault state: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("reading vault state: %w", err)
	}

	var newEpoch = state.CurrentEpoch + 1
	var boundary = controlplane.StopTimeKey(snapshotDate.UTC().Truncate(24 * time.Hour))
	var mode = controlplane.ModeFullLoad
	var startedAt = time.Now().UTC()

	// A past-boundary window that is mid-apply would be stranded at the
	// stale epoch: its commit truncates under the snapshot and never
	// replays. Refuse until it settles or its lease expires.
	entries, err := store.ScanForward(ctx, vaultID, controlplane.LoadIncremental, boundary, 0)
	if err != nil {
		return fmt.Errorf("scanning entries to rewind: %w", err)
	}
	for _, entry := range entries {
		if entry.Status == controlplane.StatusProcessing {
			return fmt.Errorf("window %s is processing; let it settle before triggering a full load: %w",
				entry.SortKey(), controlplane.ErrPreconditionFailed)
		}
	}

	if _, err := store.UpdateVaultState(ctx, vaultID, state.CurrentEpoch, controlplane.StateUpdate{
		Mode:                &mode,
		LastAppliedStopTime: &boundary,
		CurrentEpoch:        &newEpoch,
		FullLoadStartedAt:   &startedAt,
	}); err != nil {
		return fmt.Errorf("switching vault %s to full load: %w", vaultID, err)
	}

	// Rewind: INCR entries strictly past the boundary replay under the
	// new epoch once the full load has applied. Entries at or below the
	// boundary are covered by the snapshot and stay untouched.
	var rewound int
	for _, entry := range entries {
		switch entry.Status {
		case controlplane.StatusApplied, controlplane.StatusReady, controlplane.StatusFailed:
			// Eligible for replay.
		default:
			continue
		}
		if _, err := store.ConditionalUpdate(ctx, entry.Key(), entry.Status, controlplane.EntryUpdate{
			Status: controlplane.StatusReady,
			Epoch:  &newEpoch,
		}); err != nil && !errors.Is(err, controlplane.ErrPreconditionFailed) {
			return fmt.Errorf("rewinding entry %s: %w", entry.SortKey(), err)
		}
		rewound++
	}

	// Register the FULL window itself when its staged manifest already
	// exists. Otherwise the producer registers it on its next tick, once
	// staging completes.
	var dateKey = controlplane.DateKey(snapshotDate)
	var manifestKey = staging.ManifestKey(vaultID, controlplane.LoadFull, dateKey)
	exists, err := objects.Exists(ctx, manifestKey)
	if err != nil {
		return fmt.Errorf("probing staged full manifest: %w", err)
	}
	if exists {
		body, err := objects.Get(ctx, manifestKey)
		if err != nil {
			return fmt.Errorf("reading staged full manifest: %w", err)
		}
		var h = sha256.New()
		_, err = io.Copy(h, body)
		body.Close()
		if err != nil {
			return fmt.Errorf("hashing staged full manifest: %w", err)
		}

		if err := store.PutIfAbsent(ctx, &controlplane.Entry{
			VaultID:     vaultID,
			LoadType:    controlplane.LoadFull,
			LogicalTime: dateKey,
			Status:      controlplane.StatusReady,
			Prefix:      staging.WindowPrefix(vaultID, controlplane.LoadFull, dateKey),
			Checksum:    hex.EncodeToString(h.Sum(nil)),
			Epoch:       newEpoch,
		}); err != nil {
			return fmt.Errorf("registering full window: %w", err)
		}
	}

	log.WithFields(log.Fields{
		"vault":    vaultID,
		"epoch":    newEpoch,
		"boundary": boundary,
		"rewound":  rewound,
		"staged":   exists,
	}).Info("triggered full load")
	return nil
}
