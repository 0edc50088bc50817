package producer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/directdata/bridge/controlplane"
	"github.com/directdata/bridge/staging"
)

func appliedEntry(logicalTime string) *controlplane.Entry {
	return &controlplane.Entry{
		VaultID:     "vault-1",
		LoadType:    controlplane.LoadIncremental,
		LogicalTime: logicalTime,
		Status:      controlplane.StatusReady,
		Checksum:    "sum-" + logicalTime,
	}
}

func TestTriggerFullLoadRewind(t *testing.T) {
	var ctx = context.Background()
	var store = controlplane.NewMemory()
	var objects = staging.NewMemory()

	require.NoError(t, store.PutVaultState(ctx, &controlplane.VaultState{
		VaultID:             "vault-1",
		Mode:                controlplane.ModeIncremental,
		LastAppliedStopTime: "202401010045",
		CurrentEpoch:        0,
	}))

	// Applied entries straddling the snapshot boundary.
	for _, ts := range []string{"202312312345", "202401010015", "202401010030", "202401010045"} {
		var e = appliedEntry(ts)
		require.NoError(t, store.PutIfAbsent(ctx, e))
		_, err := store.ConditionalUpdate(ctx, e.Key(), controlplane.StatusReady,
			controlplane.EntryUpdate{Status: controlplane.StatusProcessing})
		require.NoError(t, err)
		_, err = store.ConditionalUpdate(ctx, e.Key(), controlplane.StatusProcessing,
			controlplane.EntryUpdate{Status: controlplane.StatusApplied})
		require.NoError(t, err)
	}

	var snapshot = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, TriggerFullLoad(ctx, store, objects, "vault-1", snapshot))

	state, err := store.GetVaultState(ctx, "vault-1")
	require.NoError(t, err)
	require.Equal(t, controlplane.ModeFullLoad, state.Mode)
	require.Equal(t, int64(1), state.CurrentEpoch)
	require.Equal(t, "202401010000", state.LastAppliedStopTime)
	require.False(t, state.FullLoadStartedAt.IsZero())

	// Entries past the boundary are READY under the new epoch; the entry
	// at or below it is untouched.
	for _, ts := range []string{"202401010015", "202401010030", "202401010045"} {
		entry, err := store.GetEntry(ctx, controlplane.EntryKey{
			VaultID: "vault-1", LoadType: controlplane.LoadIncremental, LogicalTime: ts})
		require.NoError(t, err)
		require.Equal(t, controlplane.StatusReady, entry.Status, ts)
		require.Equal(t, int64(1), entry.Epoch, ts)
	}
	before, err := store.GetEntry(ctx, controlplane.EntryKey{
		VaultID: "vault-1", LoadType: controlplane.LoadIncremental, LogicalTime: "202312312345"})
	require.NoError(t, err)
	require.Equal(t, controlplane.StatusApplied, before.Status)
	require.Equal(t, int64(0), before.Epoch)

	// No staged full manifest, so no FULL entry yet.
	_, err = store.GetEntry(ctx, controlplane.EntryKey{
		VaultID: "vault-1", LoadType: controlplane.LoadFull, LogicalTime: "20240101"})
	require.ErrorIs(t, err, controlplane.ErrNotFound)
}

func TestTriggerFullLoadRefusesInFlightWindow(t *testing.T) {
	var ctx = context.Background()
	var store = controlplane.NewMemory()
	var objects = staging.NewMemory()

	require.NoError(t, store.PutVaultState(ctx, &controlplane.VaultState{
		VaultID:             "vault-1",
		Mode:                controlplane.ModeIncremental,
		LastAppliedStopTime: "202401010000",
		CurrentEpoch:        2,
	}))

	// A consumer holds 00:15 mid-apply.
	var e = appliedEntry("202401010015")
	require.NoError(t, store.PutIfAbsent(ctx, e))
	_, err := store.ConditionalUpdate(ctx, e.Key(), controlplane.StatusReady,
		controlplane.EntryUpdate{Status: controlplane.StatusProcessing})
	require.NoError(t, err)

	var snapshot = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	err = TriggerFullLoad(ctx, store, objects, "vault-1", snapshot)
	require.ErrorIs(t, err, controlplane.ErrPreconditionFailed)

	// The vault is untouched: no epoch bump, no mode flip, no rewind.
	state, err := store.GetVaultState(ctx, "vault-1")
	require.NoError(t, err)
	require.Equal(t, controlplane.ModeIncremental, state.Mode)
	require.Equal(t, int64(2), state.CurrentEpoch)
	require.Equal(t, "202401010000", state.LastAppliedStopTime)

	entry, err := store.GetEntry(ctx, e.Key())
	require.NoError(t, err)
	require.Equal(t, controlplane.StatusProcessing, entry.Status)
}

func TestTriggerFullLoadRegistersStagedWindow(t *testing.T) {
	var ctx = context.Background()
	var store = controlplane.NewMemory()
	var objects = staging.NewMemory()

	require.NoError(t, store.PutVaultState(ctx, &controlplane.VaultState{
		VaultID: "vault-2", Mode: controlplane.ModeIncremental, CurrentEpoch: 4,
	}))

	var manifestKey = staging.ManifestKey("vault-2", controlplane.LoadFull, "20240101")
	require.NoError(t, objects.Put(ctx, manifestKey, strings.NewReader(
		"object_name,operation,file_path,schema_fingerprint,row_count,column_name,from_type,to_type\n"+
			"product__v,upsert,Object/product__v.csv,id:utf8,10,,,\n")))

	var snapshot = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, TriggerFullLoad(ctx, store, objects, "vault-2", snapshot))

	entry, err := store.GetEntry(ctx, controlplane.EntryKey{
		VaultID: "vault-2", LoadType: controlplane.LoadFull, LogicalTime: "20240101"})
	require.NoError(t, err)
	require.Equal(t, controlplane.StatusReady, entry.Status)
	require.Equal(t, int64(5), entry.Epoch)
	require.NotEmpty(t, entry.Checksum)
}
