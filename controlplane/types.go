// Package controlplane holds the durable state of the bridge: the queue
// of registered windows and the per-vault state record. All mutation goes
// through conditional single-item writes, so that the status lifecycle
// and watermark invariants hold under concurrent producers and consumers.
package controlplane

import (
	"time"
)

// LoadType is the kind of a window.
type LoadType string

const (
	LoadIncremental LoadType = "INCR"
	LoadLog         LoadType = "LOG"
	LoadFull        LoadType = "FULL"
)

// Status is the lifecycle state of a queue entry.
type Status string

const (
	StatusReady      Status = "READY"
	StatusProcessing Status = "PROCESSING"
	StatusApplied    Status = "APPLIED"
	StatusFailed     Status = "FAILED"
)

// Mode is the operating mode of a vault.
type Mode string

const (
	ModeIncremental Mode = "INCREMENTAL"
	ModeFullLoad    Mode = "FULL_LOAD"
)

// Entry is one registered window. Entries are keyed by (VaultID, SortKey)
// where SortKey orders lexically in intended apply order within a load
// type: logical time keys are fixed-width UTC digits, YYYYMMDDHHMM for
// INCR and YYYYMMDD for LOG and FULL.
type Entry struct {
	VaultID      string    `json:"vault_id"`
	LoadType     LoadType  `json:"load_type"`
	LogicalTime  string    `json:"logical_time"`
	Status       Status    `json:"status"`
	Prefix       string    `json:"s3_prefix"`
	Checksum     string    `json:"checksum"`
	Epoch        int64     `json:"epoch"`
	AttemptCount int       `json:"attempt_count"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SortKey returns the entry's queue sort key.
func (e *Entry) SortKey() string { return SortKey(e.LoadType, e.LogicalTime) }

// Key returns the entry's full key.
func (e *Entry) Key() EntryKey {
	return EntryKey{VaultID: e.VaultID, LoadType: e.LoadType, LogicalTime: e.LogicalTime}
}

// SortKey builds the queue sort key of a load type and logical time.
func SortKey(lt LoadType, logicalTime string) string {
	return string(lt) + "#" + logicalTime
}

// EntryKey identifies one queue entry.
type EntryKey struct {
	VaultID     string
	LoadType    LoadType
	LogicalTime string
}

// EntryUpdate is the set of fields a ConditionalUpdate may change.
// Nil pointers leave the field untouched.
type EntryUpdate struct {
	Status           Status
	IncrementAttempt bool
	LastError        string
	Epoch            *int64
}

// VaultState is the durable per-vault control record.
type VaultState struct {
	VaultID string `json:"vault_id"`
	Mode    Mode   `json:"mode"`
	// LastAppliedStopTime is the INCR/FULL watermark: the greatest
	// logical time whose window has COMMITted. It advances only on
	// commit.
	LastAppliedStopTime string `json:"last_applied_stoptime"`
	// LogWatermark is the independent LOG watermark.
	LogWatermark      string    `json:"log_watermark,omitempty"`
	CurrentEpoch      int64     `json:"current_epoch"`
	FullLoadStartedAt time.Time `json:"full_load_started_at,omitempty"`
}

// StateUpdate is the set of fields an UpdateVaultState may change.
type StateUpdate struct {
	Mode                *Mode
	LastAppliedStopTime *string
	LogWatermark        *string
	CurrentEpoch        *int64
	FullLoadStartedAt   *time.Time
}

// Event is a change-stream notification. Events are delivered
// at-least-once and may arrive out of order across keys; subscribers must
// treat them purely as wakeups.
type Event struct {
	VaultID string
	SortKey string
	Status  Status
}

// StopTimeKey renders an INCR logical time key (UTC, minute precision).
func StopTimeKey(t time.Time) string { return t.UTC().Format("200601021504") }

// DateKey renders a LOG or FULL logical time key (UTC date).
func DateKey(t time.Time) string { return t.UTC().Format("20060102") }
