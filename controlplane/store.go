package controlplane

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a requested entry or vault state
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPreconditionFailed is returned when a conditional write loses
	// its race or its expectation does not hold. Callers recover by
	// re-reading and re-selecting.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrDuplicateChecksum is returned when a window is re-registered
	// under the same key with a different checksum. This is a protocol
	// error and is never retried.
	ErrDuplicateChecksum = errors.New("duplicate registration with different checksum")

	// ErrLeaseHeld is returned when another owner holds a vault lease.
	ErrLeaseHeld = errors.New("lease is held by another owner")
)

// TransientError wraps a store error which may succeed on retry, such as
// a network blip or throttling.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient store error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// Lease is a time-bounded exclusive claim on a (vault, kind) pair.
// Release must be called on every exit path; Renew must be called before
// the TTL elapses for long-running work.
type Lease interface {
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
	Owner() string
}

// Store is the control-plane contract. Any store with conditional
// single-item updates, ordered range scans on the sort key, and a change
// stream satisfies it. The etcd implementation is the production store;
// the memory implementation backs tests.
type Store interface {
	// PutIfAbsent registers an entry. If the key already exists with
	// the same checksum the call is a no-op; with a different checksum
	// it fails with ErrDuplicateChecksum.
	PutIfAbsent(ctx context.Context, entry *Entry) error

	// GetEntry reads one entry.
	GetEntry(ctx context.Context, key EntryKey) (*Entry, error)

	// ConditionalUpdate transitions an entry's status atomically. It
	// fails with ErrPreconditionFailed unless the entry's current
	// status equals expected and no concurrent write intervenes.
	ConditionalUpdate(ctx context.Context, key EntryKey, expected Status, update EntryUpdate) (*Entry, error)

	// ScanForward returns up to limit entries of the vault and load
	// type whose logical time is strictly greater than startExclusive,
	// in ascending sort-key order. An empty startExclusive scans from
	// the beginning.
	ScanForward(ctx context.Context, vaultID string, lt LoadType, startExclusive string, limit int) ([]*Entry, error)

	// GetVaultState reads the vault state record.
	GetVaultState(ctx context.Context, vaultID string) (*VaultState, error)

	// PutVaultState creates or replaces the vault state record. It is
	// a bootstrap operation; steady-state mutation goes through
	// UpdateVaultState.
	PutVaultState(ctx context.Context, state *VaultState) error

	// UpdateVaultState applies update, guarded by the expectation that
	// the state's CurrentEpoch equals expectedEpoch.
	UpdateVaultState(ctx context.Context, vaultID string, expectedEpoch int64, update StateUpdate) (*VaultState, error)

	// AcquireLease claims the (vault, kind) lease for owner with the
	// given TTL, honoring expiry of a prior holder. ErrLeaseHeld is
	// returned while another owner's lease is live.
	AcquireLease(ctx context.Context, vaultID, kind, owner string, ttl time.Duration) (Lease, error)

	// Subscribe returns a channel of change events for the vault's
	// queue. The channel closes when ctx is done.
	Subscribe(ctx context.Context, vaultID string) (<-chan Event, error)
}

// apply folds an EntryUpdate into an entry, stamping UpdatedAt.
func (u EntryUpdate) apply(e *Entry, now time.Time) {
	e.Status = u.Status
	if u.IncrementAttempt {
		e.AttemptCount++
	}
	if u.LastError != "" {
		e.LastError = u.LastError
	} else if u.Status == StatusReady {
		e.LastError = ""
	}
	if u.Epoch != nil {
		e.Epoch = *u.Epoch
	}
	e.UpdatedAt = now
}

// apply folds a StateUpdate into a state record.
func (u StateUpdate) apply(s *VaultState) {
	if u.Mode != nil {
		s.Mode = *u.Mode
	}
	if u.LastAppliedStopTime != nil {
		s.LastAppliedStopTime = *u.LastAppliedStopTime
	}
	if u.LogWatermark != nil {
		s.LogWatermark = *u.LogWatermark
	}
	if u.CurrentEpoch != nil {
		s.CurrentEpoch = *u.CurrentEpoch
	}
	if u.FullLoadStartedAt != nil {
		s.FullLoadStartedAt = *u.FullLoadStartedAt
	}
}
