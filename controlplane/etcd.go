package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Etcd is the production Store, backed by an etcd cluster. Queue entries
// and state records are JSON values under the queue and state prefixes;
// compare-and-set is built from transactions over key revisions, and
// leases map onto native etcd leases so that expiry is enforced by the
// store rather than by well-behaved clients.
type Etcd struct {
	cli         *clientv3.Client
	queuePrefix string
	statePrefix string
	now         func() time.Time
}

// NewEtcd returns an Etcd store rooted at the given queue and state
// prefixes (conventionally the configured queue and state table names).
func NewEtcd(cli *clientv3.Client, queuePrefix, statePrefix string) *Etcd {
	return &Etcd{
		cli:         cli,
		queuePrefix: "/" + queuePrefix,
		statePrefix: "/" + statePrefix,
		now:         time.Now,
	}
}

func (s *Etcd) entryKey(vaultID, sortKey string) string {
	return s.queuePrefix + "/" + vaultID + "/" + sortKey
}
func (s *Etcd) stateKey(vaultID string) string {
	return s.statePrefix + "/state/" + vaultID
}
func (s *Etcd) lockKey(vaultID, kind string) string {
	return s.statePrefix + "/lock/" + vaultID + "/" + kind
}

// PutIfAbsent implements Store.
func (s *Etcd) PutIfAbsent(ctx context.Context, entry *Entry) error {
	var key = s.entryKey(entry.VaultID, entry.SortKey())

	var e = *entry
	e.CreatedAt = s.now().UTC()
	e.UpdatedAt = e.CreatedAt
	value, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}

	return withRetry(ctx, "PutIfAbsent", func() error {
		resp, err := s.cli.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
			Then(clientv3.OpPut(key, string(value))).
			Else(clientv3.OpGet(key)).
			Commit()
		if err != nil {
			return &TransientError{Err: err}
		}
		if resp.Succeeded {
			return nil
		}

		var existing Entry
		var kvs = resp.Responses[0].GetResponseRange().Kvs
		if len(kvs) == 0 {
			// Deleted between the failed compare and our read.
			return &TransientError{Err: fmt.Errorf("entry %s vanished mid-transaction", key)}
		}
		if err := json.Unmarshal(kvs[0].Value, &existing); err != nil {
			return fmt.Errorf("decoding entry %s: %w", key, err)
		}
		if existing.Checksum != entry.Checksum {
			return fmt.Errorf("entry %s: %w", key, ErrDuplicateChecksum)
		}
		return nil // Idempotent re-registration.
	})
}

// GetEntry implements Store.
func (s *Etcd) GetEntry(ctx context.Context, key EntryKey) (*Entry, error) {
	var entry *Entry
	var err = withRetry(ctx, "GetEntry", func() error {
		resp, err := s.cli.Get(ctx, s.entryKey(key.VaultID, SortKey(key.LoadType, key.LogicalTime)))
		if err != nil {
			return &TransientError{Err: err}
		}
		if len(resp.Kvs) == 0 {
			return ErrNotFound
		}
		entry = new(Entry)
		return json.Unmarshal(resp.Kvs[0].Value, entry)
	})
	return entry, err
}

// ConditionalUpdate implements Store.
func (s *Etcd) ConditionalUpdate(ctx context.Context, key EntryKey, expected Status, update EntryUpdate) (*Entry, error) {
	var etcdKey = s.entryKey(key.VaultID, SortKey(key.LoadType, key.LogicalTime))

	var out *Entry
	var err = withRetry(ctx, "ConditionalUpdate", func() error {
		resp, err := s.cli.Get(ctx, etcdKey)
		if err != nil {
			return &TransientError{Err: err}
		}
		if len(resp.Kvs) == 0 {
			return ErrNotFound
		}
		var entry Entry
		if err := json.Unmarshal(resp.Kvs[0].Value, &entry); err != nil {
			return fmt.Errorf("decoding entry %s: %w", etcdKey, err)
		}
		if entry.Status != expected {
			return fmt.Errorf("entry %s is %s, not %s: %w",
				etcdKey, entry.Status, expected, ErrPreconditionFailed)
		}

		update.apply(&entry, s.now().UTC())
		value, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("encoding entry: %w", err)
		}

		txn, err := s.cli.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(etcdKey), "=", resp.Kvs[0].ModRevision)).
			Then(clientv3.OpPut(etcdKey, string(value))).
			Commit()
		if err != nil {
			return &TransientError{Err: err}
		}
		if !txn.Succeeded {
			return fmt.Errorf("entry %s was modified concurrently: %w", etcdKey, ErrPreconditionFailed)
		}
		out = &entry
		return nil
	})
	return out, err
}

// ScanForward implements Store.
func (s *Etcd) ScanForward(ctx context.Context, vaultID string, lt LoadType, startExclusive string, limit int) ([]*Entry, error) {
	var prefix = s.entryKey(vaultID, string(lt)+"#")
	var start = prefix
	if startExclusive != "" {
		// Keys are fixed-width, so appending a zero byte makes the
		// range start strictly after the watermark's own key.
		start = prefix + startExclusive + "\x00"
	}

	var entries []*Entry
	var err = withRetry(ctx, "ScanForward", func() error {
		var opts = []clientv3.OpOption{
			clientv3.WithRange(clientv3.GetPrefixRangeEnd(prefix)),
			clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
		}
		if limit > 0 {
			opts = append(opts, clientv3.WithLimit(int64(limit)))
		}
		resp, err := s.cli.Get(ctx, start, opts...)
		if err != nil {
			return &TransientError{Err: err}
		}
		entries = entries[:0]
		for _, kv := range resp.Kvs {
			var entry = new(Entry)
			if err := json.Unmarshal(kv.Value, entry); err != nil {
				return fmt.Errorf("decoding entry %s: %w", string(kv.Key), err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// GetVaultState implements Store.
func (s *Etcd) GetVaultState(ctx context.Context, vaultID string) (*VaultState, error) {
	var state *VaultState
	var err = withRetry(ctx, "GetVaultState", func() error {
		resp, err := s.cli.Get(ctx, s.stateKey(vaultID))
		if err != nil {
			return &TransientError{Err: err}
		}
		if len(resp.Kvs) == 0 {
			return ErrNotFound
		}
		state = new(VaultState)
		return json.Unmarshal(resp.Kvs[0].Value, state)
	})
	return state, err
}

// PutVaultState implements Store.
func (s *Etcd) PutVaultState(ctx context.Context, state *VaultState) error {
	value, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding vault state: %w", err)
	}
	return withRetry(ctx, "PutVaultState", func() error {
		if _, err := s.cli.Put(ctx, s.stateKey(state.VaultID), string(value)); err != nil {
			return &TransientError{Err: err}
		}
		return nil
	})
}

// UpdateVaultState implements Store.
func (s *Etcd) UpdateVaultState(ctx context.Context, vaultID string, expectedEpoch int64, update StateUpdate) (*VaultState, error) {
	var key = s.stateKey(vaultID)

	var out *VaultState
	var err = withRetry(ctx, "UpdateVaultState", func() error {
		resp, err := s.cli.Get(ctx, key)
		if err != nil {
			return &TransientError{Err: err}
		}
		if len(resp.Kvs) == 0 {
			return ErrNotFound
		}
		var state VaultState
		if err := json.Unmarshal(resp.Kvs[0].Value, &state); err != nil {
			return fmt.Errorf("decoding vault state: %w", err)
		}
		if state.CurrentEpoch != expectedEpoch {
			return fmt.Errorf("vault %s is at epoch %d, not %d: %w",
				vaultID, state.CurrentEpoch, expectedEpoch, ErrPreconditionFailed)
		}

		update.apply(&state)
		value, err := json.Marshal(&state)
		if err != nil {
			return fmt.Errorf("encoding vault state: %w", err)
		}

		txn, err := s.cli.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", resp.Kvs[0].ModRevision)).
			Then(clientv3.OpPut(key, string(value))).
			Commit()
		if err != nil {
			return &TransientError{Err: err}
		}
		if !txn.Succeeded {
			return fmt.Errorf("vault %s state was modified concurrently: %w", vaultID, ErrPreconditionFailed)
		}
		out = &state
		return nil
	})
	return out, err
}

// AcquireLease implements Store. The lock key is attached to a native
// etcd lease, so a crashed holder's claim evaporates at TTL without any
// cleanup on our side.
func (s *Etcd) AcquireLease(ctx context.Context, vaultID, kind, owner string, ttl time.Duration) (Lease, error) {
	var key = s.lockKey(vaultID, kind)

	var lease *etcdLease
	var err = withRetry(ctx, "AcquireLease", func() error {
		grant, err := s.cli.Grant(ctx, int64(ttl.Seconds()))
		if err != nil {
			return &TransientError{Err: err}
		}
		resp, err := s.cli.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
			Then(clientv3.OpPut(key, owner, clientv3.WithLease(grant.ID))).
			Else(clientv3.OpGet(key)).
			Commit()
		if err != nil {
			_, _ = s.cli.Revoke(ctx, grant.ID)
			return &TransientError{Err: err}
		}
		if !resp.Succeeded {
			_, _ = s.cli.Revoke(ctx, grant.ID)
			var kvs = resp.Responses[0].GetResponseRange().Kvs
			var holder string
			if len(kvs) != 0 {
				holder = string(kvs[0].Value)
			}
			return fmt.Errorf("vault %s/%s held by %s: %w", vaultID, kind, holder, ErrLeaseHeld)
		}
		lease = &etcdLease{cli: s.cli, id: grant.ID, key: key, owner: owner}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

type etcdLease struct {
	cli   *clientv3.Client
	id    clientv3.LeaseID
	key   string
	owner string
}

func (l *etcdLease) Owner() string { return l.owner }

func (l *etcdLease) Renew(ctx context.Context) error {
	if _, err := l.cli.KeepAliveOnce(ctx, l.id); err != nil {
		return fmt.Errorf("renewing lease %s: %w", l.key, err)
	}
	return nil
}

func (l *etcdLease) Release(ctx context.Context) error {
	// Revoking the lease deletes the attached lock key.
	if _, err := l.cli.Revoke(ctx, l.id); err != nil {
		return fmt.Errorf("releasing lease %s: %w", l.key, err)
	}
	return nil
}

// Subscribe implements Store using an etcd watch over the vault's queue
// prefix.
func (s *Etcd) Subscribe(ctx context.Context, vaultID string) (<-chan Event, error) {
	var prefix = s.queuePrefix + "/" + vaultID + "/"
	var watch = s.cli.Watch(ctx, prefix, clientv3.WithPrefix())

	var out = make(chan Event, 16)
	go func() {
		defer close(out)
		for resp := range watch {
			if err := resp.Err(); err != nil {
				return
			}
			for _, ev := range resp.Events {
				if ev.Type != mvccpb.PUT {
					continue
				}
				var entry Entry
				if err := json.Unmarshal(ev.Kv.Value, &entry); err != nil {
					continue
				}
				select {
				case out <- Event{VaultID: entry.VaultID, SortKey: entry.SortKey(), Status: entry.Status}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

var _ Store = (*Etcd)(nil)
