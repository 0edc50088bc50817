package controlplane

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store with the same operational semantics as
// the etcd store. It backs package tests of the producer and consumer.
type Memory struct {
	mu      sync.Mutex
	entries map[string]map[string]*Entry // vault -> sort key
	states  map[string]*VaultState
	locks   map[string]*memLock // vault/kind
	subs    map[string][]chan Event
	nowFn   func() time.Time
}

type memLock struct {
	owner   string
	expires time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]map[string]*Entry),
		states:  make(map[string]*VaultState),
		locks:   make(map[string]*memLock),
		subs:    make(map[string][]chan Event),
		nowFn:   time.Now,
	}
}

// SetClock overrides the store's clock, for lease-expiry tests.
func (m *Memory) SetClock(now func() time.Time) { m.nowFn = now }

// PutIfAbsent implements Store.
func (m *Memory) PutIfAbsent(_ context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var vault = m.entries[entry.VaultID]
	if vault == nil {
		vault = make(map[string]*Entry)
		m.entries[entry.VaultID] = vault
	}
	if existing, ok := vault[entry.SortKey()]; ok {
		if existing.Checksum != entry.Checksum {
			return fmt.Errorf("entry %s/%s: %w", entry.VaultID, entry.SortKey(), ErrDuplicateChecksum)
		}
		return nil
	}

	var e = *entry
	e.CreatedAt = m.nowFn().UTC()
	e.UpdatedAt = e.CreatedAt
	vault[e.SortKey()] = &e
	m.notify(Event{VaultID: e.VaultID, SortKey: e.SortKey(), Status: e.Status})
	return nil
}

// GetEntry implements Store.
func (m *Memory) GetEntry(_ context.Context, key EntryKey) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key.VaultID][SortKey(key.LoadType, key.LogicalTime)]; ok {
		var copied = *e
		return &copied, nil
	}
	return nil, ErrNotFound
}

// ConditionalUpdate implements Store.
func (m *Memory) ConditionalUpdate(_ context.Context, key EntryKey, expected Status, update EntryUpdate) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var e, ok = m.entries[key.VaultID][SortKey(key.LoadType, key.LogicalTime)]
	if !ok {
		return nil, ErrNotFound
	}
	if e.Status != expected {
		return nil, fmt.Errorf("entry %s/%s is %s, not %s: %w",
			key.VaultID, SortKey(key.LoadType, key.LogicalTime), e.Status, expected, ErrPreconditionFailed)
	}
	update.apply(e, m.nowFn().UTC())
	m.notify(Event{VaultID: e.VaultID, SortKey: e.SortKey(), Status: e.Status})

	var copied = *e
	return &copied, nil
}

// ScanForward implements Store.
func (m *Memory) ScanForward(_ context.Context, vaultID string, lt LoadType, startExclusive string, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var prefix = string(lt) + "#"
	var keys []string
	for k := range m.entries[vaultID] {
		if strings.HasPrefix(k, prefix) && (startExclusive == "" || k > prefix+startExclusive) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var out []*Entry
	for _, k := range keys {
		if limit > 0 && len(out) == limit {
			break
		}
		var copied = *m.entries[vaultID][k]
		out = append(out, &copied)
	}
	return out, nil
}

// GetVaultState implements Store.
func (m *Memory) GetVaultState(_ context.Context, vaultID string) (*VaultState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.states[vaultID]; ok {
		var copied = *s
		return &copied, nil
	}
	return nil, ErrNotFound
}

// PutVaultState implements Store.
func (m *Memory) PutVaultState(_ context.Context, state *VaultState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var copied = *state
	m.states[state.VaultID] = &copied
	return nil
}

// UpdateVaultState implements Store.
func (m *Memory) UpdateVaultState(_ context.Context, vaultID string, expectedEpoch int64, update StateUpdate) (*VaultState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s, ok = m.states[vaultID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.CurrentEpoch != expectedEpoch {
		return nil, fmt.Errorf("vault %s is at epoch %d, not %d: %w",
			vaultID, s.CurrentEpoch, expectedEpoch, ErrPreconditionFailed)
	}
	update.apply(s)

	var copied = *s
	return &copied, nil
}

// AcquireLease implements Store.
func (m *Memory) AcquireLease(_ context.Context, vaultID, kind, owner string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var key = vaultID + "/" + kind
	var now = m.nowFn()
	if l, ok := m.locks[key]; ok && l.owner != owner && l.expires.After(now) {
		return nil, fmt.Errorf("vault %s held by %s: %w", key, l.owner, ErrLeaseHeld)
	}
	m.locks[key] = &memLock{owner: owner, expires: now.Add(ttl)}
	return &memLease{store: m, key: key, owner: owner, ttl: ttl}, nil
}

type memLease struct {
	store *Memory
	key   string
	owner string
	ttl   time.Duration
}

func (l *memLease) Owner() string { return l.owner }

func (l *memLease) Renew(context.Context) error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	var held, ok = l.store.locks[l.key]
	if !ok || held.owner != l.owner {
		return fmt.Errorf("lease %s lost: %w", l.key, ErrLeaseHeld)
	}
	held.expires = l.store.nowFn().Add(l.ttl)
	return nil
}

func (l *memLease) Release(context.Context) error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	if held, ok := l.store.locks[l.key]; ok && held.owner == l.owner {
		delete(l.store.locks, l.key)
	}
	return nil
}

// Subscribe implements Store.
func (m *Memory) Subscribe(ctx context.Context, vaultID string) (<-chan Event, error) {
	m.mu.Lock()
	var ch = make(chan Event, 64)
	m.subs[vaultID] = append(m.subs[vaultID], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		var subs = m.subs[vaultID]
		for i, c := range subs {
			if c == ch {
				m.subs[vaultID] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}()
	return ch, nil
}

// notify fans an event out to subscribers. Delivery is best-effort and
// at-least-once overall; a full subscriber simply misses this wakeup and
// catches up on its next scan.
func (m *Memory) notify(ev Event) {
	for _, ch := range m.subs[ev.VaultID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

var _ Store = (*Memory)(nil)
