package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"dirsync/internal/csn"
	"dirsync/internal/domain"
)

// MemoryBackend keeps every domain log in process memory.
type MemoryBackend struct {
	mu   sync.Mutex
	logs map[string]*MemoryLog
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{logs: map[string]*MemoryLog{}}
}

func (b *MemoryBackend) OpenLog(_ context.Context, name string) (Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.logs[name]; ok {
		return l, nil
	}
	l := NewMemoryLog()
	b.logs[name] = l
	return l, nil
}

func (b *MemoryBackend) Close() error { return nil }

// MemoryLog is a sorted slice of records.
type MemoryLog struct {
	mu      sync.RWMutex
	records []domain.Change
	meta    map[string]string
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{meta: map[string]string{}}
}

func (m *MemoryLog) Append(_ context.Context, change domain.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.search(change.CSN)
	if i < len(m.records) && m.records[i].CSN == change.CSN {
		return nil
	}
	m.records = append(m.records, domain.Change{})
	copy(m.records[i+1:], m.records[i:])
	m.records[i] = change
	return nil
}

// search returns the index of the first record with CSN >= c.
func (m *MemoryLog) search(c csn.CSN) int {
	return sort.Search(len(m.records), func(i int) bool { return !m.records[i].CSN.Less(c) })
}

func (m *MemoryLog) Read(_ context.Context, from csn.CSN, inclusive bool, limit int) ([]domain.Change, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := m.search(from)
	if !inclusive && i < len(m.records) && m.records[i].CSN == from {
		i++
	}
	end := len(m.records)
	if limit > 0 && i+limit < end {
		end = i + limit
	}
	if i >= end {
		return nil, nil
	}
	return append([]domain.Change(nil), m.records[i:end]...), nil
}

func (m *MemoryLog) ReadReplica(_ context.Context, replica csn.ReplicaID, after csn.CSN, limit int) ([]domain.Change, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Change
	for _, r := range m.records[m.search(after):] {
		if r.CSN.Replica != replica || !after.Less(r.CSN) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryLog) LastBefore(_ context.Context, replica csn.ReplicaID, before csn.CSN) (csn.CSN, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := m.search(before) - 1; i >= 0; i-- {
		if m.records[i].CSN.Replica == replica {
			return m.records[i].CSN, true, nil
		}
	}
	return csn.CSN{}, false, nil
}

func (m *MemoryLog) LastPerReplica(context.Context) (map[csn.ReplicaID]csn.CSN, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[csn.ReplicaID]csn.CSN{}
	for _, r := range m.records {
		out[r.CSN.Replica] = r.CSN
	}
	return out, nil
}

func (m *MemoryLog) Get(_ context.Context, c csn.CSN) (domain.Change, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := m.search(c)
	if i < len(m.records) && m.records[i].CSN == c {
		return m.records[i], true, nil
	}
	return domain.Change{}, false, nil
}

func (m *MemoryLog) PurgeBefore(_ context.Context, boundary csn.CSN) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.search(boundary)
	if i == 0 {
		return 0, nil
	}
	m.records = append([]domain.Change(nil), m.records[i:]...)
	return i, nil
}

func (m *MemoryLog) Count(_ context.Context, replica csn.ReplicaID, after, upTo csn.CSN) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.records[m.search(after):] {
		if upTo.Less(r.CSN) {
			break
		}
		if r.CSN.Replica == replica && after.Less(r.CSN) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryLog) Meta(context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.meta))
	for k, v := range m.meta {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryLog) SetMeta(_ context.Context, kv map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range kv {
		m.meta[k] = v
	}
	return nil
}

func (m *MemoryLog) Close() error { return nil }

// Len is the number of retained records.
func (m *MemoryLog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// MemoryDraftIndex is an in-process DraftIndex.
type MemoryDraftIndex struct {
	mu       sync.RWMutex
	entries  []domain.DraftEntry
	byChange map[draftKey]int64
	last     int64
	position string
}

type draftKey struct {
	domain string
	csn    csn.CSN
}

func NewMemoryDraftIndex() *MemoryDraftIndex {
	return &MemoryDraftIndex{byChange: map[draftKey]int64{}}
}

func (m *MemoryDraftIndex) Assign(_ context.Context, entries []domain.DraftEntry, position string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := m.last
	for _, e := range entries {
		if e.Number <= last {
			return fmt.Errorf("draft number %d not above last assigned %d", e.Number, last)
		}
		last = e.Number
	}
	for _, e := range entries {
		m.entries = append(m.entries, e)
		m.byChange[draftKey{e.Domain, e.CSN}] = e.Number
		if e.Number > m.last {
			m.last = e.Number
		}
	}
	m.position = position
	return nil
}

func (m *MemoryDraftIndex) Position(context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.position, nil
}

func (m *MemoryDraftIndex) LastAssigned(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, nil
}

func (m *MemoryDraftIndex) find(n int64) int {
	return sort.Search(len(m.entries), func(i int) bool { return m.entries[i].Number >= n })
}

func (m *MemoryDraftIndex) Get(_ context.Context, n int64) (domain.DraftEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := m.find(n)
	if i < len(m.entries) && m.entries[i].Number == n {
		return m.entries[i], true, nil
	}
	return domain.DraftEntry{}, false, nil
}

func (m *MemoryDraftIndex) Lookup(_ context.Context, name string, c csn.CSN) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.byChange[draftKey{name, c}]
	return n, ok, nil
}

func (m *MemoryDraftIndex) First(context.Context) (domain.DraftEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return domain.DraftEntry{}, false, nil
	}
	return m.entries[0], true, nil
}

func (m *MemoryDraftIndex) Last(context.Context) (domain.DraftEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return domain.DraftEntry{}, false, nil
	}
	return m.entries[len(m.entries)-1], true, nil
}

func (m *MemoryDraftIndex) Scan(_ context.Context, from int64, limit int) ([]domain.DraftEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := m.find(from)
	end := len(m.entries)
	if limit > 0 && i+limit < end {
		end = i + limit
	}
	if i >= end {
		return nil, nil
	}
	return append([]domain.DraftEntry(nil), m.entries[i:end]...), nil
}

func (m *MemoryDraftIndex) DeleteThrough(_ context.Context, n int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.find(n + 1)
	for _, e := range m.entries[:i] {
		delete(m.byChange, draftKey{e.Domain, e.CSN})
	}
	m.entries = append([]domain.DraftEntry(nil), m.entries[i:]...)
	return i, nil
}

func (m *MemoryDraftIndex) Close() error { return nil }
