package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

var (
	prefixEntry = []byte("e/")
	prefixSlot  = []byte("s/")
)

// EntryStore holds the opaque entries of each domain's dataset as served
// and received by bulk initialization. Every domain has two slots: the
// active one is exported, an import fills the other and Commit flips them.
type EntryStore struct {
	db *badger.DB

	mu      sync.Mutex
	pending map[string]byte
	next    map[string]uint64
}

func OpenEntries(path string, options ...Option) (*EntryStore, error) {
	db, err := openDB(path, options)
	if err != nil {
		return nil, fmt.Errorf("open entry store: %w", err)
	}
	return &EntryStore{db: db, pending: map[string]byte{}, next: map[string]uint64{}}, nil
}

func (s *EntryStore) Close() error { return s.db.Close() }

func slotKey(domainName string) []byte {
	return append(append([]byte(nil), prefixSlot...), domainName...)
}

func entryPrefix(domainName string, slot byte) []byte {
	k := make([]byte, 0, len(prefixEntry)+len(domainName)+2)
	k = append(k, prefixEntry...)
	k = append(k, domainName...)
	return append(k, 0, slot)
}

func entryKey(domainName string, slot byte, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(entryPrefix(domainName, slot), seq)
}

func (s *EntryStore) activeSlot(txn *badger.Txn, domainName string) (byte, error) {
	item, err := txn.Get(slotKey(domainName))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil || len(val) != 1 {
		return 0, fmt.Errorf("entry store: bad slot for %s: %v", domainName, err)
	}
	return val[0], nil
}

// Add appends one entry to the active dataset of a domain.
func (s *EntryStore) Add(_ context.Context, domainName string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(txn *badger.Txn) error {
		slot, err := s.activeSlot(txn, domainName)
		if err != nil {
			return err
		}
		n, err := s.lastSeq(txn, domainName, slot)
		if err != nil {
			return err
		}
		return txn.Set(entryKey(domainName, slot, n+1), data)
	})
}

func (s *EntryStore) lastSeq(txn *badger.Txn, domainName string, slot byte) (uint64, error) {
	prefix := entryPrefix(domainName, slot)
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	it.Seek(entryKey(domainName, slot, ^uint64(0)))
	if !it.ValidForPrefix(prefix) {
		return 0, nil
	}
	key := it.Item().Key()
	return binary.BigEndian.Uint64(key[len(prefix):]), nil
}

func (s *EntryStore) Count(_ context.Context, domainName string) (uint64, error) {
	var n uint64
	err := s.db.View(func(txn *badger.Txn) error {
		slot, err := s.activeSlot(txn, domainName)
		if err != nil {
			return err
		}
		prefix := entryPrefix(domainName, slot)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (s *EntryStore) Export(ctx context.Context, domainName string, emit func([]byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		slot, err := s.activeSlot(txn, domainName)
		if err != nil {
			return err
		}
		prefix := entryPrefix(domainName, slot)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := emit(val); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *EntryStore) Begin(_ context.Context, domainName string, _ uint64) error {
	var active byte
	if err := s.db.View(func(txn *badger.Txn) error {
		var err error
		active, err = s.activeSlot(txn, domainName)
		return err
	}); err != nil {
		return err
	}
	target := 1 - active
	if err := s.db.DropPrefix(entryPrefix(domainName, target)); err != nil {
		return err
	}
	s.mu.Lock()
	s.pending[domainName] = target
	s.next[domainName] = 1
	s.mu.Unlock()
	return nil
}

func (s *EntryStore) Import(_ context.Context, domainName string, seq uint64, data []byte) error {
	s.mu.Lock()
	slot, ok := s.pending[domainName]
	want := s.next[domainName]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("entry store: no import open for %s", domainName)
	}
	if seq != want {
		return fmt.Errorf("entry store: entry %d for %s, want %d", seq, domainName, want)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(domainName, slot, seq), data)
	}); err != nil {
		return err
	}
	s.mu.Lock()
	s.next[domainName] = seq + 1
	s.mu.Unlock()
	return nil
}

// Commit makes the imported slot the active dataset and drops the old one.
func (s *EntryStore) Commit(_ context.Context, domainName string) error {
	s.mu.Lock()
	slot, ok := s.pending[domainName]
	delete(s.pending, domainName)
	delete(s.next, domainName)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("entry store: no import open for %s", domainName)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(slotKey(domainName), []byte{slot})
	}); err != nil {
		return err
	}
	return s.db.DropPrefix(entryPrefix(domainName, 1-slot))
}

func (s *EntryStore) Abort(_ context.Context, domainName string) error {
	s.mu.Lock()
	slot, ok := s.pending[domainName]
	delete(s.pending, domainName)
	delete(s.next, domainName)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.db.DropPrefix(entryPrefix(domainName, slot))
}
