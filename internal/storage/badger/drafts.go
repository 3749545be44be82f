package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"dirsync/internal/csn"
	"dirsync/internal/domain"
	"dirsync/internal/storage"

	"github.com/dgraph-io/badger/v4"
)

const defaultValueLogFileSize = 64 << 20

var (
	prefixNumber = []byte("n/")
	prefixChange = []byte("c/")
	keyLast      = []byte("m/last")
	keyPosition  = []byte("m/position")
)

type config struct {
	valueLogFileSize int64
	inMemory         bool
}

// Option customizes how Badger is opened.
type Option func(*config) error

// WithValueLogFileSize sets max bytes per value log file.
func WithValueLogFileSize(sizeBytes int64) Option {
	return func(cfg *config) error {
		if sizeBytes <= 0 {
			return fmt.Errorf("badger value log file size must be > 0, got %d", sizeBytes)
		}
		cfg.valueLogFileSize = sizeBytes
		return nil
	}
}

// WithInMemory keeps the index in memory only.
func WithInMemory() Option {
	return func(cfg *config) error {
		cfg.inMemory = true
		return nil
	}
}

// DraftIndex stores draft change numbers in Badger. Both directions of the
// mapping and the numbering position are written in one transaction.
type DraftIndex struct {
	db *badger.DB
}

var _ storage.DraftIndex = (*DraftIndex)(nil)

func Open(path string, options ...Option) (*DraftIndex, error) {
	db, err := openDB(path, options)
	if err != nil {
		return nil, fmt.Errorf("open draft index: %w", err)
	}
	return &DraftIndex{db: db}, nil
}

func openDB(path string, options []Option) (*badger.DB, error) {
	cfg := config{valueLogFileSize: defaultValueLogFileSize}
	for _, option := range options {
		if option == nil {
			continue
		}
		if err := option(&cfg); err != nil {
			return nil, err
		}
	}
	opts := badger.DefaultOptions(path)
	if cfg.inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithValueLogFileSize(cfg.valueLogFileSize)
	opts.Logger = nil
	return badger.Open(opts)
}

func (d *DraftIndex) Close() error { return d.db.Close() }

func numberKey(n int64) []byte {
	k := make([]byte, len(prefixNumber)+8)
	copy(k, prefixNumber)
	binary.BigEndian.PutUint64(k[len(prefixNumber):], uint64(n))
	return k
}

func changeKey(name string, c csn.CSN) []byte {
	k := make([]byte, 0, len(prefixChange)+len(name)+1+csn.Size)
	k = append(k, prefixChange...)
	k = append(k, name...)
	k = append(k, 0)
	return append(k, c.Bytes()...)
}

func encodeInt(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func decodeInt(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("draft index: bad integer value of %d bytes", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (d *DraftIndex) Assign(_ context.Context, entries []domain.DraftEntry, position string) error {
	return d.db.Update(func(txn *badger.Txn) error {
		last, err := readInt(txn, keyLast)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Number <= last {
				return fmt.Errorf("draft number %d not above last assigned %d", e.Number, last)
			}
			val, err := storage.EncodeDraft(e)
			if err != nil {
				return err
			}
			if err := txn.Set(numberKey(e.Number), val); err != nil {
				return err
			}
			if err := txn.Set(changeKey(e.Domain, e.CSN), encodeInt(e.Number)); err != nil {
				return err
			}
			last = e.Number
		}
		if err := txn.Set(keyLast, encodeInt(last)); err != nil {
			return err
		}
		return txn.Set(keyPosition, []byte(position))
	})
}

func readInt(txn *badger.Txn, key []byte) (int64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	return decodeInt(val)
}

func (d *DraftIndex) Position(context.Context) (string, error) {
	var out string
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyPosition)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		out = string(val)
		return err
	})
	return out, err
}

func (d *DraftIndex) LastAssigned(context.Context) (int64, error) {
	var out int64
	err := d.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = readInt(txn, keyLast)
		return err
	})
	return out, err
}

func (d *DraftIndex) Get(_ context.Context, n int64) (domain.DraftEntry, bool, error) {
	var out domain.DraftEntry
	found := false
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(numberKey(n))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		out, err = storage.DecodeDraft(n, val)
		found = err == nil
		return err
	})
	return out, found, err
}

func (d *DraftIndex) Lookup(_ context.Context, name string, c csn.CSN) (int64, bool, error) {
	var out int64
	found := false
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(changeKey(name, c))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		out, err = decodeInt(val)
		found = err == nil
		return err
	})
	return out, found, err
}

func (d *DraftIndex) First(ctx context.Context) (domain.DraftEntry, bool, error) {
	entries, err := d.Scan(ctx, 0, 1)
	if err != nil || len(entries) == 0 {
		return domain.DraftEntry{}, false, err
	}
	return entries[0], true, nil
}

func (d *DraftIndex) Last(context.Context) (domain.DraftEntry, bool, error) {
	var out domain.DraftEntry
	found := false
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefixNumber
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Seek(numberKey(-1))
		if !it.ValidForPrefix(prefixNumber) {
			return nil
		}
		e, err := decodeItem(it.Item())
		if err != nil {
			return err
		}
		out, found = e, true
		return nil
	})
	return out, found, err
}

func decodeItem(item *badger.Item) (domain.DraftEntry, error) {
	key := item.KeyCopy(nil)
	n := int64(binary.BigEndian.Uint64(key[len(prefixNumber):]))
	val, err := item.ValueCopy(nil)
	if err != nil {
		return domain.DraftEntry{}, err
	}
	return storage.DecodeDraft(n, val)
}

func (d *DraftIndex) Scan(_ context.Context, from int64, limit int) ([]domain.DraftEntry, error) {
	if from < 0 {
		from = 0
	}
	var out []domain.DraftEntry
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixNumber
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(numberKey(from)); it.ValidForPrefix(prefixNumber); it.Next() {
			e, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (d *DraftIndex) DeleteThrough(_ context.Context, n int64) (int, error) {
	var keys [][]byte
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixNumber
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefixNumber); it.Next() {
			e, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			if e.Number > n {
				break
			}
			keys = append(keys, numberKey(e.Number), changeKey(e.Domain, e.CSN))
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return 0, err
	}
	wb := d.db.NewWriteBatch()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			wb.Cancel()
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(keys) / 2, nil
}
