// Package archive preserves evicted bank entries in a BadgerDB store.
//
// Eviction is lossy by design: when a bank is full, the lowest-scoring
// entries are dropped to make room. Installing an Archive on a bank turns
// that drop into a demotion, keeping the cold tail queryable by id and
// restorable later.
package archive

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/orneryd/databank/pkg/databank"
)

// Key layout: prefix byte, bank id (big-endian u64), entry id (big-endian
// u64). Big-endian so iteration over a bank prefix walks entries in id
// order.
const prefixEntry = byte(0x01)

// ErrNotFound is returned when an archived entry does not exist.
var ErrNotFound = errors.New("archive: entry not found")

// Options configures the archive store.
type Options struct {
	// DataDir is the directory for the Badger store. Required unless
	// InMemory is set.
	DataDir string

	// InMemory runs the store without touching disk. For tests.
	InMemory bool

	// SyncWrites forces fsync after each archive write. Slower, durable.
	SyncWrites bool
}

// Archive is a BadgerDB-backed store of evicted entries. It implements
// databank.Archiver, so it plugs directly into DataBank.SetArchiver.
//
// Example Usage:
//
//	arc, err := archive.Open(archive.Options{DataDir: "./data/archive"})
//	if err != nil {
//		return err
//	}
//	defer arc.Close()
//	bank.SetArchiver(arc)
type Archive struct {
	db *badger.DB
}

var _ databank.Archiver = (*Archive)(nil)

// Open opens (creating if needed) an archive store.
func Open(opts Options) (*Archive, error) {
	bopts := badger.DefaultOptions(opts.DataDir).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(nil)
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", opts.DataDir, err)
	}
	return &Archive{db: db}, nil
}

// Close releases the underlying store.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Archive stores one evicted entry under its (bank, entry) key. Archiving
// the same id twice overwrites, keeping the latest state.
func (a *Archive) Archive(bank databank.BankID, entry *databank.BankEntry) error {
	key := entryKey(bank, entry.ID)
	value := databank.MarshalEntry(entry)
	err := a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		return fmt.Errorf("archive: store %v/%v: %w", bank, entry.ID, err)
	}
	return nil
}

// Get retrieves an archived entry.
func (a *Archive) Get(bank databank.BankID, id databank.EntryID) (*databank.BankEntry, error) {
	var raw []byte
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(bank, id))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("archive: %v/%v: %w", bank, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: read %v/%v: %w", bank, id, err)
	}
	return databank.UnmarshalEntry(raw)
}

// List returns the ids archived for a bank, ascending.
func (a *Archive) List(bank databank.BankID) ([]databank.EntryID, error) {
	var ids []databank.EntryID
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := bankPrefix(bank)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			ids = append(ids, databank.EntryID(binary.BigEndian.Uint64(key[9:17])))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: list %v: %w", bank, err)
	}
	return ids, nil
}

// Delete removes an archived entry, typically after a restore.
func (a *Archive) Delete(bank databank.BankID, id databank.EntryID) error {
	err := a.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(entryKey(bank, id))
	})
	if err != nil {
		return fmt.Errorf("archive: delete %v/%v: %w", bank, id, err)
	}
	return nil
}

func bankPrefix(bank databank.BankID) []byte {
	key := make([]byte, 9)
	key[0] = prefixEntry
	binary.BigEndian.PutUint64(key[1:9], uint64(bank))
	return key
}

func entryKey(bank databank.BankID, id databank.EntryID) []byte {
	key := make([]byte, 17)
	key[0] = prefixEntry
	binary.BigEndian.PutUint64(key[1:9], uint64(bank))
	binary.BigEndian.PutUint64(key[9:17], uint64(id))
	return key
}
