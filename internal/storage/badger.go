package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

var modelPrefix = []byte("model/")

// BadgerStore keeps models in an embedded badger database.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a badger database at dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	if dir == "" {
		return nil, errors.New("storage: empty badger directory")
	}
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("storage: open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func modelKey(index int) []byte {
	key := make([]byte, len(modelPrefix)+8)
	copy(key, modelPrefix)
	binary.BigEndian.PutUint64(key[len(modelPrefix):], uint64(index))
	return key
}

// Save implements ModelStore.
func (s *BadgerStore) Save(index int, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(modelKey(index), data)
	})
}

// Load implements ModelStore.
func (s *BadgerStore) Load(index int) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(modelKey(index))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return out, err
}

// Delete implements ModelStore.
func (s *BadgerStore) Delete(index int) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(modelKey(index))
	})
}

// Indices implements ModelStore.
func (s *BadgerStore) Indices() ([]int, error) {
	var out []int
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = modelPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			out = append(out, int(binary.BigEndian.Uint64(key[len(modelPrefix):])))
		}
		return nil
	})
	return out, err
}

// Close implements ModelStore.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
