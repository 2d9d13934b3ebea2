package core

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Collections of the keyed store.
const (
	CollectionBlocks   = "blk"
	CollectionTxIndex  = "txi"
	CollectionAccounts = "acct"
	CollectionMempool  = "mempool"
	CollectionBans     = "ban"
	CollectionMeta     = "meta"
)

// Store is a keyed collection store on LevelDB. Values are JSON documents
// stored under "collection:key".
type Store struct {
	db *leveldb.DB
}

// OpenStore opens (or creates) the LevelDB database at path.
func OpenStore(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMemStore opens a store that lives only in memory.
func OpenMemStore() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func storeKey(collection, key string) []byte {
	return []byte(collection + ":" + key)
}

// HeightKey formats a height so that lexical order matches numeric order.
func HeightKey(height int64) string {
	return fmt.Sprintf("%020d", height)
}

// Put stores v under collection/key.
func (s *Store) Put(collection, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", collection, key, err)
	}
	if err := s.db.Put(storeKey(collection, key), data, nil); err != nil {
		return fmt.Errorf("failed to store %s/%s: %w", collection, key, err)
	}
	return nil
}

// Get loads collection/key into v. It returns ErrNotFound when absent.
func (s *Store) Get(collection, key string, v any) error {
	data, err := s.db.Get(storeKey(collection, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get %s/%s: %w", collection, key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *Store) Has(collection, key string) (bool, error) {
	return s.db.Has(storeKey(collection, key), nil)
}

func (s *Store) Delete(collection, key string) error {
	return s.db.Delete(storeKey(collection, key), nil)
}

// List calls fn for every document of a collection in key order. Iteration
// stops at the first error returned by fn.
func (s *Store) List(collection string, fn func(key string, raw []byte) error) error {
	prefix := collection + ":"
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		key := string(iter.Key()[len(prefix):])
		if err := fn(key, iter.Value()); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterator error: %w", err)
	}
	return nil
}

// Count returns the number of documents in a collection.
func (s *Store) Count(collection string) (int, error) {
	n := 0
	err := s.List(collection, func(string, []byte) error {
		n++
		return nil
	})
	return n, err
}

// Batch collects writes that are committed atomically by Write.
type Batch struct {
	b leveldb.Batch
}

func (s *Store) NewBatch() *Batch {
	return &Batch{}
}

func (b *Batch) Put(collection, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", collection, key, err)
	}
	b.b.Put(storeKey(collection, key), data)
	return nil
}

func (b *Batch) Delete(collection, key string) {
	b.b.Delete(storeKey(collection, key))
}

func (s *Store) Write(b *Batch) error {
	if err := s.db.Write(&b.b, nil); err != nil {
		return fmt.Errorf("failed to write batch: %w", err)
	}
	return nil
}
