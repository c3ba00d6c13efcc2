package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/rpattn/jiracache/internal/storage"
)

var errClosed = storage.ErrClosed

type namespaceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newNamespaceLocks() *namespaceLocks {
	return &namespaceLocks{locks: make(map[string]*sync.Mutex)}
}

func (n *namespaceLocks) get(namespace string) *sync.Mutex {
	n.mu.Lock()
	defer n.mu.Unlock()
	lock, ok := n.locks[namespace]
	if !ok {
		lock = &sync.Mutex{}
		n.locks[namespace] = lock
	}
	return lock
}

// Open returns the store for namespace. Keys are stored as "<namespace>:<key>".
func (d *DB) Open(namespace string) (storage.Store, error) {
	if err := storage.ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	return &Store{db: d, prefix: namespace + ":", lock: d.locks.get(namespace)}, nil
}

// Store is one namespace inside a shared DB. Closing it leaves the DB open.
type Store struct {
	db     *DB
	prefix string
	lock   *sync.Mutex
}

// Update runs fn in a read-write transaction while holding the namespace lock.
func (s *Store) Update(ctx context.Context, fn func(storage.Tx) error) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.db.withTxn(ctx, true, func(txn *badger.Txn) error {
		return fn(&tx{txn: txn, prefix: s.prefix})
	})
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(storage.Tx) error) error {
	return s.db.withTxn(ctx, false, func(txn *badger.Txn) error {
		return fn(&tx{txn: txn, prefix: s.prefix})
	})
}

// Truncate drops every key of the namespace.
func (s *Store) Truncate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.db.db.DropPrefix([]byte(s.prefix)); err != nil {
		return fmt.Errorf("truncate %s: %w", s.prefix, err)
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}

type tx struct {
	txn    *badger.Txn
	prefix string
}

func (t *tx) Get(key string) ([]byte, error) {
	item, err := t.txn.Get([]byte(t.prefix + key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return item.ValueCopy(nil)
}

func (t *tx) Put(key string, value []byte) error {
	if err := t.txn.Set([]byte(t.prefix+key), value); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (t *tx) Delete(key string) error {
	if err := t.txn.Delete([]byte(t.prefix + key)); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (t *tx) Scan(prefix string, fn func(key string, value []byte) error) error {
	full := []byte(t.prefix + prefix)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = full

	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(full); it.ValidForPrefix(full); it.Next() {
		item := it.Item()
		value, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("read %s: %w", item.Key(), err)
		}
		key := string(item.KeyCopy(nil))[len(t.prefix):]
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return nil
}

var _ storage.Opener = (*DB)(nil)
