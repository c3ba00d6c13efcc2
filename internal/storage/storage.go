// Package storage defines the durable key/value record store behind the query
// and record caches. Every backend runs Update callbacks inside a mutual
// exclusion region that holds across goroutines and, where the backend allows
// several processes, across processes too.
package storage

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned by Tx.Get for a missing key.
	ErrNotFound = errors.New("storage: key not found")
	// ErrDuplicateKey is returned when the backing store holds more than one
	// entry for a key that must be unique.
	ErrDuplicateKey = errors.New("storage: duplicate key")
	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("storage: store closed")
)

// Tx is a view on one namespace inside an Update or View callback.
type Tx interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	// Scan visits every key with prefix in ascending key order.
	Scan(prefix string, fn func(key string, value []byte) error) error
}

// Store is one namespace of a durable record store.
type Store interface {
	// Update runs fn inside the exclusive region; writes are applied only when fn returns nil.
	Update(ctx context.Context, fn func(Tx) error) error
	// View runs fn against a consistent read of the namespace.
	View(ctx context.Context, fn func(Tx) error) error
	// Truncate removes every entry of the namespace.
	Truncate(ctx context.Context) error
	Close() error
}

// Opener creates a Store for a namespace.
type Opener interface {
	Open(namespace string) (Store, error)
	Close() error
}

// ValidateNamespace rejects namespaces that cannot be used as key prefixes,
// table values or file names.
func ValidateNamespace(namespace string) error {
	if namespace == "" {
		return errors.New("storage: namespace is required")
	}
	if strings.ContainsAny(namespace, "/\\:\x00") {
		return errors.New("storage: namespace contains a reserved character")
	}
	return nil
}

// DeletePrefix removes every key starting with prefix and reports how many were removed.
func DeletePrefix(tx Tx, prefix string) (int, error) {
	var keys []string
	err := tx.Scan(prefix, func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if err := tx.Delete(key); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}
