// Package jsonfile stores each namespace as one JSON document of key/item rows.
// Access is serialized across processes with a flock on "<file>.lock" and the
// document is replaced atomically on every committed update.
package jsonfile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/rpattn/jiracache/internal/filelock"
	"github.com/rpattn/jiracache/internal/storage"
)

// Opener creates one file per namespace under a directory.
type Opener struct {
	dir   string
	mu    sync.Mutex
	locks map[string]*filelock.FileLock
}

// NewOpener returns an opener rooted at dir.
func NewOpener(dir string) (*Opener, error) {
	if dir == "" {
		return nil, errors.New("jsonfile: directory is required")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create cache directory %s: %w", dir, err)
	}
	return &Opener{dir: dir, locks: make(map[string]*filelock.FileLock)}, nil
}

// Open returns the store for namespace, backed by "<dir>/<namespace>.json".
func (o *Opener) Open(namespace string) (storage.Store, error) {
	if err := storage.ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	path := filepath.Join(o.dir, namespace+".json")

	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[namespace]
	if !ok {
		lock = filelock.New(path + ".lock")
		o.locks[namespace] = lock
	}
	return &Store{path: path, lock: lock}, nil
}

func (o *Opener) Close() error {
	return nil
}

// Store is one namespace file.
type Store struct {
	path string
	lock *filelock.FileLock
}

type row struct {
	Key  string          `json:"key"`
	Item json.RawMessage `json:"item"`
}

type document struct {
	Entries []row `json:"entries"`
}

// Update loads the document under the lock, runs fn and writes the result back
// when fn succeeded and changed something.
func (s *Store) Update(ctx context.Context, fn func(storage.Tx) error) error {
	return s.locked(ctx, func() error {
		entries, err := s.load()
		if err != nil {
			return err
		}
		t := &tx{entries: entries}
		if err := fn(t); err != nil {
			return err
		}
		if !t.dirty {
			return nil
		}
		return s.save(t.entries)
	})
}

// View loads the document under the lock and runs fn on it. Writes are rejected.
func (s *Store) View(ctx context.Context, fn func(storage.Tx) error) error {
	return s.locked(ctx, func() error {
		entries, err := s.load()
		if err != nil {
			return err
		}
		return fn(&tx{entries: entries, readOnly: true})
	})
}

// Truncate replaces the document with an empty one. It does not read the old
// document, so it also recovers a corrupted file.
func (s *Store) Truncate(ctx context.Context) error {
	return s.locked(ctx, func() error {
		return s.save(map[string]json.RawMessage{})
	})
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) locked(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return s.lock.WithLock(fn)
}

func (s *Store) load() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]json.RawMessage{}, nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	entries := make(map[string]json.RawMessage, len(doc.Entries))
	for _, entry := range doc.Entries {
		if _, exists := entries[entry.Key]; exists {
			return nil, fmt.Errorf("%w: %s in %s", storage.ErrDuplicateKey, entry.Key, s.path)
		}
		entries[entry.Key] = entry.Item
	}
	return entries, nil
}

func (s *Store) save(entries map[string]json.RawMessage) error {
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	doc := document{Entries: make([]row, 0, len(keys))}
	for _, key := range keys {
		doc.Entries = append(doc.Entries, row{Key: key, Item: entries[key]})
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.path, err)
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

type tx struct {
	entries  map[string]json.RawMessage
	readOnly bool
	dirty    bool
}

var errReadOnly = errors.New("jsonfile: write in read-only transaction")

func (t *tx) Get(key string) ([]byte, error) {
	item, ok := t.entries[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), item...), nil
}

// Put stores value, which must be a JSON document.
func (t *tx) Put(key string, value []byte) error {
	if t.readOnly {
		return errReadOnly
	}
	if !json.Valid(value) {
		return fmt.Errorf("jsonfile: value of %s is not valid JSON", key)
	}
	t.entries[key] = append(json.RawMessage(nil), value...)
	t.dirty = true
	return nil
}

func (t *tx) Delete(key string) error {
	if t.readOnly {
		return errReadOnly
	}
	if _, ok := t.entries[key]; ok {
		delete(t.entries, key)
		t.dirty = true
	}
	return nil
}

func (t *tx) Scan(prefix string, fn func(key string, value []byte) error) error {
	keys := make([]string, 0, len(t.entries))
	for key := range t.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := fn(key, t.entries[key]); err != nil {
			return err
		}
	}
	return nil
}

var _ storage.Opener = (*Opener)(nil)
