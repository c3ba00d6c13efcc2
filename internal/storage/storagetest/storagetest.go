// Package storagetest holds the behaviour every storage.Store backend must share.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/rpattn/jiracache/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises a backend. open must return an empty store for the given
// namespace. Values written by the suite are JSON documents.
func Run(t *testing.T, open func(t *testing.T, namespace string) storage.Store) {
	t.Run("PutGetDelete", func(t *testing.T) {
		store := open(t, "crud")
		ctx := context.Background()

		require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
			return tx.Put("a", []byte("1"))
		}))

		require.NoError(t, store.View(ctx, func(tx storage.Tx) error {
			value, err := tx.Get("a")
			require.NoError(t, err)
			assert.Equal(t, []byte("1"), value)

			_, err = tx.Get("missing")
			assert.ErrorIs(t, err, storage.ErrNotFound)
			return nil
		}))

		require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
			if err := tx.Put("a", []byte("2")); err != nil {
				return err
			}
			value, err := tx.Get("a")
			if err != nil {
				return err
			}
			assert.Equal(t, []byte("2"), value)
			return tx.Delete("a")
		}))

		require.NoError(t, store.View(ctx, func(tx storage.Tx) error {
			_, err := tx.Get("a")
			assert.ErrorIs(t, err, storage.ErrNotFound)
			return nil
		}))
	})

	t.Run("FailedUpdateIsDiscarded", func(t *testing.T) {
		store := open(t, "rollback")
		ctx := context.Background()
		boom := errors.New("boom")

		err := store.Update(ctx, func(tx storage.Tx) error {
			if err := tx.Put("a", []byte("1")); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		require.NoError(t, store.View(ctx, func(tx storage.Tx) error {
			_, err := tx.Get("a")
			assert.ErrorIs(t, err, storage.ErrNotFound)
			return nil
		}))
	})

	t.Run("ScanPrefixInKeyOrder", func(t *testing.T) {
		store := open(t, "scan")
		ctx := context.Background()

		require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
			for _, key := range []string{"page/b/2", "page/a/010", "meta/a", "page/a/000", "page/a/005"} {
				if err := tx.Put(key, []byte(strconv.Quote(key))); err != nil {
					return err
				}
			}
			return nil
		}))

		var keys []string
		require.NoError(t, store.View(ctx, func(tx storage.Tx) error {
			return tx.Scan("page/a/", func(key string, value []byte) error {
				assert.Equal(t, strconv.Quote(key), string(value))
				keys = append(keys, key)
				return nil
			})
		}))
		assert.Equal(t, []string{"page/a/000", "page/a/005", "page/a/010"}, keys)

		var removed int
		require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
			var err error
			removed, err = storage.DeletePrefix(tx, "page/")
			return err
		}))
		assert.Equal(t, 4, removed)
	})

	t.Run("NamespacesAreIsolated", func(t *testing.T) {
		first := open(t, "first")
		second := open(t, "second")
		ctx := context.Background()

		require.NoError(t, first.Update(ctx, func(tx storage.Tx) error {
			return tx.Put("shared", []byte(`"first"`))
		}))
		require.NoError(t, second.Truncate(ctx))

		require.NoError(t, second.View(ctx, func(tx storage.Tx) error {
			_, err := tx.Get("shared")
			assert.ErrorIs(t, err, storage.ErrNotFound)
			return nil
		}))
		require.NoError(t, first.View(ctx, func(tx storage.Tx) error {
			value, err := tx.Get("shared")
			require.NoError(t, err)
			assert.Equal(t, `"first"`, string(value))
			return nil
		}))
	})

	t.Run("Truncate", func(t *testing.T) {
		store := open(t, "truncate")
		ctx := context.Background()

		require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
			return tx.Put("a", []byte("1"))
		}))
		require.NoError(t, store.Truncate(ctx))
		require.NoError(t, store.View(ctx, func(tx storage.Tx) error {
			count := 0
			err := tx.Scan("", func(string, []byte) error {
				count++
				return nil
			})
			assert.Zero(t, count)
			return err
		}))
	})

	t.Run("ConcurrentUpdatesSerialize", func(t *testing.T) {
		store := open(t, "counter")
		ctx := context.Background()
		const workers = 8

		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- store.Update(ctx, func(tx storage.Tx) error {
					count := 0
					value, err := tx.Get("count")
					switch {
					case errors.Is(err, storage.ErrNotFound):
					case err != nil:
						return err
					default:
						if _, err := fmt.Sscanf(string(value), "%d", &count); err != nil {
							return err
						}
					}
					return tx.Put("count", []byte(fmt.Sprintf("%d", count+1)))
				})
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		require.NoError(t, store.View(ctx, func(tx storage.Tx) error {
			value, err := tx.Get("count")
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("%d", workers), string(value))
			return nil
		}))
	})

	t.Run("CancelledContext", func(t *testing.T) {
		store := open(t, "cancelled")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := store.Update(ctx, func(tx storage.Tx) error {
			return tx.Put("a", []byte("1"))
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
